package kube

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"clusterproxy/internal/authproxy"
)

func pod(name string, phase corev1.PodPhase, ready bool, labels map[string]string) *corev1.Pod {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", Labels: labels},
		Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "app"}}},
		Status: corev1.PodStatus{
			Phase:             phase,
			Conditions:        []corev1.PodCondition{{Type: corev1.PodReady, Status: status}},
			ContainerStatuses: []corev1.ContainerStatus{{Name: "app", Ready: ready}},
		},
	}
}

func service(name string, selector map[string]string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec:       corev1.ServiceSpec{Selector: selector},
	}
}

func TestResolvePod(t *testing.T) {
	app := map[string]string{"app": "web"}

	tests := []struct {
		name        string
		objects     []runtime.Object
		kind        string
		target      string
		want        string
		errContains string
	}{
		{
			name:   "pod is used as is",
			kind:   "pod",
			target: "my-pod",
			want:   "my-pod",
		},
		{
			name:   "service resolves to ready pod",
			kind:   "service",
			target: "web",
			objects: []runtime.Object{
				service("web", app),
				pod("web-pending", corev1.PodPending, false, app),
				pod("web-ready", corev1.PodRunning, true, app),
			},
			want: "web-ready",
		},
		{
			name:        "service without ready pods",
			kind:        "Service",
			target:      "web",
			objects:     []runtime.Object{service("web", app), pod("web-1", corev1.PodRunning, false, app)},
			errContains: "no ready pods",
		},
		{
			name:        "service without selector",
			kind:        "service",
			target:      "headless",
			objects:     []runtime.Object{service("headless", nil)},
			errContains: "no selector",
		},
		{
			name:        "service without pods",
			kind:        "service",
			target:      "web",
			objects:     []runtime.Object{service("web", app)},
			errContains: "no pods found",
		},
		{
			name:        "missing service",
			kind:        "service",
			target:      "nope",
			errContains: "failed to get service",
		},
		{
			name:        "unsupported kind",
			kind:        "deployment",
			target:      "web",
			errContains: "unsupported resource kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientset := fake.NewSimpleClientset(tt.objects...)
			got, err := ResolvePod(context.Background(), clientset, "default", tt.kind, tt.target)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewClientset(t *testing.T) {
	_, cfg, err := NewClientset(authproxy.RouteTarget{
		Protocol:   "https",
		Host:       "127.0.0.1",
		Port:       41000,
		PathPrefix: "/abcd",
		Timeout:    authproxy.LongRunningRequestTimeout,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1:41000/abcd", cfg.Host)
	assert.Equal(t, authproxy.LongRunningRequestTimeout, cfg.Timeout)
}
