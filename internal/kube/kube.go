package kube

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"clusterproxy/internal/authproxy"
)

// Target kinds accepted by ResolvePod.
const (
	KindPod     = "pod"
	KindService = "service"
)

// NewClientset creates a clientset that talks to the cluster through target.
var NewClientset = func(target authproxy.RouteTarget) (kubernetes.Interface, *rest.Config, error) {
	restConfig := target.RESTConfig()
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Kubernetes clientset for %s: %w", restConfig.Host, err)
	}
	return clientset, restConfig, nil
}

// ResolvePod returns the pod a port-forward to kind/name should connect to.
// For a pod that is the pod itself; for a service it is a running pod that
// matches the service selector and has all containers ready.
func ResolvePod(ctx context.Context, clientset kubernetes.Interface, namespace, kind, name string) (string, error) {
	switch strings.ToLower(kind) {
	case KindPod:
		return name, nil
	case KindService:
	default:
		return "", fmt.Errorf("unsupported resource kind %q, expected pod or service", kind)
	}

	svc, err := clientset.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get service %s/%s: %w", namespace, name, err)
	}
	if len(svc.Spec.Selector) == 0 {
		return "", fmt.Errorf("service %s/%s has no selector, cannot find backing pods", namespace, name)
	}

	selector := labels.SelectorFromSet(svc.Spec.Selector)
	podList, err := clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return "", fmt.Errorf("failed to list pods for service %s/%s: %w", namespace, name, err)
	}
	if len(podList.Items) == 0 {
		return "", fmt.Errorf("no pods found for service %s/%s with selector %s", namespace, name, selector.String())
	}

	for _, pod := range podList.Items {
		if podReady(&pod) {
			return pod.Name, nil
		}
	}
	return "", fmt.Errorf("no ready pods found for service %s/%s (selector: %s)", namespace, name, selector.String())
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	ready := false
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			ready = true
			break
		}
	}
	if !ready {
		return false
	}
	// Running but container statuses not reported yet.
	if len(pod.Status.ContainerStatuses) == 0 && len(pod.Spec.Containers) > 0 {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return true
}
