package detect

import (
	"context"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterproxy/internal/authproxy"
	"clusterproxy/internal/suspend"
)

type staticTargets struct {
	target authproxy.RouteTarget
	err    error
}

func (s staticTargets) GetAPITarget(context.Context, bool) (authproxy.RouteTarget, error) {
	return s.target, s.err
}

func targetFor(t *testing.T, srv *httptest.Server, prefix string) authproxy.RouteTarget {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	ca := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	return authproxy.RouteTarget{
		Protocol:   "https",
		Host:       u.Hostname(),
		Port:       port,
		PathPrefix: prefix,
		CA:         ca,
		Timeout:    authproxy.DefaultRequestTimeout,
	}
}

func TestVersionDetector_Detect(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		timeout   time.Duration
		checkFunc func(t *testing.T, res Result)
	}{
		{
			name: "success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/abc/version" {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"major":"1","minor":"29","gitVersion":"v1.29.3-eks-adc7111"}`))
			},
			checkFunc: func(t *testing.T, res Result) {
				s, ok := res.(Success)
				require.True(t, ok, "got %#v", res)
				assert.Equal(t, Metadata{Version: "v1.29.3-eks-adc7111", Distribution: "eks", Accuracy: 90}, s.Metadata)
			},
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
			},
			checkFunc: func(t *testing.T, res Result) {
				a, ok := res.(AuthError)
				require.True(t, ok, "got %#v", res)
				assert.Equal(t, http.StatusUnauthorized, a.StatusCode)
			},
		},
		{
			name: "credential fetch failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `getting credentials: exec: executable aws failed with exit code 255`, http.StatusBadGateway)
			},
			checkFunc: func(t *testing.T, res Result) {
				a, ok := res.(AuthError)
				require.True(t, ok, "got %#v", res)
				assert.Equal(t, 0, a.StatusCode)
				assert.Contains(t, a.Error(), "credential fetch failed")
				var terr *TransportError
				require.ErrorAs(t, a, &terr)
				assert.True(t, terr.Failed)
				assert.False(t, terr.TimedOut)
			},
		},
		{
			name: "expired oidc refresh token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `failed to refresh token: oauth2: "invalid_grant"`, http.StatusInternalServerError)
			},
			checkFunc: func(t *testing.T, res Result) {
				a, ok := res.(AuthError)
				require.True(t, ok, "got %#v", res)
				assert.Equal(t, 0, a.StatusCode)
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			checkFunc: func(t *testing.T, res Result) {
				te, ok := res.(TransientError)
				require.True(t, ok, "got %#v", res)
				assert.Equal(t, KindServer, te.Kind)
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timeout: 100 * time.Millisecond,
			checkFunc: func(t *testing.T, res Result) {
				te, ok := res.(TransientError)
				require.True(t, ok, "got %#v", res)
				assert.Equal(t, KindTimeout, te.Kind)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewTLSServer(tt.handler)
			defer srv.Close()

			d := NewVersionDetector(tt.timeout)
			res := d.Detect(context.Background(), staticTargets{target: targetFor(t, srv, "/abc")})
			tt.checkFunc(t, res)
		})
	}
}

func TestVersionDetector_TargetFailures(t *testing.T) {
	d := NewVersionDetector(time.Second)

	res := d.Detect(context.Background(), staticTargets{err: suspend.ErrSystemSuspended})
	te, ok := res.(TransientError)
	require.True(t, ok)
	assert.Equal(t, KindSuspended, te.Kind)

	res = d.Detect(context.Background(), staticTargets{err: errors.New("failed to start auth proxy")})
	te, ok = res.(TransientError)
	require.True(t, ok)
	assert.Equal(t, KindUnavailable, te.Kind)
}

func TestDetectDistribution(t *testing.T) {
	tests := []struct {
		gitVersion   string
		distribution string
		accuracy     int
	}{
		{"v1.29.3-eks-adc7111", "eks", 90},
		{"v1.28.5-gke.1217000", "gke", 90},
		{"v1.27.4+k3s1", "k3s", 90},
		{"v1.27.4+rke2r1", "rke2", 90},
		{"v1.28.4+k0s", "k0s", 90},
		{"v1.24.9+vmware.1", "tanzu", 90},
		{"v1.27.8-mirantis-1", "mirantis", 90},
		{"v1.26.3-aliyun.1", "aliyun", 90},
		{"v1.30.0", "vanilla", 10},
		{"v1.30.0-rc.1", "unknown", 0},
		{"", "unknown", 0},
	}

	for _, tt := range tests {
		t.Run(tt.gitVersion, func(t *testing.T) {
			dist, accuracy := DetectDistribution(tt.gitVersion)
			assert.Equal(t, tt.distribution, dist)
			assert.Equal(t, tt.accuracy, accuracy)
		})
	}
}
