package authproxy

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"k8s.io/client-go/rest"
)

const (
	// DefaultRequestTimeout bounds ordinary API requests through a target.
	DefaultRequestTimeout = 30 * time.Second
	// LongRunningRequestTimeout bounds watches, log follows and upgraded streams.
	LongRunningRequestTimeout = 4 * time.Hour
)

// RouteTarget is everything needed to send a request to a cluster through
// its auth proxy.
type RouteTarget struct {
	Protocol   string
	Host       string
	Port       int
	PathPrefix string
	// CA is the PEM bundle that verifies the auth proxy's serving certificate.
	CA      []byte
	Timeout time.Duration
}

// URL returns the base URL of the target, including the path prefix.
func (t RouteTarget) URL() *url.URL {
	return &url.URL{
		Scheme: t.Protocol,
		Host:   net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
		Path:   t.PathPrefix,
	}
}

// RESTConfig returns a client-go config that talks to the cluster through
// the target. Credentials are attached by the auth proxy, so none are set.
func (t RouteTarget) RESTConfig() *rest.Config {
	return &rest.Config{
		Host: t.URL().String(),
		TLSClientConfig: rest.TLSClientConfig{
			CAData: t.CA,
		},
		Timeout: t.Timeout,
	}
}
