// Package kube holds the client-go plumbing the proxy needs outside of the
// auth proxy itself.
//
// # Kubeconfig handling
//
// ListContexts reads a kubeconfig and turns each context into something the
// cluster registry can import. WriteProxyKubeconfig writes the small
// kubeconfig handed to shell sessions: it points at
// https://<clusterID>.localhost:<port>/api-kube so that kubectl and friends
// go through the local proxy, and therefore through the cluster's auth
// proxy, instead of talking to the API server directly.
//
// # Clients through the proxy
//
// NewClientset builds a clientset from an auth-proxy route target. ResolvePod
// picks the pod behind a port-forward request, resolving a service to one
// of its ready backing pods.
package kube
