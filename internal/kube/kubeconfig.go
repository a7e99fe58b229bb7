package kube

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"
)

// ProxyPathPrefix is the path under which a cluster host serves the
// Kubernetes API.
const ProxyPathPrefix = "/api-kube"

// Context is one context found in a kubeconfig.
type Context struct {
	Name      string
	Cluster   string
	Server    string
	Namespace string
	Current   bool
}

// ListContexts returns the contexts of the kubeconfig at path, sorted by name.
// An empty path uses the default loading rules ($KUBECONFIG, ~/.kube/config).
func ListContexts(path string) ([]Context, error) {
	var (
		cfg *api.Config
		err error
	)
	if path == "" {
		cfg, err = clientcmd.NewDefaultPathOptions().GetStartingConfig()
	} else {
		cfg, err = clientcmd.LoadFromFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig %q: %w", path, err)
	}

	out := make([]Context, 0, len(cfg.Contexts))
	for name, kctx := range cfg.Contexts {
		c := Context{
			Name:      name,
			Cluster:   kctx.Cluster,
			Namespace: kctx.Namespace,
			Current:   name == cfg.CurrentContext,
		}
		if cl, ok := cfg.Clusters[kctx.Cluster]; ok {
			c.Server = cl.Server
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var invalidIDChars = regexp.MustCompile(`[^a-z0-9-]+`)

// SanitizeID turns a context name into a valid cluster id: a lowercase DNS
// label of at most 63 characters.
func SanitizeID(name string) string {
	id := invalidIDChars.ReplaceAllString(strings.ToLower(name), "-")
	id = strings.Trim(id, "-")
	if len(id) > 63 {
		id = strings.TrimRight(id[:63], "-")
	}
	if id == "" {
		id = "cluster"
	}
	return id
}

// ProxyServer returns the URL a cluster is reachable at through the proxy.
func ProxyServer(clusterID string, port int) string {
	return fmt.Sprintf("https://%s.localhost:%d%s", clusterID, port, ProxyPathPrefix)
}

// WriteProxyKubeconfig writes dir/<clusterID>.kubeconfig pointing at the
// local proxy and returns its path. caPEM verifies the proxy's certificate.
func WriteProxyKubeconfig(dir, clusterID string, port int, caPEM []byte, namespace string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create kubeconfig directory %s: %w", dir, err)
	}

	cfg := api.NewConfig()
	cfg.Clusters[clusterID] = &api.Cluster{
		Server:                   ProxyServer(clusterID, port),
		CertificateAuthorityData: caPEM,
	}
	cfg.AuthInfos["proxy"] = &api.AuthInfo{}
	cfg.Contexts[clusterID] = &api.Context{
		Cluster:   clusterID,
		AuthInfo:  "proxy",
		Namespace: namespace,
	}
	cfg.CurrentContext = clusterID

	path := filepath.Join(dir, clusterID+".kubeconfig")
	if err := clientcmd.WriteToFile(*cfg, path); err != nil {
		return "", fmt.Errorf("failed to write kubeconfig to '%s': %w", path, err)
	}
	return path, nil
}
