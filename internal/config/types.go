package config

import "time"

// Config is the complete clusterproxy configuration.
type Config struct {
	Proxy      ProxyConfig         `yaml:"proxy"`
	AuthProxy  AuthProxyConfig     `yaml:"authProxy"`
	Connection ConnectionConfig    `yaml:"connection"`
	Shell      ShellConfig         `yaml:"shell"`
	Log        LogConfig           `yaml:"log"`
	Clusters   []ClusterDefinition `yaml:"clusters"`
}

// ProxyConfig configures the HTTPS front door and the admin API.
type ProxyConfig struct {
	// ListenAddress is the interface the HTTPS router binds to.
	ListenAddress string `yaml:"listenAddress"`
	Port          int    `yaml:"port"`
	// AdminAddress is host:port of the loopback admin API.
	AdminAddress string `yaml:"adminAddress"`
	// AdminToken protects the admin API. Empty generates a token at startup
	// and writes it next to the certificate.
	AdminToken string `yaml:"adminToken,omitempty"`
	CertDir    string `yaml:"certDir"`
	// KubeconfigDir holds the proxy kubeconfigs written for shell sessions.
	KubeconfigDir string `yaml:"kubeconfigDir"`
}

// AuthProxyConfig describes how kube-auth-proxy children are launched.
type AuthProxyConfig struct {
	BinaryPath   string            `yaml:"binaryPath"`
	StartTimeout time.Duration     `yaml:"startTimeout"`
	ExtraEnv     map[string]string `yaml:"extraEnv,omitempty"`
}

// ConnectionConfig tunes cluster health refreshes.
type ConnectionConfig struct {
	DetectTimeout time.Duration `yaml:"detectTimeout"`
}

// ShellConfig configures shell sessions opened through the router.
type ShellConfig struct {
	// Command defaults to $SHELL -i.
	Command  []string      `yaml:"command,omitempty"`
	TokenTTL time.Duration `yaml:"tokenTTL"`
	Disabled bool          `yaml:"disabled,omitempty"`
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ClusterDefinition registers one cluster.
type ClusterDefinition struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name,omitempty"`
	Kubeconfig string `yaml:"kubeconfig,omitempty"`
	Context    string `yaml:"context"`
	HTTPSProxy string `yaml:"httpsProxy,omitempty"`
	Enabled    bool   `yaml:"enabled"`
}
