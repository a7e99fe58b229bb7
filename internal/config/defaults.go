package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultPort          = 9443
	DefaultAdminAddress  = "127.0.0.1:9444"
	DefaultBinaryPath    = "kube-auth-proxy"
	DefaultStartTimeout  = 15 * time.Second
	DefaultDetectTimeout = 20 * time.Second
	DefaultTokenTTL      = time.Minute
)

// GetDefaultConfig returns the configuration used when no file overrides it.
func GetDefaultConfig() Config {
	base, err := GetUserConfigDir()
	if err != nil {
		base = filepath.Join(os.TempDir(), "clusterproxy")
	}
	return Config{
		Proxy: ProxyConfig{
			ListenAddress: "127.0.0.1",
			Port:          DefaultPort,
			AdminAddress:  DefaultAdminAddress,
			CertDir:       filepath.Join(base, "certs"),
			KubeconfigDir: filepath.Join(base, "kubeconfigs"),
		},
		AuthProxy: AuthProxyConfig{
			BinaryPath:   DefaultBinaryPath,
			StartTimeout: DefaultStartTimeout,
		},
		Connection: ConnectionConfig{
			DetectTimeout: DefaultDetectTimeout,
		},
		Shell: ShellConfig{
			TokenTTL: DefaultTokenTTL,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Clusters: []ClusterDefinition{},
	}
}
