package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/tools/clientcmd"

	"clusterproxy/pkg/logging"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/clusterproxy"
	projectConfigDir = ".clusterproxy"
	configFileName   = "config.yaml"
)

// LoadConfig layers the user file, the saved clusters and the project file
// over the defaults. An explicit path replaces all three layers.
func LoadConfig(explicitPath string) (Config, error) {
	config := GetDefaultConfig()

	if explicitPath != "" {
		fileConfig, err := loadConfigFromFile(explicitPath)
		if err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", explicitPath, err)
		}
		return finish(mergeConfigs(config, fileConfig))
	}

	userConfigPath, err := getUserConfigPath()
	if err != nil {
		// Logging is not initialized yet.
		fmt.Fprintf(os.Stderr, "Warning: Could not determine user config path: %v\n", err)
	} else if _, err := os.Stat(userConfigPath); !os.IsNotExist(err) {
		userConfig, err := loadConfigFromFile(userConfigPath)
		if err != nil {
			return Config{}, fmt.Errorf("error loading user config from %s: %w", userConfigPath, err)
		}
		config = mergeConfigs(config, userConfig)
	}

	if clustersPath, err := ClustersFilePath(); err == nil {
		saved, err := LoadClusters(clustersPath)
		if err != nil {
			return Config{}, fmt.Errorf("error loading saved clusters: %w", err)
		}
		config = mergeConfigs(config, Config{Clusters: saved})
	}

	projectConfigPath, err := getProjectConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not determine project config path: %v\n", err)
	} else if _, err := os.Stat(projectConfigPath); !os.IsNotExist(err) {
		projectConfig, err := loadConfigFromFile(projectConfigPath)
		if err != nil {
			return Config{}, fmt.Errorf("error loading project config from %s: %w", projectConfigPath, err)
		}
		config = mergeConfigs(config, projectConfig)
	}

	return finish(config)
}

func finish(config Config) (Config, error) {
	for i := range config.Clusters {
		c := &config.Clusters[i]
		if c.Kubeconfig == "" {
			c.Kubeconfig = clientcmd.RecommendedHomeFile
		}
		c.Kubeconfig = expandHome(c.Kubeconfig)
	}
	config.Proxy.CertDir = expandHome(config.Proxy.CertDir)
	config.Proxy.KubeconfigDir = expandHome(config.Proxy.KubeconfigDir)

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

func loadConfigFromFile(filePath string) (Config, error) {
	var config Config
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, err
	}
	return config, nil
}

// mergeConfigs merges 'overlay' into 'base'. Clusters are matched by id;
// an overlay definition replaces the base one in place, new ids are appended.
func mergeConfigs(base, overlay Config) Config {
	merged := base

	if overlay.Proxy.ListenAddress != "" {
		merged.Proxy.ListenAddress = overlay.Proxy.ListenAddress
	}
	if overlay.Proxy.Port != 0 {
		merged.Proxy.Port = overlay.Proxy.Port
	}
	if overlay.Proxy.AdminAddress != "" {
		merged.Proxy.AdminAddress = overlay.Proxy.AdminAddress
	}
	if overlay.Proxy.AdminToken != "" {
		merged.Proxy.AdminToken = overlay.Proxy.AdminToken
	}
	if overlay.Proxy.CertDir != "" {
		merged.Proxy.CertDir = overlay.Proxy.CertDir
	}
	if overlay.Proxy.KubeconfigDir != "" {
		merged.Proxy.KubeconfigDir = overlay.Proxy.KubeconfigDir
	}

	if overlay.AuthProxy.BinaryPath != "" {
		merged.AuthProxy.BinaryPath = overlay.AuthProxy.BinaryPath
	}
	if overlay.AuthProxy.StartTimeout != 0 {
		merged.AuthProxy.StartTimeout = overlay.AuthProxy.StartTimeout
	}
	if len(overlay.AuthProxy.ExtraEnv) > 0 {
		env := make(map[string]string, len(merged.AuthProxy.ExtraEnv)+len(overlay.AuthProxy.ExtraEnv))
		for k, v := range merged.AuthProxy.ExtraEnv {
			env[k] = v
		}
		for k, v := range overlay.AuthProxy.ExtraEnv {
			env[k] = v
		}
		merged.AuthProxy.ExtraEnv = env
	}

	if overlay.Connection.DetectTimeout != 0 {
		merged.Connection.DetectTimeout = overlay.Connection.DetectTimeout
	}

	if len(overlay.Shell.Command) > 0 {
		merged.Shell.Command = overlay.Shell.Command
	}
	if overlay.Shell.TokenTTL != 0 {
		merged.Shell.TokenTTL = overlay.Shell.TokenTTL
	}
	if overlay.Shell.Disabled {
		merged.Shell.Disabled = true
	}

	if overlay.Log.Level != "" {
		merged.Log.Level = overlay.Log.Level
	}
	if overlay.Log.Format != "" {
		merged.Log.Format = overlay.Log.Format
	}

	merged.Clusters = append([]ClusterDefinition{}, base.Clusters...)
	index := make(map[string]int, len(merged.Clusters))
	for i, c := range merged.Clusters {
		index[c.ID] = i
	}
	for _, c := range overlay.Clusters {
		if i, ok := index[c.ID]; ok {
			merged.Clusters[i] = c
			continue
		}
		index[c.ID] = len(merged.Clusters)
		merged.Clusters = append(merged.Clusters, c)
	}

	return merged
}

// Validate reports every problem in the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		errs = append(errs, fmt.Errorf("proxy.port %d is out of range", c.Proxy.Port))
	}
	if c.AuthProxy.BinaryPath == "" {
		errs = append(errs, errors.New("authProxy.binaryPath is required"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch logging.Format(c.Log.Format) {
	case logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	seen := make(map[string]bool, len(c.Clusters))
	for i, cl := range c.Clusters {
		if msgs := validation.IsDNS1123Label(cl.ID); len(msgs) > 0 {
			errs = append(errs, fmt.Errorf("clusters[%d]: invalid id %q: %s", i, cl.ID, strings.Join(msgs, "; ")))
			continue
		}
		if seen[cl.ID] {
			errs = append(errs, fmt.Errorf("clusters[%d]: duplicate id %q", i, cl.ID))
		}
		seen[cl.ID] = true
	}
	return errors.Join(errs...)
}

// GetUserConfigDir returns the user configuration directory path
func GetUserConfigDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := osUserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}
