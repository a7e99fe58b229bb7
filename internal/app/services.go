package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"k8s.io/utils/clock"

	"clusterproxy/internal/admin"
	"clusterproxy/internal/authproxy"
	"clusterproxy/internal/broadcast"
	"clusterproxy/internal/certs"
	"clusterproxy/internal/cluster"
	"clusterproxy/internal/config"
	"clusterproxy/internal/detect"
	"clusterproxy/internal/portforward"
	"clusterproxy/internal/router"
	"clusterproxy/internal/suspend"
	"clusterproxy/pkg/logging"
)

const powerEventBuffer = 16

// Services holds every long-lived component of a running proxy.
type Services struct {
	Settings   config.Config
	Certs      certs.Bundle
	Gate       *suspend.Gate
	Power      *suspend.ChannelSource
	Bus        *broadcast.Bus
	Clusters   *cluster.Manager
	Store      *ClusterStore
	Forwards   *portforward.Manager
	Tokens     *router.TokenStore
	Router     *router.Router
	Admin      *admin.Server
	AdminToken string
}

// overrides lets tests replace collaborators that touch the OS.
type overrides struct {
	supervisor   authproxy.Supervisor
	detector     detect.Detector
	clustersPath string
}

// InitializeServices builds all services from the loaded settings.
func InitializeServices(settings config.Config, version string) (*Services, error) {
	return initializeServices(settings, version, overrides{})
}

func initializeServices(settings config.Config, version string, o overrides) (*Services, error) {
	bundle, err := certs.LoadOrCreate(settings.Proxy.CertDir, time.Now())
	if err != nil {
		return nil, err
	}

	s := &Services{
		Settings: settings,
		Certs:    bundle,
		Gate:     suspend.NewGate(),
		Power:    suspend.NewChannelSource(powerEventBuffer),
		Bus:      broadcast.NewBus(),
		Forwards: portforward.NewManager(),
		Tokens:   router.NewTokenStore(clock.RealClock{}, settings.Shell.TokenTTL),
	}
	if err := s.Gate.Init(s.Power); err != nil {
		return nil, err
	}

	if o.supervisor == nil {
		o.supervisor = authproxy.NewExecSupervisor()
	}
	if o.detector == nil {
		o.detector = detect.NewVersionDetector(settings.Connection.DetectTimeout)
	}
	s.Clusters = cluster.NewManager(cluster.ManagerOptions{
		Clock:       clock.RealClock{},
		Gate:        s.Gate,
		Supervisor:  o.supervisor,
		Detector:    o.detector,
		Broadcaster: s.Bus,
		AuthProxy: cluster.AuthProxyOptions{
			BinaryPath:   settings.AuthProxy.BinaryPath,
			StartTimeout: settings.AuthProxy.StartTimeout,
			ExtraEnv:     settings.AuthProxy.ExtraEnv,
			CertPEM:      bundle.CertPEM,
			KeyPEM:       bundle.KeyPEM,
		},
		DetectTimeout: settings.Connection.DetectTimeout,
	})
	s.Clusters.OnRemove(func(id string) {
		s.Forwards.StopCluster(id)
		path := filepath.Join(settings.Proxy.KubeconfigDir, id+".kubeconfig")
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Warn("Bootstrap", "Failed to remove %s: %v", path, err)
		}
	})

	for _, def := range settings.Clusters {
		if _, err := s.Clusters.Add(ToDefinition(def)); err != nil {
			s.Gate.Dispose()
			return nil, fmt.Errorf("failed to register cluster %s: %w", def.ID, err)
		}
	}

	if o.clustersPath == "" {
		o.clustersPath, err = config.ClustersFilePath()
		if err != nil {
			s.Gate.Dispose()
			return nil, err
		}
	}
	s.Store, err = NewClusterStore(s.Clusters, o.clustersPath)
	if err != nil {
		s.Gate.Dispose()
		return nil, err
	}

	var shells router.ShellSpawner
	if !settings.Shell.Disabled {
		shells = &router.ExecShellSpawner{Command: settings.Shell.Command}
	}
	s.Router = router.New(router.Options{
		Clusters:      s.Clusters,
		Gate:          s.Gate,
		Tokens:        s.Tokens,
		Shells:        shells,
		Forwards:      s.Forwards,
		ProxyPort:     settings.Proxy.Port,
		KubeconfigDir: settings.Proxy.KubeconfigDir,
		CAPEM:         bundle.CertPEM,
	})

	s.AdminToken = settings.Proxy.AdminToken
	if s.AdminToken == "" {
		path, err := config.AdminTokenPath()
		if err == nil {
			s.AdminToken, err = config.EnsureAdminToken(path)
		}
		if err != nil {
			s.Gate.Dispose()
			return nil, fmt.Errorf("failed to prepare admin token: %w", err)
		}
	}
	s.Admin = admin.New(admin.Options{
		Clusters:  s.Store,
		Gate:      s.Gate,
		Bus:       s.Bus,
		Tokens:    s.Tokens,
		Forwards:  s.Forwards,
		Power:     s.Power.Deliver,
		AuthToken: s.AdminToken,
		Version:   version,
	})

	s.Gate.OnChange(func(suspended bool) {
		if suspended {
			s.Bus.Broadcast(broadcast.Notification("", broadcast.LevelInfo, "Cluster access paused while the system is suspended"))
			return
		}
		// Pooled connections did not survive the sleep.
		s.Router.CloseIdleConnections()
		s.Bus.Broadcast(broadcast.Notification("", broadcast.LevelInfo, "Cluster access resumed"))
	})

	return s, nil
}

// ToDefinition converts a configured cluster into a registry definition.
func ToDefinition(d config.ClusterDefinition) cluster.Definition {
	return cluster.Definition{
		ID:         d.ID,
		Name:       d.Name,
		Kubeconfig: d.Kubeconfig,
		Context:    d.Context,
		HTTPSProxy: d.HTTPSProxy,
		Enabled:    d.Enabled,
	}
}

// FromDefinition is the inverse of ToDefinition.
func FromDefinition(d cluster.Definition) config.ClusterDefinition {
	return config.ClusterDefinition{
		ID:         d.ID,
		Name:       d.Name,
		Kubeconfig: d.Kubeconfig,
		Context:    d.Context,
		HTTPSProxy: d.HTTPSProxy,
		Enabled:    d.Enabled,
	}
}
