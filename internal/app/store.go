package app

import (
	"fmt"
	"sync"

	"clusterproxy/internal/cluster"
	"clusterproxy/internal/config"
	"clusterproxy/pkg/logging"
)

// ClusterStore wraps the cluster registry and persists clusters registered
// at runtime, so they come back on the next start. Clusters that only exist
// in a config file are never written.
type ClusterStore struct {
	*cluster.Manager

	path string
	mu   sync.Mutex
	defs []config.ClusterDefinition
}

// NewClusterStore loads the clusters file at path.
func NewClusterStore(m *cluster.Manager, path string) (*ClusterStore, error) {
	defs, err := config.LoadClusters(path)
	if err != nil {
		return nil, err
	}
	return &ClusterStore{Manager: m, path: path, defs: defs}, nil
}

// Add registers a cluster and saves it.
func (s *ClusterStore) Add(def cluster.Definition) (*cluster.Entry, error) {
	e, err := s.Manager.Add(def)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := FromDefinition(def)
	found := false
	for i, d := range s.defs {
		if d.ID == def.ID {
			s.defs[i] = saved
			found = true
			break
		}
	}
	if !found {
		s.defs = append(s.defs, saved)
	}
	if err := s.saveLocked(); err != nil {
		logging.Error("ClusterStore", err, "Failed to persist cluster %s", def.ID)
	}
	return e, nil
}

// Remove unregisters a cluster and forgets it on disk.
func (s *ClusterStore) Remove(id string) error {
	if err := s.Manager.Remove(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	defs := s.defs[:0]
	found := false
	for _, d := range s.defs {
		if d.ID == id {
			found = true
			continue
		}
		defs = append(defs, d)
	}
	s.defs = defs
	if !found {
		logging.Debug("ClusterStore", "Cluster %s is defined in a config file and will return on restart", id)
		return nil
	}
	if err := s.saveLocked(); err != nil {
		logging.Error("ClusterStore", err, "Failed to persist removal of cluster %s", id)
	}
	return nil
}

// Saved returns the persisted definitions.
func (s *ClusterStore) Saved() []config.ClusterDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]config.ClusterDefinition{}, s.defs...)
}

func (s *ClusterStore) saveLocked() error {
	if err := config.SaveClusters(s.path, s.defs); err != nil {
		return fmt.Errorf("failed to save %s: %w", s.path, err)
	}
	return nil
}
