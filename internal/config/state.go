package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	clustersFileName   = "clusters.yaml"
	adminTokenFileName = "admin-token"
)

// clustersFile is the document written by SaveClusters.
type clustersFile struct {
	Clusters []ClusterDefinition `yaml:"clusters"`
}

// ClustersFilePath is where clusters registered at runtime are persisted.
// It is loaded as a layer between the user and the project configuration.
var ClustersFilePath = func() (string, error) {
	dir, err := GetUserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, clustersFileName), nil
}

// LoadClusters reads a clusters file. A missing file yields no clusters.
func LoadClusters(path string) ([]ClusterDefinition, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f clustersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return f.Clusters, nil
}

// SaveClusters atomically replaces the clusters file.
func SaveClusters(path string, clusters []ClusterDefinition) error {
	if clusters == nil {
		clusters = []ClusterDefinition{}
	}
	data, err := yaml.Marshal(clustersFile{Clusters: clusters})
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o600)
}

// AdminTokenPath is where the generated admin API token lives.
var AdminTokenPath = func() (string, error) {
	dir, err := GetUserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, adminTokenFileName), nil
}

// ReadAdminToken returns the token stored at path.
func ReadAdminToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// EnsureAdminToken returns the token stored at path, creating one if the
// file does not exist.
func EnsureAdminToken(path string) (string, error) {
	token, err := ReadAdminToken(path)
	if err == nil && token != "" {
		return token, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	token = uuid.NewString()
	if err := writeFileAtomic(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write admin token: %w", err)
	}
	return token, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
