package loom

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServiceConfig is the JSON document a service is constructed from.
// Name is required; everything else passes through to the handler's
// Init via Raw.
type ServiceConfig struct {
	Name     string `json:"name"`
	Handler  string `json:"handler,omitempty"`
	File     string `json:"file,omitempty"`
	Path     string `json:"path,omitempty"`
	CPath    string `json:"cpath,omitempty"`
	Unique   bool   `json:"unique,omitempty"`
	MemLimit int64  `json:"memlimit,omitempty"`
	Threadid uint32 `json:"threadid,omitempty"`

	// Raw is the full config document, for handler-specific fields.
	Raw json.RawMessage `json:"-"`
}

// handlerName resolves the factory to construct: the explicit handler
// field, falling back to the service name.
func (c *ServiceConfig) handlerName() string {
	if c.Handler != "" {
		return c.Handler
	}
	return c.Name
}

// ParseServiceConfig validates a service config document.
func ParseServiceConfig(raw []byte) (*ServiceConfig, error) {
	var cfg ServiceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("service config: %w", err)
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("service config: missing name")
	}
	cfg.Raw = append(json.RawMessage(nil), raw...)
	return &cfg, nil
}

// NodeConfig is the YAML boot file consumed by the daemon: process
// shape, environment seed, and the services to spawn at startup.
type NodeConfig struct {
	Workers   int               `yaml:"workers"`
	LogLevel  string            `yaml:"loglevel"`
	AdminAddr string            `yaml:"admin_addr"`
	Env       map[string]string `yaml:"env"`
	Services  []map[string]any  `yaml:"services"`
}

// LoadNodeConfig reads and validates a YAML node config file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg NodeConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("node config %s: %w", path, err)
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("node config %s: negative workers", path)
	}
	return &cfg, nil
}

// ServiceJSON converts one boot service entry to the JSON document
// Router.NewService consumes.
func (c *NodeConfig) ServiceJSON(i int) ([]byte, error) {
	if i < 0 || i >= len(c.Services) {
		return nil, fmt.Errorf("node config: no service %d", i)
	}
	return json.Marshal(c.Services[i])
}
