package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk policy set
type FileConfig struct {
	Policies []PolicyEntry `yaml:"policies"`
}

// PolicyEntry configures one policy of the set. Enabled defaults to true.
type PolicyEntry struct {
	Name    string                 `yaml:"name"`
	Enabled *bool                  `yaml:"enabled,omitempty"`
	Config  map[string]interface{} `yaml:"config,omitempty"`
}

// IsEnabled resolves the enabled flag
func (p PolicyEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// LoadFile reads and parses a policy set from path
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy config %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses a YAML policy set
func ParseConfig(data []byte) (*FileConfig, error) {
	cfg := &FileConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	for i, p := range cfg.Policies {
		if p.Name == "" {
			return nil, fmt.Errorf("policy entry %d has no name", i)
		}
	}
	return cfg, nil
}

// ReferencedFiles returns the string values stored under any of keys in the
// per-policy settings, in policy order. Used to watch auxiliary files such as
// restricted-securities lists.
func (c *FileConfig) ReferencedFiles(keys ...string) []string {
	var files []string
	seen := make(map[string]struct{})
	for _, p := range c.Policies {
		for _, key := range keys {
			v, ok := p.Config[key].(string)
			if !ok || v == "" {
				continue
			}
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			files = append(files, v)
		}
	}
	return files
}

// BuildRegistry instantiates and registers every known policy of cfg in file
// order. Unknown names are skipped and returned as warnings; duplicate names
// and rejected settings are configuration errors.
func BuildRegistry(cfg *FileConfig, factories map[string]Factory, logger *zap.Logger) (*Registry, []string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := NewRegistry(logger)
	if cfg == nil {
		return registry, nil, nil
	}

	var warnings []string
	for _, entry := range cfg.Policies {
		factory, ok := factories[entry.Name]
		if !ok {
			msg := fmt.Sprintf("unknown policy %q in configuration, skipping", entry.Name)
			logger.Warn("unknown policy in configuration",
				zap.String("policy", entry.Name))
			warnings = append(warnings, msg)
			continue
		}

		if err := registry.Register(entry.Name, factory(), Config{
			Enabled:  entry.IsEnabled(),
			Settings: entry.Config,
		}); err != nil {
			return nil, warnings, err
		}
	}

	logger.Info("policy registry built",
		zap.Int("registered", registry.Len()),
		zap.Int("active", len(registry.ActivePolicies())),
		zap.Int("warnings", len(warnings)))

	return registry, warnings, nil
}

// LoadRegistry reads path and builds a registry from it
func LoadRegistry(path string, factories map[string]Factory, logger *zap.Logger) (*Registry, []string, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return BuildRegistry(cfg, factories, logger)
}
