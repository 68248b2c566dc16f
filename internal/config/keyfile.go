package config

import (
	"fmt"
	"os"
	"regexp"

	"go.yaml.in/yaml/v3"

	proxy "github.com/eugener/palantir/internal"
)

// keyFile is the YAML shape of a bulk credential file:
//
//	keys:
//	  openai:
//	    - sk-live-...
//	  anthropic:
//	    - sk-ant-...
type keyFile struct {
	Keys map[string][]string `yaml:"keys"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// loadKeyFile merges credentials from a YAML file into cfg.Keys. Env vars
// already present for a service are kept; the file appends to them.
func loadKeyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	data = expandEnv(data)

	var kf keyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return fmt.Errorf("parse key file: %w", err)
	}

	for name, secrets := range kf.Keys {
		svc := proxy.Service(name)
		if !svc.Valid() {
			return fmt.Errorf("key file: unknown service %q", name)
		}
		cfg.Keys[svc] = append(cfg.Keys[svc], secrets...)
	}
	return nil
}
