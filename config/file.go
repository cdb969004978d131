package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jsupabase/jsupabase-sub001/errs"
)

// fileConfig mirrors EnvConfig's shape for YAML-sourced configuration.
type fileConfig struct {
	ProjectURL string `yaml:"project_url"`
	AnonKey    string `yaml:"anon_key"`
	Schema     string `yaml:"schema"`
}

// FromYAMLFile builds a Config from a YAML file shaped like:
//
//	project_url: https://xyzcompany.supabase.co
//	anon_key: ...
//	schema: public
//
// This is an alternative to FromEnv for embedders that keep connection
// settings in a checked-in config file rather than the environment.
func FromYAMLFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigError{Reason: "reading " + path + ": " + err.Error()}
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, &errs.ConfigError{Reason: "parsing " + path + ": " + err.Error()}
	}

	b := NewBuilder(fc.ProjectURL, fc.AnonKey)
	if fc.Schema != "" {
		b.Schema(fc.Schema)
	}
	return b.Build()
}
