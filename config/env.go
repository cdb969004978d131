package config

import (
	"os"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// EnvConfig is the environment-variable shape consumed by FromEnv. Only
// FromEnv reads it — library code never reads the environment on its
// own.
type EnvConfig struct {
	ProjectURL string `env:"SUPABASE_URL,required"`
	AnonKey    string `env:"SUPABASE_ANON_KEY,required"`
	Schema     string `env:"SUPABASE_SCHEMA"`
}

// FromEnv loads a .env file (if present) then decodes SUPABASE_* env vars
// into a Config via Builder. Missing .env files are not an error.
func FromEnv(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if _, err := os.Stat(dotenvPath); err == nil {
			if err := godotenv.Load(dotenvPath); err != nil {
				return nil, err
			}
		}
	}

	var ec EnvConfig
	if err := envdecode.StrictDecode(&ec); err != nil {
		return nil, err
	}

	b := NewBuilder(ec.ProjectURL, ec.AnonKey)
	if ec.Schema != "" {
		b.Schema(ec.Schema)
	}
	return b.Build()
}
