package flushz

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the environment variable prefix read by LoadConfig.
const DefaultEnvPrefix = "FLUSHZ_"

type loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

// LoaderOption configures LoadConfig.
type LoaderOption func(*loader)

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *loader) {
		l.envPrefix = prefix
	}
}

// WithConfigFile sets a YAML configuration file to read before the
// environment.
func WithConfigFile(path string) LoaderOption {
	return func(l *loader) {
		l.filePath = path
	}
}

// LoadConfig reads configuration on top of DefaultConfig. Later sources
// override earlier ones:
//  1. DefaultConfig
//  2. YAML file, when WithConfigFile is given
//  3. Environment variables
//
// Nesting in variable names uses a double underscore, so
// FLUSHZ_BATCHING__MAX_QUEUE_SIZE sets batching.max_queue_size. Fields that
// hold code (custom samplers, exporter, transport, propagator) are left to
// the caller. The result is not resolved.
func LoadConfig(opts ...LoaderOption) (Config, error) {
	l := &loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}

	cfg := DefaultConfig()

	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", l.filePath, err)
		}
	}

	// FLUSHZ_EXPORTER__URL -> exporter.url
	transform := func(s string) string {
		s = strings.TrimPrefix(s, l.envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := l.k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	if err := l.k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
