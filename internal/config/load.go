package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Loader reads and re-reads one YAML configuration file through viper,
// grounded on joestump-claude-ops/internal/config's viper-backed Load.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader returns a Loader bound to path. The file is not read until
// Load is called.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	return &Loader{v: v, path: path}
}

// Load reads the configuration file, decodes it strictly (unknown keys
// are a fatal error, per spec.md §6), and validates cross-field
// invariants before returning it.
func (l *Loader) Load() (*RawConfig, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", l.path, err)
	}

	var raw RawConfig
	if err := l.v.UnmarshalExact(&raw); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", l.path, err)
	}

	if err := validate.Struct(&raw); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", l.path, err)
	}

	return &raw, nil
}

// Watch wires fsnotify (via viper's config-file watch) so onChange fires
// with a freshly reloaded and validated RawConfig on every edit of the
// config file. `webserv reload` does not go through Watch: it sends
// SIGHUP, which cmd/webserv answers with a direct Load. onChange receives a
// non-nil error instead of a config on a reload that fails validation;
// callers should keep serving the last-good configuration in that case.
func (l *Loader) Watch(onChange func(*RawConfig, error)) {
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		onChange(l.Load())
	})
	l.v.WatchConfig()
}

// LoadFile is a convenience one-shot load, used by `webserv check`.
func LoadFile(path string) (*RawConfig, error) {
	return NewLoader(path).Load()
}
