package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix marks environment variables read into the configuration.
	EnvPrefix = "CORTEX_"
	// Delimiter separates nested keys.
	Delimiter = "."
	// EnvDelimiter separates nesting levels in environment variable names.
	EnvDelimiter = "__"
)

// searchPaths are tried in order when no config file is named.
var searchPaths = []string{
	"cortex.yaml",
	"config.yaml",
	"config.yml",
	"config.json",
	"configs/config.yaml",
	"/etc/cortex/config.yaml",
}

// Loader layers configuration sources into one koanf tree. Later layers
// win: defaults, then the file, then CORTEX_ environment variables, then
// explicit overrides.
type Loader struct {
	k *koanf.Koanf
}

// NewLoader returns a Loader with an empty tree.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// Load builds and validates a Config. With an empty configPath the first
// existing file from the search paths is used, if any.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	if err := l.k.Load(confmap.Provider(structToMap(DefaultConfig(), ""), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := configPath
	if path == "" {
		path = firstExisting(searchPaths)
	}
	if path != "" {
		if err := l.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := l.k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %q", ext)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", path)
	}
	if err := l.k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// envKey maps CORTEX_MEMORY__RETENTION__RETENTION_DAYS to
// memory.retention.retention_days.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ToLower(strings.ReplaceAll(s, EnvDelimiter, Delimiter))
}

// Load builds a Config from defaults, configPath, the environment and
// overrides.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}

// structToMap flattens v into dotted mapstructure keys. Nil maps, slices
// and pointers are left out so they do not shadow later layers.
func structToMap(v interface{}, prefix string) map[string]interface{} {
	out := make(map[string]interface{})
	flatten(reflect.ValueOf(v), prefix, out)
	return out
}

func flatten(val reflect.Value, prefix string, out map[string]interface{}) {
	for val.Kind() == reflect.Pointer {
		if val.IsNil() {
			return
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return
	}

	typ := val.Type()
	for i := range val.NumField() {
		field := typ.Field(i)
		name := field.Tag.Get("mapstructure")
		if !field.IsExported() || name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + Delimiter + name
		}

		fv := val.Field(i)
		switch fv.Kind() {
		case reflect.Pointer, reflect.Struct:
			flatten(fv, key, out)
		case reflect.Map:
			if !fv.IsNil() {
				out[key] = fv.Interface()
			}
		case reflect.Slice:
			if fv.IsNil() {
				continue
			}
			items := make([]interface{}, fv.Len())
			for j := range items {
				items[j] = fv.Index(j).Interface()
			}
			out[key] = items
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			out[key] = fv.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			out[key] = fv.Uint()
		case reflect.Float32, reflect.Float64:
			out[key] = fv.Float()
		default:
			out[key] = fv.Interface()
		}
	}
}
