package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// ProjectDir holds the project config next to the run's state files.
	ProjectDir = ".trainloop"
	// FileName is the config file name in every location.
	FileName = "config.yaml"

	userDirName = "trainloop"
)

// ErrConfigNotFound is returned when an explicitly named config file is missing.
var ErrConfigNotFound = errors.New("config file not found")

// Source is one YAML layer of configuration.
type Source struct {
	Path     string
	Required bool
}

// Sources lists the config files LoadConfig merges, lowest precedence
// first: the user file, the project file, then explicit if set. Only an
// explicit file is required to exist.
func Sources(explicit string) []Source {
	var out []Source
	if dir, err := os.UserConfigDir(); err == nil {
		out = append(out, Source{Path: filepath.Join(dir, userDirName, FileName)})
	}
	out = append(out, Source{Path: filepath.Join(ProjectDir, FileName)})
	if explicit != "" {
		out = append(out, Source{Path: explicit, Required: true})
	}
	return out
}

// LoadConfig builds the run configuration. Precedence, lowest first:
// Default(), the files from Sources, then anything already set on v
// (environment and bound flags). The explicit file comes from the
// "config" key.
func LoadConfig(v *viper.Viper) (*Config, error) {
	defaults, err := toSettings(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.MergeConfigMap(defaults); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}

	for _, src := range Sources(v.GetString("config")) {
		if err := mergeFile(v, src); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// mergeFile reads one YAML file into a scratch viper and merges its
// settings, so keys the file omits keep their lower-layer values.
func mergeFile(v *viper.Viper, src Source) error {
	f, err := os.Open(src.Path)
	if errors.Is(err, os.ErrNotExist) {
		if src.Required {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, src.Path)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()

	layer := viper.New()
	layer.SetConfigType("yaml")
	if err := layer.ReadConfig(f); err != nil {
		return fmt.Errorf("parse %s: %w", src.Path, err)
	}
	return v.MergeConfigMap(layer.AllSettings())
}

// toSettings converts cfg into viper's nested settings map, spelling
// durations the way a YAML file would.
func toSettings(cfg *Config) (map[string]any, error) {
	out := make(map[string]any)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: &out,
		DecodeHook: func(from, _ reflect.Type, data any) (any, error) {
			if d, ok := data.(time.Duration); ok && from == reflect.TypeFor[time.Duration]() {
				return d.String(), nil
			}
			return data, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return out, nil
}
