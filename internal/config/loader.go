package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// format is the on-disk/wire encoding of a configuration document.
type format string

const (
	formatYAML format = "yaml"
	formatJSON format = "json"
)

// Load reads a YAML (.yaml/.yml) or JSON (.json) file from path, decodes it
// into a Config, applies defaults, and validates it. This is the only
// place in the module that touches the filesystem on behalf of the engine.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	f, err := detectFormat(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	return decode(data, f)
}

// NewFromBytes decodes an in-memory document of the given format, useful
// for tests and for ConfigMap-style delivery where no file path exists.
func NewFromBytes(data []byte, f string) (*Config, error) {
	switch format(f) {
	case formatYAML, formatJSON:
		return decode(data, format(f))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
}

func decode(data []byte, f format) (*Config, error) {
	k := koanf.New(".")

	var parser koanf.Parser
	switch f {
	case formatYAML:
		parser = yaml.Parser()
	case formatJSON:
		parser = json.Parser()
	default:
		return nil, ErrUnsupportedFormat
	}

	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), parser); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnmarshalFailed, err)
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func detectFormat(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".json":
		return formatJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown extension %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}
