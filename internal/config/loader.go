package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadOption adjusts how a config file is read.
type LoadOption func(*loader)

type loader struct {
	lookupEnv func(string) (string, bool)
	token     string
}

// WithLookupEnv resolves ${VAR} references through lookup instead of the
// process environment.
func WithLookupEnv(lookup func(string) (string, bool)) LoadOption {
	return func(l *loader) {
		l.lookupEnv = lookup
	}
}

// WithToken replaces realtime.token once the file is decoded. An empty
// token keeps whatever the file says.
func WithToken(token string) LoadOption {
	return func(l *loader) {
		l.token = token
	}
}

// Load reads a YAML config file. ${VAR} references are expanded inside
// scalar values only, so a substituted value can never change the document
// structure. $$ yields a literal $.
func Load(path string, opts ...LoadOption) (*Config, error) {
	l := loader{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(&l)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	var cfg Config
	if doc.Kind != 0 {
		l.expand(&doc)
		if err := doc.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	if l.token != "" {
		cfg.Realtime.Token = l.token
	}
	return &cfg, nil
}

// expand rewrites every scalar in the tree. Plain scalars lose their
// parse-time tag so "${N}" can still decode into an int field.
func (l *loader) expand(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && strings.Contains(n.Value, "$") {
		n.Value = os.Expand(n.Value, l.mapping)
		if n.Style&(yaml.TaggedStyle|yaml.SingleQuotedStyle|yaml.DoubleQuotedStyle|yaml.LiteralStyle|yaml.FoldedStyle) == 0 {
			n.Tag = ""
		}
	}
	for _, child := range n.Content {
		l.expand(child)
	}
}

func (l *loader) mapping(name string) string {
	if name == "$" {
		return "$"
	}
	v, _ := l.lookupEnv(name)
	return v
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string, opts ...LoadOption) (*Config, error) {
	cfg, err := Load(path, opts...)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string, opts ...LoadOption) (*Config, error) {
	cfg, err := LoadWithDefaults(path, opts...)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
