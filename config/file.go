package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the YAML proxy configuration:
//
//	service: org.anbox.webrtc.IDataProxyService
//	registry: /tmp/oobchan
//	tunnel: admin@bastion:2222
//	channels:
//	  chat:  {echo: true}
//	  web:   {relay: "tcp://127.0.0.1:8080"}
//	  shell: {exec: "cat -n"}
//	default: {echo: true}
type File struct {
	Service  string             `yaml:"service"`
	Registry string             `yaml:"registry"`
	Tunnel   string             `yaml:"tunnel"`
	Channels map[string]Backend `yaml:"channels"`
	Default  *Backend           `yaml:"default"`
}

// LoadFile reads and decodes the file at path.  Unknown keys are
// rejected so typos do not silently disable a backend.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile decodes YAML file contents.
func ParseFile(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config file: %w", err)
	}
	return &f, nil
}

// ApplyTo copies the file's values into cfg.  Settings for which
// explicit(flag) reports true were given on the command line and are
// left alone.  explicit may be nil.
func (f *File) ApplyTo(cfg *Config, explicit func(flag string) bool) {
	set := func(flag string) bool { return explicit == nil || !explicit(flag) }

	if f.Service != "" && set("service") {
		cfg.ServiceName = f.Service
	}
	if f.Registry != "" && set("registry") {
		cfg.RegistryDir = f.Registry
	}
	if f.Tunnel != "" && set("tunnel") {
		cfg.TunnelSpec = f.Tunnel
	}
	if len(f.Channels) > 0 {
		if cfg.Channels == nil {
			cfg.Channels = make(map[string]Backend, len(f.Channels))
		}
		for name, b := range f.Channels {
			cfg.Channels[name] = b
		}
	}
	if f.Default != nil && cfg.Default == nil {
		d := *f.Default
		cfg.Default = &d
	}
}
