package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Pipeline is the top-level pipeline file: which driver consumes what,
// and where the broker config lives.
type Pipeline struct {
	SchemaVersion string `yaml:"schema_version"`

	Source struct {
		Driver string   `yaml:"driver"` // "sarama-group", "sarama-static"
		Topics []string `yaml:"topics"`
		Config string   `yaml:"config"` // path to the broker/commit YAML
	} `yaml:"source"`

	Sink struct {
		Kind string `yaml:"kind"` // "stdout"
	} `yaml:"sink"`

	MetricsPort int `yaml:"metrics_port"`
}

// LoadPipeline parses a pipeline YAML, validates schema_version, and
// returns the parsed file and an absolute path to the broker config
// (if set, resolved relative to the pipeline file).
func LoadPipeline(path string) (Pipeline, string, error) {
	var p Pipeline
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, "", err
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, "", err
	}
	if p.SchemaVersion == "" {
		p.SchemaVersion = SupportedSchema
	}
	if p.SchemaVersion != SupportedSchema {
		return p, "", fmt.Errorf("pipeline schema_version %q not supported (want %q)", p.SchemaVersion, SupportedSchema)
	}
	confPath := p.Source.Config
	if confPath != "" && !filepath.IsAbs(confPath) {
		confPath = filepath.Join(filepath.Dir(path), confPath)
	}
	return p, confPath, nil
}
