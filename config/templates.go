package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"optionsBot/internal/template"
)

// templateFile is the layout of the templates YAML file.
type templateFile struct {
	Templates []template.Config `yaml:"templates"`
}

// LoadTemplates reads template definitions from a YAML file. Unknown keys are rejected.
func LoadTemplates(path string) ([]template.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file '%s': %w", path, err)
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes template definitions from YAML.
func ParseTemplates(data []byte) ([]template.Config, error) {
	var file templateFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	if len(file.Templates) == 0 {
		return nil, fmt.Errorf("no templates defined")
	}
	return file.Templates, nil
}
