package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"waveline/internal/domain"
)

// YAMLProvider loads the registry from a flat YAML file.
type YAMLProvider struct {
	Path string
}

type registryFile struct {
	Tasks []domain.TaskDefinition `yaml:"tasks"`
}

func (p *YAMLProvider) Load(ctx context.Context) ([]domain.TaskDefinition, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", p.Path, err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid registry yaml %s: %w", p.Path, err)
	}
	if err := Validate(file.Tasks); err != nil {
		return nil, err
	}
	return file.Tasks, nil
}
