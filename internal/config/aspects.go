package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Sternrassler/catalog-harvester/pkg/model"
	"gopkg.in/yaml.v3"
)

// AspectsFile is the YAML document describing upstream endpoints.
type AspectsFile struct {
	Catalog *model.CatalogSpec `yaml:"catalog"`
	Aspects []model.AspectSpec `yaml:"aspects"`
}

// LoadAspectsFile reads and validates an aspects file.
func LoadAspectsFile(path string) (*AspectsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read aspects file: %w", err)
	}
	return ParseAspects(data)
}

// ParseAspects decodes an aspects document. Unknown keys are rejected.
// A missing kind defaults to json.
func ParseAspects(data []byte) (*AspectsFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file AspectsFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("aspects file is empty")
		}
		return nil, fmt.Errorf("parse aspects file: %w", err)
	}

	if len(file.Aspects) == 0 {
		return nil, errors.New("aspects file defines no aspects")
	}
	seen := make(map[model.Aspect]bool, len(file.Aspects))
	for i := range file.Aspects {
		if file.Aspects[i].Kind == "" {
			file.Aspects[i].Kind = model.KindJSON
		}
		if err := file.Aspects[i].Validate(); err != nil {
			return nil, err
		}
		if seen[file.Aspects[i].Name] {
			return nil, fmt.Errorf("aspect %s defined twice", file.Aspects[i].Name)
		}
		seen[file.Aspects[i].Name] = true
	}
	if file.Catalog != nil {
		if err := file.Catalog.Validate(); err != nil {
			return nil, err
		}
		c := file.Catalog.WithDefaults()
		file.Catalog = &c
	}
	return &file, nil
}

// Select returns the named aspects in the given order.
func (f *AspectsFile) Select(names []model.Aspect) ([]model.AspectSpec, error) {
	byName := make(map[model.Aspect]model.AspectSpec, len(f.Aspects))
	for _, a := range f.Aspects {
		byName[a.Name] = a
	}
	out := make([]model.AspectSpec, 0, len(names))
	for _, name := range names {
		spec, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("tracked aspect %s is not defined in the aspects file", name)
		}
		out = append(out, spec)
	}
	return out, nil
}
