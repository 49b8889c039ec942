package entity

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the YAML import format:
//
//	entities:
//	  - id: acme
//	    display_name: ACME Ltd
//	    credential:
//	      login: "012345678"
//	      secret: ${ACME_SECRET}
//	    params:
//	      year: "2025"
type File struct {
	Entities []*fileEntity `yaml:"entities"`
}

type fileEntity struct {
	Entity `yaml:",inline"`
	Active *bool `yaml:"active"`
}

// LoadFile reads an import file. Credential fields are expanded with
// os.ExpandEnv so secrets can live in the environment or .env.
func LoadFile(path string) ([]*Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("entity: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("entity: parse %s: %w", path, err)
	}
	out := make([]*Entity, 0, len(f.Entities))
	seen := make(map[string]bool)
	for i, fe := range f.Entities {
		if fe == nil || fe.ID == "" {
			return nil, fmt.Errorf("entity: %s: entry %d has no id", path, i)
		}
		if seen[fe.ID] {
			return nil, fmt.Errorf("entity: %s: duplicate id %q", path, fe.ID)
		}
		seen[fe.ID] = true
		e := fe.Entity
		e.Active = fe.Active == nil || *fe.Active
		e.Credential.Login = os.ExpandEnv(e.Credential.Login)
		e.Credential.Secret = os.ExpandEnv(e.Credential.Secret)
		out = append(out, &e)
	}
	return out, nil
}

// Import loads path and upserts every entity. It returns the number imported.
func (s *Store) Import(ctx context.Context, path string) (int, error) {
	list, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	for _, e := range list {
		if err := s.Upsert(ctx, e); err != nil {
			return 0, err
		}
	}
	return len(list), nil
}
