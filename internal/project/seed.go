package project

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var seedYAML []byte

// Seed is the initial mission and project set written on first start.
type Seed struct {
	Mission  Mission   `yaml:"mission"`
	Projects []Project `yaml:"projects"`
}

// LoadSeed parses a seed document.
func LoadSeed(data []byte) (Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}
	for i := range s.Projects {
		if s.Projects[i].Name == "" {
			return Seed{}, fmt.Errorf("parse seed: project %d has no name", i)
		}
		s.Projects[i].Status = ParseStatus(string(s.Projects[i].Status))
		s.Projects[i].Key = Normalize(s.Projects[i].Name)
	}
	return s, nil
}

// DefaultSeed returns the built-in seed data.
func DefaultSeed() Seed {
	s, err := LoadSeed(seedYAML)
	if err != nil {
		panic(err)
	}
	return s
}
