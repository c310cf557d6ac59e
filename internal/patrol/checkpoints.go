package patrol

import (
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-yaml"
)

// DefaultCheckpoints is the company site used when no checkpoint file is
// configured.
func DefaultCheckpoints() []Checkpoint {
	return []Checkpoint{
		{ID: "cp1", Name: "Main Gate", Lat: 10.762622, Lng: 106.660172},
		{ID: "cp2", Name: "Warehouse A", Lat: 10.762922, Lng: 106.660572},
		{ID: "cp3", Name: "IT Server Room", Lat: 10.762322, Lng: 106.660872},
		{ID: "cp4", Name: "Staff Parking", Lat: 10.762122, Lng: 106.660272},
	}
}

type checkpointFile struct {
	Checkpoints []Checkpoint `yaml:"checkpoints"`
}

// LoadCheckpoints reads a checkpoint set from a YAML file:
//
//	checkpoints:
//	  - id: cp1
//	    name: Main Gate
//	    lat: 10.762622
//	    lng: 106.660172
//
// An empty path returns DefaultCheckpoints.
func LoadCheckpoints(path string) ([]Checkpoint, error) {
	if path == "" {
		return DefaultCheckpoints(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoints file: %w", err)
	}
	return ParseCheckpoints(data)
}

// ParseCheckpoints decodes and validates a YAML checkpoint set.
func ParseCheckpoints(data []byte) ([]Checkpoint, error) {
	var f checkpointFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse checkpoints: %w", err)
	}
	if err := ValidateCheckpoints(f.Checkpoints); err != nil {
		return nil, err
	}
	return f.Checkpoints, nil
}

// ValidateCheckpoints requires a non-empty set with unique ids and finite
// in-range coordinates.
func ValidateCheckpoints(cps []Checkpoint) error {
	if len(cps) == 0 {
		return fmt.Errorf("checkpoint set is empty")
	}
	seen := make(map[string]bool, len(cps))
	for i, c := range cps {
		if c.ID == "" {
			return fmt.Errorf("checkpoint %d: id is required", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("checkpoint %q: duplicate id", c.ID)
		}
		seen[c.ID] = true
		if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
			return fmt.Errorf("checkpoint %q: invalid coordinates (%v, %v)", c.ID, c.Lat, c.Lng)
		}
	}
	return nil
}
