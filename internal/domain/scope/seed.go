package scope

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout of a hierarchy import:
//
//	units:
//	  - name: AP-HP
//	    unit_type: AP-HP
//	    children:
//	      - id: "8312002244"
//	        name: HOPITAL BICHAT
//	        quantity: 52000
type SeedFile struct {
	Units []SeedUnit `yaml:"units"`
}

type SeedUnit struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Quantity    int        `yaml:"quantity"`
	AccessLevel string     `yaml:"access_level"`
	UnitType    string     `yaml:"unit_type"`
	Children    []SeedUnit `yaml:"children"`
}

// ParseSeed decodes a seed document. Unknown keys are rejected so typos in
// hand-written files do not silently drop data.
func ParseSeed(r io.Reader) (*SeedFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f SeedFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("seed file is empty")
		}
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	return &f, nil
}

// Flatten returns the units parents first, with ParentID and AncestorIDs
// filled in. Units without an id get a random one.
func (f *SeedFile) Flatten() ([]*Unit, error) {
	var out []*Unit
	seen := make(map[string]string)

	var walk func(su SeedUnit, ancestors []string, path string) error
	walk = func(su SeedUnit, ancestors []string, path string) error {
		name := strings.TrimSpace(su.Name)
		if name == "" {
			return fmt.Errorf("%s: unit name is required", path)
		}
		if su.Quantity < 0 {
			return fmt.Errorf("%s: quantity must not be negative", path)
		}
		id := strings.TrimSpace(su.ID)
		if id == "" {
			id = uuid.NewString()
		}
		if other, dup := seen[id]; dup {
			return fmt.Errorf("%s: id %q already used by %s", path, id, other)
		}
		seen[id] = name

		u := &Unit{
			ID:          id,
			Name:        name,
			Quantity:    su.Quantity,
			AccessLevel: optional(su.AccessLevel),
			UnitType:    optional(su.UnitType),
			AncestorIDs: ancestors,
		}
		if len(ancestors) > 0 {
			parent := ancestors[0]
			u.ParentID = &parent
		}
		out = append(out, u)

		childAncestors := append([]string{id}, ancestors...)
		for i, child := range su.Children {
			if err := walk(child, childAncestors, fmt.Sprintf("%s/%s[%d]", path, name, i)); err != nil {
				return err
			}
		}
		return nil
	}

	for i, root := range f.Units {
		if err := walk(root, []string{}, fmt.Sprintf("units[%d]", i)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
