// Package modes holds the interview mode catalog: which persona the agent
// plays, its system instruction, and the prompt that makes it speak first.
package modes

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnknownMode = errors.New("unknown interview mode")

type Mode struct {
	Key               string `yaml:"key" json:"key"`
	Name              string `yaml:"name" json:"name"`
	Description       string `yaml:"description,omitempty" json:"description,omitempty"`
	SystemInstruction string `yaml:"system_instruction" json:"-"`
	OpeningPrompt     string `yaml:"opening_prompt,omitempty" json:"-"`
	Voice             string `yaml:"voice,omitempty" json:"voice,omitempty"`
}

type file struct {
	Modes []Mode `yaml:"modes"`
}

// Catalog is immutable once built.
type Catalog struct {
	byKey map[string]Mode
	keys  []string
}

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Load reads a YAML catalog from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read modes file %q: %w", path, err)
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("modes file %q: %w", path, err)
	}
	return cat, nil
}

// Parse decodes a YAML catalog. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return New(f.Modes)
}

// New validates modes and builds a catalog from them.
func New(list []Mode) (*Catalog, error) {
	if err := Validate(list); err != nil {
		return nil, err
	}
	cat := &Catalog{byKey: make(map[string]Mode, len(list))}
	for _, m := range list {
		m.Key = strings.TrimSpace(m.Key)
		cat.byKey[m.Key] = m
		cat.keys = append(cat.keys, m.Key)
	}
	sort.Strings(cat.keys)
	return cat, nil
}

func Validate(list []Mode) error {
	if len(list) == 0 {
		return errors.New("at least one mode is required")
	}
	seen := make(map[string]struct{}, len(list))
	for i, m := range list {
		key := strings.TrimSpace(m.Key)
		if !keyPattern.MatchString(key) {
			return fmt.Errorf("modes[%d].key %q must match %s", i, m.Key, keyPattern.String())
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("modes[%d].key %q is duplicated", i, key)
		}
		seen[key] = struct{}{}
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("modes[%d].name must not be empty", i)
		}
		if strings.TrimSpace(m.SystemInstruction) == "" {
			return fmt.Errorf("modes[%d].system_instruction must not be empty", i)
		}
	}
	return nil
}

func (c *Catalog) Lookup(key string) (Mode, error) {
	if c != nil {
		if m, ok := c.byKey[strings.TrimSpace(key)]; ok {
			return m, nil
		}
	}
	return Mode{}, fmt.Errorf("%w: %q", ErrUnknownMode, key)
}

// List returns modes sorted by key.
func (c *Catalog) List() []Mode {
	if c == nil {
		return nil
	}
	out := make([]Mode, 0, len(c.keys))
	for _, k := range c.keys {
		out = append(out, c.byKey[k])
	}
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}
