// Package catalog loads the static category catalog.
//
// The catalog is descriptive data: which categories exist, in which order the
// rotation visits them, and free-form hints the external pipeline may use.
//
//	[[category]]
//	name = "space"
//	label = "Space & Astronomy"
//	hints = ["nebula", "orbital mechanics"]
//
//	[[category]]
//	name = "ocean"
//	enabled = false
package catalog

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/teranos/meridian/errors"
)

// Category describes one rotating category
type Category struct {
	Name    string   `toml:"name" json:"name"`
	Label   string   `toml:"label" json:"label,omitempty"`
	Hints   []string `toml:"hints" json:"hints,omitempty"`
	Enabled *bool    `toml:"enabled" json:"enabled,omitempty"` // nil means enabled
}

// IsEnabled reports whether the category takes part in rotation
func (c Category) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Catalog is the ordered list of categories
type Catalog struct {
	Categories []Category `toml:"category" json:"categories"`
}

// Load reads a catalog file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read catalog %s", path)
	}
	return Parse(string(data))
}

// Parse decodes a catalog document and checks names are present and unique
func Parse(doc string) (*Catalog, error) {
	var c Catalog
	md, err := toml.Decode(doc, &c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse catalog")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Newf("unknown catalog keys: %s", strings.Join(keys, ", "))
	}

	seen := make(map[string]bool, len(c.Categories))
	for i, cat := range c.Categories {
		name := strings.TrimSpace(cat.Name)
		if name == "" {
			return nil, errors.Newf("catalog category #%d has no name", i+1)
		}
		if seen[name] {
			return nil, errors.Newf("catalog category %q listed twice", name)
		}
		seen[name] = true
		c.Categories[i].Name = name
	}
	return &c, nil
}

// FromNames builds a catalog from a plain list of names
func FromNames(names []string) *Catalog {
	c := &Catalog{}
	for _, n := range names {
		c.Categories = append(c.Categories, Category{Name: n})
	}
	return c
}

// Names returns the enabled categories in rotation order
func (c *Catalog) Names() []string {
	var names []string
	for _, cat := range c.Categories {
		if cat.IsEnabled() {
			names = append(names, cat.Name)
		}
	}
	return names
}

// Lookup returns a category by name
func (c *Catalog) Lookup(name string) (Category, bool) {
	for _, cat := range c.Categories {
		if cat.Name == name {
			return cat, true
		}
	}
	return Category{}, false
}

// Resolve picks the catalog file when one is configured, otherwise the inline names
func Resolve(path string, names []string) (*Catalog, error) {
	if path != "" {
		return Load(path)
	}
	if len(names) == 0 {
		return nil, errors.ErrNoCategories
	}
	return FromNames(names), nil
}
