// Package catalog holds the building-type and resource-type definitions
// every processor consults for capacities, tiers and prices.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/serenissima/engine/internal/clock"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// DefaultCarryCapacity applies to citizens without an override.
const DefaultCarryCapacity = 10.0

// BuildingTypeDef describes one building type.
type BuildingTypeDef struct {
	Type              string  `yaml:"-" json:"type"`
	Name              string  `yaml:"name" json:"name"`
	Category          string  `yaml:"category" json:"category"`
	SubCategory       string  `yaml:"subCategory" json:"subCategory,omitempty"`
	StorageCapacity   float64 `yaml:"storageCapacity" json:"storageCapacity"`
	CommercialStorage bool    `yaml:"commercialStorage" json:"commercialStorage"`
	ConsumeTier       int     `yaml:"consumeTier" json:"consumeTier,omitempty"`
	DailyInfluence    float64 `yaml:"dailyInfluence" json:"dailyInfluence,omitempty"`
	WorkSchedule      [][]int `yaml:"workSchedule" json:"workSchedule,omitempty"`
}

// ResourceTypeDef describes one resource type.
type ResourceTypeDef struct {
	ID          string  `yaml:"-" json:"id"`
	Name        string  `yaml:"name" json:"name"`
	Category    string  `yaml:"category" json:"category"`
	ImportPrice float64 `yaml:"importPrice" json:"importPrice"`
}

// Catalog indexes both definition sets by type id.
type Catalog struct {
	Buildings map[string]BuildingTypeDef `yaml:"buildingTypes"`
	Resources map[string]ResourceTypeDef `yaml:"resourceTypes"`
}

// Parse decodes a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Buildings) == 0 {
		return nil, fmt.Errorf("parse catalog: no building types")
	}
	c.index()
	return &c, nil
}

// Load reads a YAML catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	return Parse(data)
}

// Default returns the embedded catalog. Callers must not mutate it.
var Default = sync.OnceValue(func() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
})

func (c *Catalog) index() {
	if c.Resources == nil {
		c.Resources = map[string]ResourceTypeDef{}
	}
	for k, b := range c.Buildings {
		b.Type = k
		c.Buildings[k] = b
	}
	for k, r := range c.Resources {
		r.ID = k
		c.Resources[k] = r
	}
}

// Building returns the definition of a building type.
func (c *Catalog) Building(typ string) (BuildingTypeDef, bool) {
	b, ok := c.Buildings[typ]
	return b, ok
}

// WorkHours converts the workSchedule pairs into hour ranges. Malformed
// pairs are dropped.
func (b BuildingTypeDef) WorkHours() []clock.HourRange {
	var out []clock.HourRange
	for _, pair := range b.WorkSchedule {
		if len(pair) != 2 {
			continue
		}
		out = append(out, clock.HourRange{Start: pair[0], End: pair[1]})
	}
	return out
}

// Resource returns the definition of a resource type.
func (c *Catalog) Resource(id string) (ResourceTypeDef, bool) {
	r, ok := c.Resources[id]
	return r, ok
}

// StorageCapacity of a building type; unknown types hold nothing.
func (c *Catalog) StorageCapacity(typ string) float64 {
	return c.Buildings[typ].StorageCapacity
}

// ResourceName returns the display name of a resource type.
func (c *Catalog) ResourceName(id string) string {
	if r, ok := c.Resources[id]; ok && r.Name != "" {
		return r.Name
	}
	return id
}

// ResourcesIn lists resource ids of a category, sorted.
func (c *Catalog) ResourcesIn(category string) []string {
	var out []string
	for id, r := range c.Resources {
		if r.Category == category {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// FoodTypes lists edible resource ids.
func (c *Catalog) FoodTypes() []string { return c.ResourcesIn("food") }

// DrinkTypes lists drinkable resource ids.
func (c *Catalog) DrinkTypes() []string { return c.ResourcesIn("drink") }

// BuildingList returns all building definitions sorted by type.
func (c *Catalog) BuildingList() []BuildingTypeDef {
	out := make([]BuildingTypeDef, 0, len(c.Buildings))
	for _, b := range c.Buildings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// ResourceList returns all resource definitions sorted by id.
func (c *Catalog) ResourceList() []ResourceTypeDef {
	out := make([]ResourceTypeDef, 0, len(c.Resources))
	for _, r := range c.Resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
