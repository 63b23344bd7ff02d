// Package catalog loads a static fleet description (routes and bus
// assignments) from YAML. It serves both as a route geometry provider and as a
// fleet directory when no database is configured, and as seed data otherwise.
package catalog

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"bus-tracker/internal/fleet"
	"bus-tracker/internal/route"
)

type StopEntry struct {
	Name string   `yaml:"name" validate:"required"`
	Lat  *float64 `yaml:"lat" validate:"omitempty,gte=-90,lte=90"`
	Long *float64 `yaml:"long" validate:"omitempty,gte=-180,lte=180"`
}

type RouteEntry struct {
	Name          string      `yaml:"name" validate:"required"`
	Stops         []StopEntry `yaml:"stops" validate:"dive"`
	CoverageAreas []string    `yaml:"coverageAreas"`
}

type BusEntry struct {
	ID    string `yaml:"id" validate:"required"`
	Route string `yaml:"route"`
}

// File is the on-disk catalog layout.
type File struct {
	Routes []RouteEntry `yaml:"routes" validate:"unique=Name,dive"`
	Buses  []BusEntry   `yaml:"buses" validate:"unique=ID,dive"`
}

// Catalog is immutable once parsed.
type Catalog struct {
	routes map[string]*route.Geometry
	buses  map[string]fleet.Bus
	order  []string // route names in file order
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	v := validator.New()
	if err := v.Struct(f); err != nil {
		return nil, fmt.Errorf("validate catalog: %w", err)
	}
	c := &Catalog{
		routes: make(map[string]*route.Geometry, len(f.Routes)),
		buses:  make(map[string]fleet.Bus, len(f.Buses)),
	}
	for _, r := range f.Routes {
		g := &route.Geometry{
			Name:          r.Name,
			Stops:         make([]route.Stop, 0, len(r.Stops)),
			CoverageAreas: append([]string(nil), r.CoverageAreas...),
		}
		for _, s := range r.Stops {
			g.Stops = append(g.Stops, route.Stop{Name: s.Name, Latitude: s.Lat, Longitude: s.Long})
		}
		c.routes[r.Name] = g
		c.order = append(c.order, r.Name)
	}
	for _, b := range f.Buses {
		if b.Route != "" {
			if _, ok := c.routes[b.Route]; !ok {
				return nil, fmt.Errorf("validate catalog: bus %q references unknown route %q", b.ID, b.Route)
			}
		}
		c.buses[b.ID] = fleet.Bus{ID: b.ID, RouteName: b.Route}
	}
	return c, nil
}

func (c *Catalog) Route(_ context.Context, name string) (*route.Geometry, error) {
	g, ok := c.routes[name]
	if !ok {
		return nil, route.ErrRouteNotFound
	}
	return g, nil
}

func (c *Catalog) Bus(_ context.Context, busID string) (fleet.Bus, error) {
	b, ok := c.buses[busID]
	if !ok {
		return fleet.Bus{}, fleet.ErrUnknownBus
	}
	return b, nil
}

// Routes returns the catalog routes in file order.
func (c *Catalog) Routes() []*route.Geometry {
	out := make([]*route.Geometry, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.routes[name])
	}
	return out
}

func (c *Catalog) Buses() []fleet.Bus {
	out := make([]fleet.Bus, 0, len(c.buses))
	for _, b := range c.buses {
		out = append(out, b)
	}
	return out
}
