// Package vis holds the visualization-parameter registry: the named bags
// of rendering settings the imagery backend understands, one flavor per
// satellite product.
package vis

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Param is a named set of rendering parameters. The concrete type decides
// how the backend render arguments are built for a given year.
type Param interface {
	// Name is the identifier used in tile URLs and cache keys.
	Name() string
	// Layer is the satellite product the parameter applies to.
	Layer() string
	// RenderArgs returns the backend visualization arguments for a year.
	RenderArgs(year int) map[string]string
}

// SentinelParam renders Sentinel-2 imagery. Band selection is fixed
// across years.
type SentinelParam struct {
	ID     string   `yaml:"name"`
	Select []string `yaml:"select"`
	Bands  []string `yaml:"bands"`
	Min    string   `yaml:"min"`
	Max    string   `yaml:"max"`
	Gamma  string   `yaml:"gamma"`
}

func (p SentinelParam) Name() string  { return p.ID }
func (p SentinelParam) Layer() string { return "sentinel-2" }

func (p SentinelParam) RenderArgs(int) map[string]string {
	return map[string]string{
		"select": joinBands(p.Select),
		"bands":  joinBands(p.Bands),
		"min":   p.Min,
		"max":   p.Max,
		"gamma": p.Gamma,
	}
}

// BandSpec is one Landsat collection's rendering row.
type BandSpec struct {
	Bands []string `yaml:"bands"`
	Min   string   `yaml:"min"`
	Max   string   `yaml:"max"`
	Gamma string   `yaml:"gamma"`
}

// LandsatParam renders Landsat imagery. Band names differ per collection,
// and the collection is chosen by the requested year.
type LandsatParam struct {
	ID          string                 `yaml:"name"`
	Collections map[Collection]BandSpec `yaml:"collections"`
}

func (p LandsatParam) Name() string  { return p.ID }
func (p LandsatParam) Layer() string { return "landsat" }

func (p LandsatParam) RenderArgs(year int) map[string]string {
	spec, ok := p.Collections[CollectionForYear(year)]
	if !ok {
		return nil
	}
	return map[string]string{
		"bands": joinBands(spec.Bands),
		"min":   spec.Min,
		"max":   spec.Max,
		"gamma": spec.Gamma,
	}
}

func joinBands(bands []string) string {
	out := ""
	for i, b := range bands {
		if i > 0 {
			out += ","
		}
		out += b
	}
	return out
}

// Registry resolves (layer, vis name) pairs to parameters.
type Registry struct {
	params map[string]Param
}

// NewRegistry builds a registry with the built-in parameter set.
func NewRegistry() *Registry {
	r := &Registry{params: make(map[string]Param)}
	for _, p := range builtins() {
		r.params[p.Name()] = p
	}
	return r
}

// LoadFile overlays parameters from a YAML file onto the built-ins.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrap(err, "vis: read file")
	}

	var doc struct {
		Sentinel []SentinelParam `yaml:"sentinel"`
		Landsat  []LandsatParam  `yaml:"landsat"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return eris.Wrap(err, "vis: parse file")
	}

	for _, p := range doc.Sentinel {
		r.params[p.Name()] = p
	}
	for _, p := range doc.Landsat {
		r.params[p.Name()] = p
	}
	return nil
}

// Get returns the parameter for a vis name belonging to the layer.
func (r *Registry) Get(layer, name string) (Param, bool) {
	p, ok := r.params[name]
	if !ok || p.Layer() != layer {
		return nil, false
	}
	return p, true
}

// Names lists the registered vis names for a layer, sorted, so callers
// that take the first entry as a default get a stable one.
func (r *Registry) Names(layer string) []string {
	var names []string
	for name, p := range r.params {
		if p.Layer() == layer {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Layers lists the layers with at least one registered parameter.
func (r *Registry) Layers() map[string]bool {
	layers := make(map[string]bool)
	for _, p := range r.params {
		layers[p.Layer()] = true
	}
	return layers
}
