// Package stages declares the processing stages of the reconstruction
// pipeline: their order, their dependencies, their parameter schemas and the
// transforms they apply.
package stages

import (
	"context"
	"fmt"
	"runtime"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
)

// Stage names, in pipeline order.
const (
	Normalization  = "normalization"
	RingRemoval    = "ring_removal"
	CoREstimation  = "cor_estimation"
	Reconstruction = "reconstruction"
)

// RawInput names the raw projection stack as a stage input.
const RawInput = "raw"

// Input is everything a stage function sees.
type Input struct {
	Dataset *models.Dataset
	// Array is the stage's array input: the raw projections or the array
	// result of the upstream stage named by Descriptor.Input.
	Array *models.Stack
	// Upstream holds the succeeded results of every declared upstream stage.
	Upstream map[string]models.StageResult
	Params   Params
	// Progress, when set, takes done and total units of work from stages
	// that can report them.
	Progress func(done, total int)
}

// Output is what a stage function produces. Exactly one field is set.
type Output struct {
	Array  *models.Stack
	Scalar *float64
}

// Func is the transform of a stage.
type Func func(ctx context.Context, in Input) (Output, error)

// Descriptor declares one stage.
type Descriptor struct {
	Name string
	// Upstream stages must all have succeeded before this stage runs.
	Upstream []string
	// Input is RawInput or the upstream stage whose array feeds this stage.
	Input  string
	Params Schema
	Run    Func
}

// Registry is the fixed, ordered set of stages. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	stages []Descriptor
	index  map[string]int
}

// Options tune the default registry.
type Options struct {
	// Workers bounds the goroutines used by reconstruction. Zero means NumCPU.
	Workers int
}

// Default returns the registry of the four reconstruction stages.
func Default(opts Options) *Registry {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	r, err := NewRegistry(
		Descriptor{
			Name:   Normalization,
			Input:  RawInput,
			Params: normalizationParams,
			Run:    normalize,
		},
		Descriptor{
			Name:     RingRemoval,
			Upstream: []string{Normalization},
			Input:    Normalization,
			Params:   ringParams,
			Run:      removeRings,
		},
		Descriptor{
			Name:     CoREstimation,
			Upstream: []string{RingRemoval},
			Input:    RingRemoval,
			Params:   corParams,
			Run:      estimateCenter,
		},
		Descriptor{
			Name:     Reconstruction,
			Upstream: []string{RingRemoval, CoREstimation},
			Input:    RingRemoval,
			Params:   reconstructionParams,
			Run:      reconstructWith(workers),
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// NewRegistry builds a registry from descriptors listed in execution order.
// Every upstream stage must be declared before the stages that depend on it.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{index: make(map[string]int, len(descs))}
	for i, d := range descs {
		if d.Name == "" || d.Run == nil {
			return nil, fmt.Errorf("stage %d: name and function are required", i)
		}
		if _, dup := r.index[d.Name]; dup {
			return nil, fmt.Errorf("stage %s declared twice", d.Name)
		}
		for _, up := range d.Upstream {
			if _, ok := r.index[up]; !ok {
				return nil, fmt.Errorf("stage %s depends on %s which is not declared before it", d.Name, up)
			}
		}
		if d.Input != RawInput && !contains(d.Upstream, d.Input) {
			return nil, fmt.Errorf("stage %s reads %s which is not one of its upstream stages", d.Name, d.Input)
		}
		r.index[d.Name] = i
		r.stages = append(r.stages, d)
	}
	return r, nil
}

// Stages returns the descriptors in execution order.
func (r *Registry) Stages() []Descriptor {
	out := make([]Descriptor, len(r.stages))
	copy(out, r.stages)
	return out
}

// Names returns the stage names in execution order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.stages))
	for i, d := range r.stages {
		names[i] = d.Name
	}
	return names
}

// Lookup returns the descriptor of a stage.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	i, ok := r.index[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.stages[i], true
}

// Validate checks overrides against the stage schemas without running anything.
func (r *Registry) Validate(overrides models.Overrides) error {
	_, err := r.Resolve(overrides)
	return err
}

// Resolve validates overrides and returns the effective parameters of every
// stage. Unknown stages, unknown keys and ill-typed values are
// InvalidParameter errors.
func (r *Registry) Resolve(overrides models.Overrides) (map[string]Params, error) {
	for stage := range overrides {
		if _, ok := r.index[stage]; !ok {
			return nil, common.Errorf(common.InvalidParameter, "unknown stage %q", stage)
		}
	}
	out := make(map[string]Params, len(r.stages))
	for _, d := range r.stages {
		p, err := d.Params.Resolve(d.Name, overrides[d.Name])
		if err != nil {
			return nil, err
		}
		out[d.Name] = p
	}
	return out, nil
}

// WithDefaults returns a copy of the registry whose parameter defaults are
// replaced by the given values. The values are validated like overrides.
func (r *Registry) WithDefaults(defaults models.Overrides) (*Registry, error) {
	resolved, err := r.Resolve(defaults)
	if err != nil {
		return nil, err
	}
	next := &Registry{index: r.index, stages: make([]Descriptor, len(r.stages))}
	for i, d := range r.stages {
		schema := make(Schema, len(d.Params))
		copy(schema, d.Params)
		for j := range schema {
			if v, ok := defaults[d.Name][schema[j].Name]; ok && v != nil {
				schema[j].Default = resolved[d.Name][schema[j].Name]
			}
		}
		d.Params = schema
		next.stages[i] = d
	}
	return next, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
