// Package agents declares the analysis pipeline stages and computes the
// ordered stage sequence for a tenant's available metadata types. Adding a
// stage is a registry-only change; the executor consumes the computed plan
// generically.
package agents

import (
	"fmt"
)

// Descriptor is the static description of one pipeline stage.
type Descriptor struct {
	ID        string
	Requires  []string // metadata types that must be available
	Optional  []string // metadata types used when present
	DependsOn []string // stage IDs whose output this stage reads
	OutputKey string
	Terminal  bool

	SystemPrompt string
	TaskPrompt   string
	// Fallback returns the stage's empty result, used when the stage is
	// skipped, under-volume, or its response fails to parse. Downstream
	// stages read it without nil-checking.
	Fallback func() any
	// Parse validates raw model output against the stage's schema.
	Parse func(raw string) (any, error)
}

// Compatible reports whether all required metadata types are available.
func (d Descriptor) Compatible(available map[string]bool) bool {
	for _, t := range d.Requires {
		if !available[t] {
			return false
		}
	}
	return true
}

// MetadataTypes returns the union of required and optional types, used to
// filter the tenant's metadata to the stage's input subset.
func (d Descriptor) MetadataTypes() []string {
	out := make([]string, 0, len(d.Requires)+len(d.Optional))
	out = append(out, d.Requires...)
	out = append(out, d.Optional...)
	return out
}

// Registry holds stage descriptors in declaration order.
type Registry struct {
	descriptors []Descriptor
	byID        map[string]Descriptor
}

// NewRegistry validates and indexes the given descriptors. IDs and output
// keys must be unique, dependencies must reference declared stages, and
// exactly one terminal stage must exist.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	byID := make(map[string]Descriptor, len(descriptors))
	outputKeys := make(map[string]string, len(descriptors))
	terminals := 0

	for _, d := range descriptors {
		if d.ID == "" {
			return nil, fmt.Errorf("stage with empty id")
		}
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id %q", d.ID)
		}
		if d.OutputKey == "" {
			return nil, fmt.Errorf("stage %q has no output key", d.ID)
		}
		if prev, dup := outputKeys[d.OutputKey]; dup {
			return nil, fmt.Errorf("stages %q and %q share output key %q", prev, d.ID, d.OutputKey)
		}
		if d.Fallback == nil || d.Parse == nil {
			return nil, fmt.Errorf("stage %q missing fallback or parse", d.ID)
		}
		byID[d.ID] = d
		outputKeys[d.OutputKey] = d.ID
		if d.Terminal {
			terminals++
		}
	}

	for _, d := range descriptors {
		for _, dep := range d.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", d.ID, dep)
			}
		}
	}

	if terminals != 1 {
		return nil, fmt.Errorf("registry needs exactly one terminal stage, got %d", terminals)
	}

	return &Registry{descriptors: descriptors, byID: byID}, nil
}

// Get returns the descriptor for a stage ID.
func (r *Registry) Get(id string) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Descriptors returns all stages in declaration order.
func (r *Registry) Descriptors() []Descriptor {
	return r.descriptors
}

// Plan is the outcome of sequencing: Run is the ordered list of stages to
// execute; Skipped are incompatible stages whose output keys must be
// pre-filled with their fallback result before the run starts.
type Plan struct {
	Run     []Descriptor
	Skipped []Descriptor
}

// Sequence computes the plan for the given available metadata types.
// Non-terminal compatible stages keep declaration order; the terminal stage
// runs last regardless of where it was declared. A stage whose dependencies
// were skipped still runs: the skipped dependency's fallback output satisfies
// the dependency.
func (r *Registry) Sequence(availableTypes []string) Plan {
	available := make(map[string]bool, len(availableTypes))
	for _, t := range availableTypes {
		available[t] = true
	}

	var plan Plan
	var terminal []Descriptor
	satisfied := make(map[string]bool, len(r.descriptors))

	for _, d := range r.descriptors {
		if !d.Compatible(available) {
			plan.Skipped = append(plan.Skipped, d)
			satisfied[d.ID] = true // fallback output will exist
			continue
		}
		if !r.runnable(d, available, satisfied) {
			plan.Skipped = append(plan.Skipped, d)
			satisfied[d.ID] = true
			continue
		}
		satisfied[d.ID] = true
		if d.Terminal {
			terminal = append(terminal, d)
			continue
		}
		plan.Run = append(plan.Run, d)
	}

	plan.Run = append(plan.Run, terminal...)
	return plan
}

// runnable checks that each dependency is compatible or already produced its
// output (including via fallback for skipped stages).
func (r *Registry) runnable(d Descriptor, available map[string]bool, satisfied map[string]bool) bool {
	for _, dep := range d.DependsOn {
		depDesc, ok := r.byID[dep]
		if !ok {
			return false
		}
		if !depDesc.Compatible(available) && !satisfied[dep] {
			return false
		}
	}
	return true
}
