// Package models holds the catalog of chat models a user may select.
package models

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Descriptor describes one selectable model. Prices are per 1M tokens.
type Descriptor struct {
	ID               string  `yaml:"id"`
	DisplayName      string  `yaml:"display_name"`
	Description      string  `yaml:"description"`
	Provider         string  `yaml:"provider"`
	InputPricePer1M  float64 `yaml:"input_price_per_1m"`
	OutputPricePer1M float64 `yaml:"output_price_per_1m"`
	Default          bool    `yaml:"default"`
}

// Registry is immutable after construction and safe for concurrent use.
type Registry struct {
	order     []string
	byID      map[string]Descriptor
	defaultID string
}

// NewRegistry validates descs: at least one entry, unique identifiers and
// exactly one default.
func NewRegistry(descs []Descriptor) (*Registry, error) {
	if len(descs) == 0 {
		return nil, chaterr.Configf("models", "registry is empty")
	}
	r := &Registry{
		order: make([]string, 0, len(descs)),
		byID:  make(map[string]Descriptor, len(descs)),
	}
	for _, d := range descs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, chaterr.Configf("models", "model with empty id")
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, chaterr.Configf("models", "duplicate model id %q", d.ID)
		}
		if d.Provider == "" {
			d.Provider = ProviderOpenAI
		}
		if d.DisplayName == "" {
			d.DisplayName = d.ID
		}
		if d.Default {
			if r.defaultID != "" {
				return nil, chaterr.Configf("models", "multiple defaults: %q and %q", r.defaultID, d.ID)
			}
			r.defaultID = d.ID
		}
		r.order = append(r.order, d.ID)
		r.byID[d.ID] = d
	}
	if r.defaultID == "" {
		return nil, chaterr.Configf("models", "no default model marked")
	}
	return r, nil
}

// ValidateAndGet resolves requested against the catalog. An empty request
// resolves to the default without fallback; an unknown one resolves to the
// default with wasFallback set so the caller can correct the stored value.
func (r *Registry) ValidateAndGet(requested string) (resolved string, wasFallback bool) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return r.defaultID, false
	}
	if _, ok := r.byID[requested]; ok {
		return requested, false
	}
	return r.defaultID, true
}

func (r *Registry) Get(id string) (Descriptor, bool) {
	d, ok := r.byID[strings.TrimSpace(id)]
	return d, ok
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns descriptors in catalog order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) Default() Descriptor {
	return r.byID[r.defaultID]
}

// WithDefault returns a copy whose default is id.
func (r *Registry) WithDefault(id string) (*Registry, error) {
	if _, ok := r.Get(id); !ok {
		return nil, chaterr.Configf("chat.default_model", "unknown model %q", id)
	}
	descs := r.List()
	for i := range descs {
		descs[i].Default = descs[i].ID == strings.TrimSpace(id)
	}
	return NewRegistry(descs)
}

// Restrict keeps only models served by one of providers. The default must
// survive the cut.
func (r *Registry) Restrict(providers ...string) (*Registry, error) {
	allowed := map[string]struct{}{}
	for _, p := range providers {
		allowed[p] = struct{}{}
	}
	descs := make([]Descriptor, 0, len(r.order))
	for _, d := range r.List() {
		if _, ok := allowed[d.Provider]; ok {
			descs = append(descs, d)
		}
	}
	if _, ok := allowed[r.Default().Provider]; !ok {
		return nil, chaterr.Configf("providers."+r.Default().Provider, "default model %q needs an API key for %s", r.defaultID, r.Default().Provider)
	}
	return NewRegistry(descs)
}

// Label renders "Display Name (id)".
func (d Descriptor) Label() string {
	if d.DisplayName == d.ID {
		return d.ID
	}
	return fmt.Sprintf("%s (%s)", d.DisplayName, d.ID)
}
