// Package book owns the live contract set for one timeframe: it generates
// contracts as price and time advance, evaluates every tick against them,
// and drives each contract through exactly one terminal transition.
package book

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// TriggerMode selects what counts as a trigger for a contract.
type TriggerMode string

const (
	// TriggerOnEntry fires when price enters the strike range.
	TriggerOnEntry TriggerMode = "entry"

	// TriggerOnExit fires when price breaches (leaves) the strike range.
	TriggerOnExit TriggerMode = "exit"
)

var (
	ErrUnknownTemplate = errors.New("book: unknown template")
	ErrInvalidTemplate = errors.New("book: invalid template parameters")
)

// Template describes one product type. Whether the trigger or the expiry
// pays the holder is a per-product rule, not a global one: a "hit" game
// pays on trigger, an iron condor pays holders who survive to expiry.
type Template struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Mode        TriggerMode `json:"mode"`
	TriggerWins bool        `json:"trigger_wins"`

	// OffsetPct shifts the range center from the anchor price (signed,
	// fraction). WidthPct is the full range width as a fraction of the
	// anchor price.
	OffsetPct decimal.Decimal `json:"offset_pct"`
	WidthPct  decimal.Decimal `json:"width_pct"`

	// Multiplier is the payout multiple on the staked amount for a win.
	Multiplier decimal.Decimal `json:"multiplier"`

	// WindowColumns is the exercise window length in timeframe columns.
	WindowColumns int `json:"window_columns"`

	Enabled bool `json:"enabled"`
}

// Validate checks template parameters before they enter the registry.
func (t Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTemplate)
	}
	if t.Mode != TriggerOnEntry && t.Mode != TriggerOnExit {
		return fmt.Errorf("%w: mode %q", ErrInvalidTemplate, t.Mode)
	}
	if t.WidthPct.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: width must be positive", ErrInvalidTemplate)
	}
	if t.Multiplier.LessThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: multiplier must exceed 1", ErrInvalidTemplate)
	}
	if t.WindowColumns < 1 {
		return fmt.Errorf("%w: window must be at least one column", ErrInvalidTemplate)
	}
	return nil
}

// Strikes computes the strike range anchored to the given price.
func (t Template) Strikes(anchor decimal.Decimal) (lower, upper decimal.Decimal) {
	center := anchor.Add(anchor.Mul(t.OffsetPct))
	half := anchor.Mul(t.WidthPct).Div(decimal.NewFromInt(2))
	return center.Sub(half), center.Add(half)
}

// Registry is the whitelist and parameter surface for product templates.
// Shared across all books so admin changes apply everywhere at once.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry creates a registry seeded with the given templates.
func NewRegistry(seed ...Template) (*Registry, error) {
	r := &Registry{templates: make(map[string]Template)}
	for _, t := range seed {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		r.templates[t.ID] = t
	}
	return r, nil
}

// DefaultTemplates returns the shipped product set.
func DefaultTemplates() []Template {
	return []Template{
		{
			ID:            "iron_condor",
			Name:          "Iron Condor",
			Mode:          TriggerOnExit,
			TriggerWins:   false, // staying inside the range to expiry is the win
			OffsetPct:     decimal.Zero,
			WidthPct:      decimal.NewFromFloat(0.02),
			Multiplier:    decimal.NewFromFloat(1.6),
			WindowColumns: 4,
			Enabled:       true,
		},
		{
			ID:            "box_hit_up",
			Name:          "Box Hit (above)",
			Mode:          TriggerOnEntry,
			TriggerWins:   true,
			OffsetPct:     decimal.NewFromFloat(0.015),
			WidthPct:      decimal.NewFromFloat(0.01),
			Multiplier:    decimal.NewFromFloat(2.0),
			WindowColumns: 4,
			Enabled:       true,
		},
		{
			ID:            "box_hit_down",
			Name:          "Box Hit (below)",
			Mode:          TriggerOnEntry,
			TriggerWins:   true,
			OffsetPct:     decimal.NewFromFloat(-0.015),
			WidthPct:      decimal.NewFromFloat(0.01),
			Multiplier:    decimal.NewFromFloat(2.0),
			WindowColumns: 4,
			Enabled:       true,
		},
	}
}

// Get returns a template by ID.
func (r *Registry) Get(id string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
	}
	return t, nil
}

// List returns all templates sorted by ID.
func (r *Registry) List() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enabled returns only the enabled templates, sorted by ID.
func (r *Registry) Enabled() []Template {
	all := r.List()
	out := all[:0]
	for _, t := range all {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// SetEnabled flips the whitelist bit for one template.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
	}
	t.Enabled = enabled
	r.templates[id] = t
	return nil
}

// Update replaces a template's parameters after validation. The ID in the
// path wins over any ID in the body.
func (r *Registry) Update(id string, t Template) error {
	t.ID = id
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
	}
	r.templates[id] = t
	return nil
}
