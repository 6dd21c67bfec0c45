package params

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is the read side of parameter persistence used by the Resolver.
type Store interface {
	GetActive(ctx context.Context, name string) (*AlgorithmParameters, error)
}

type Resolver struct {
	store       Store
	defaultName string
	now         func() time.Time
}

func NewResolver(store Store, defaultName string) *Resolver {
	if defaultName == "" {
		defaultName = "default"
	}
	return &Resolver{
		store:       store,
		defaultName: defaultName,
		now:         time.Now,
	}
}

// Resolve starts from the active set under the default name, or the built-in
// defaults when none is active, applies the overrides and validates the result.
// The returned value is a copy; later edits to the stored set do not affect it.
func (r *Resolver) Resolve(ctx context.Context, o Overrides) (AlgorithmParameters, error) {
	base, err := r.base(ctx)
	if err != nil {
		return AlgorithmParameters{}, err
	}

	resolved, err := o.Apply(base)
	if err != nil {
		return AlgorithmParameters{}, err
	}

	resolved.AnalysisStartDate = Day(resolved.AnalysisStartDate)
	resolved.AnalysisEndDate = Day(resolved.AnalysisEndDate)

	if err := resolved.Validate(); err != nil {
		return AlgorithmParameters{}, err
	}

	return resolved, nil
}

func (r *Resolver) base(ctx context.Context) (AlgorithmParameters, error) {
	defaults := Defaults(r.now())
	if r.store == nil {
		return defaults, nil
	}

	active, err := r.store.GetActive(ctx, r.defaultName)
	if errors.Is(err, ErrNotFound) {
		return defaults, nil
	}
	if err != nil {
		return AlgorithmParameters{}, fmt.Errorf("failed to load active parameters: %w", err)
	}

	base := *active
	if base.AnalysisStartDate.IsZero() || base.AnalysisEndDate.IsZero() {
		base.AnalysisStartDate = defaults.AnalysisStartDate
		base.AnalysisEndDate = defaults.AnalysisEndDate
	}
	return base, nil
}
