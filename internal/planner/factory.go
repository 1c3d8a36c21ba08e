package planner

import (
	"context"
	"fmt"

	"github.com/throw-if-null/argon/internal/config"
)

// New builds the configured planner. The close func is never nil.
func New(ctx context.Context, cfg config.PlannerConfig) (Planner, func() error, error) {
	switch cfg.Provider {
	case "", "rules":
		return NewRules(), func() error { return nil }, nil
	case "gemini":
		p, closeFn, err := NewGemini(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, nil, err
		}
		return p, closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unknown planner provider %q", cfg.Provider)
	}
}
