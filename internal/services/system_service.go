package services

import (
	"context"
	"errors"

	"github.com/skillforge/api/internal/repositories"
)

// ErrSystemUnavailable indicates health dependencies are not wired.
var ErrSystemUnavailable = errors.New("system service: unavailable")

// SystemServiceDeps wires the health repository.
type SystemServiceDeps struct {
	Health repositories.HealthRepository
}

type systemService struct {
	health repositories.HealthRepository
}

// NewSystemService constructs a SystemService validating required dependencies.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health repository is required")
	}
	return &systemService{health: deps.Health}, nil
}

// Health probes every registered dependency.
func (s *systemService) Health(ctx context.Context) (repositories.HealthReport, error) {
	if s == nil || s.health == nil {
		return repositories.HealthReport{}, ErrSystemUnavailable
	}
	return s.health.Check(ctx)
}
