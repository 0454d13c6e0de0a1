package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/skillforge/api/internal/repositories"
)

type stubSystemService struct {
	healthFunc func(ctx context.Context) (repositories.HealthReport, error)
}

func (s *stubSystemService) Health(ctx context.Context) (repositories.HealthReport, error) {
	if s.healthFunc != nil {
		return s.healthFunc(ctx)
	}
	return repositories.HealthReport{}, errors.New("not implemented")
}

func TestHealthzAlwaysOK(t *testing.T) {
	handlers := NewHealthHandlers(nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handlers.Healthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestReadyzPermissiveWithoutSystemService(t *testing.T) {
	handlers := NewHealthHandlers(nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handlers.Readyz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestReadyzHealthyDependencies(t *testing.T) {
	handlers := NewHealthHandlers(&stubSystemService{
		healthFunc: func(context.Context) (repositories.HealthReport, error) {
			return repositories.HealthReport{
				Healthy: true,
				Statuses: []repositories.HealthStatus{
					{Name: "firestore", Healthy: true},
					{Name: "pubsub", Healthy: true},
				},
			}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handlers.Readyz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	deps, ok := payload["dependencies"].([]any)
	if !ok || len(deps) != 2 {
		t.Fatalf("expected two dependency entries, got %#v", payload["dependencies"])
	}
}

func TestReadyzDegradedDependency(t *testing.T) {
	handlers := NewHealthHandlers(&stubSystemService{
		healthFunc: func(context.Context) (repositories.HealthReport, error) {
			return repositories.HealthReport{
				Healthy: false,
				Statuses: []repositories.HealthStatus{
					{Name: "firestore", Healthy: false, Detail: "connection refused"},
				},
			}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handlers.Readyz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestReadyzCheckFailure(t *testing.T) {
	handlers := NewHealthHandlers(&stubSystemService{
		healthFunc: func(context.Context) (repositories.HealthReport, error) {
			return repositories.HealthReport{}, errors.New("probe timeout")
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handlers.Readyz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
