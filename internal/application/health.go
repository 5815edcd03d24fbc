package application

import (
	"context"
	"fmt"

	"github.com/terracat/terracat/internal/ports/input"
	"github.com/terracat/terracat/internal/ports/output"
)

// HealthService provides health check functionality.
type HealthService struct {
	drivers Drivers
	catalog output.Catalog
}

// NewHealthService creates a new health service.
func NewHealthService(drivers Drivers, catalog output.Catalog) *HealthService {
	return &HealthService{
		drivers: drivers,
		catalog: catalog,
	}
}

// IsHealthy returns true if the service is healthy.
func (s *HealthService) IsHealthy(_ context.Context) bool {
	return true
}

// IsReady returns true if the service is ready to accept requests: the
// catalog answers and at least one driver is configured.
func (s *HealthService) IsReady(ctx context.Context) bool {
	if len(s.drivers) == 0 {
		return false
	}
	_, err := s.catalog.ListTiles(ctx, s.drivers.Names()[0])
	return err == nil
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	components := map[string]string{
		"catalog": "ok",
	}

	for _, name := range s.drivers.Names() {
		if _, err := s.catalog.ListTiles(ctx, name); err != nil {
			components["catalog"] = fmt.Sprintf("driver %s: %v", name, err)
			break
		}
	}

	return input.HealthDetails{
		Healthy:    s.IsHealthy(ctx),
		Ready:      s.IsReady(ctx),
		Drivers:    len(s.drivers),
		Components: components,
	}
}
