// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/terracat/terracat/internal/domain"
)

// InventoryRequest describes a spatial+temporal inventory query.
type InventoryRequest struct {
	Driver string
	Tiles  []string
	Range  domain.DateRange
	// Fetch triggers acquisition of missing (tile, date) combinations
	// before the grid is finalized.
	Fetch bool
	// Products to derive for each satisfied (tile, date); empty means
	// inventory only.
	Products  []string
	Overwrite bool
}

// KeyOutcome is the per-(tile, date) result of a batch operation.
type KeyOutcome struct {
	Tile    string      `json:"tile"`
	Date    domain.Date `json:"date"`
	Outcome string      `json:"outcome"` // fetched, present, absent, failed
	Detail  string      `json:"detail,omitempty"`
}

// Grid is the resolved inventory: per tile, the sorted dates with at
// least one satisfying asset, plus per-key outcomes when fetch or
// processing ran.
type Grid struct {
	Driver   string                   `json:"driver"`
	Tiles    map[string][]domain.Date `json:"tiles"`
	Outcomes []KeyOutcome             `json:"outcomes,omitempty"`
	Failed   int                      `json:"failed"`
}

// Inventory is the primary port for inventory resolution.
type Inventory interface {
	Resolve(ctx context.Context, req InventoryRequest) (*Grid, error)
}

// RectifyStats summarizes one reconciliation pass.
type RectifyStats struct {
	Driver  string `json:"driver"`
	Scanned int    `json:"scanned"`
	Upserts int    `json:"upserts"`
	Deleted int    `json:"deleted"`
}

// Rectifier is the primary port for catalog reconciliation.
type Rectifier interface {
	RectifyAssets(ctx context.Context, driver string) (RectifyStats, error)
	RectifyProducts(ctx context.Context, driver string) (RectifyStats, error)
}

// HealthChecker is the primary port for health checks.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
	IsReady(ctx context.Context) bool
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy    bool              // overall health status
	Ready      bool              // ready to accept requests
	Drivers    int               // number of configured drivers
	Components map[string]string // component statuses
}
