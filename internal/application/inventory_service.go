package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/input"
	"github.com/terracat/terracat/internal/ports/output"
)

// InventoryService resolves (tiles x dates) grids against the catalog
// and optionally acquires and processes what is missing.
type InventoryService struct {
	drivers Drivers
	catalog output.Catalog
	assets  *AssetService
	data    *DataService
	logger  *slog.Logger
	workers int
}

// NewInventoryService creates an inventory service. workers bounds the
// fetch fan-out; <= 0 selects serial operation.
func NewInventoryService(
	drivers Drivers,
	catalog output.Catalog,
	assets *AssetService,
	data *DataService,
	logger *slog.Logger,
	workers int,
) *InventoryService {
	if workers <= 0 {
		workers = 1
	}
	return &InventoryService{
		drivers: drivers,
		catalog: catalog,
		assets:  assets,
		data:    data,
		logger:  logger,
		workers: workers,
	}
}

// unit is one (tile, date) cell of the grid.
type unit struct {
	tile string
	date domain.Date
}

// Resolve answers an inventory request. With fetch enabled, missing
// cells are acquired concurrently; one cell's failure is reported in
// its outcome and never aborts the others. Cancellation is honored
// between cells, never inside one.
func (s *InventoryService) Resolve(ctx context.Context, req input.InventoryRequest) (*input.Grid, error) {
	driver, err := s.drivers.Get(req.Driver)
	if err != nil {
		return nil, err
	}
	if req.Range.From.After(req.Range.To) {
		return nil, fmt.Errorf("range %s..%s: %w", req.Range.From, req.Range.To, domain.ErrInvalidInput)
	}

	tiles := req.Tiles
	if len(tiles) == 0 {
		tiles, err = s.catalog.ListTiles(ctx, req.Driver)
		if err != nil {
			return nil, err
		}
	}

	grid := &input.Grid{Driver: req.Driver, Tiles: make(map[string][]domain.Date, len(tiles))}
	for _, tile := range tiles {
		dates, err := s.satisfiedDates(ctx, req.Driver, tile, req.Range)
		if err != nil {
			return nil, err
		}
		grid.Tiles[tile] = dates
	}

	if req.Fetch {
		if err := s.fetchMissing(ctx, req, grid); err != nil {
			return grid, err
		}
	}

	if len(req.Products) > 0 {
		if err := s.processGrid(ctx, driver, req, grid); err != nil {
			return grid, err
		}
	}

	for _, outcome := range grid.Outcomes {
		if outcome.Outcome == output.OutcomeFailed {
			grid.Failed++
		}
	}
	return grid, nil
}

// satisfiedDates returns the sorted dates in range with at least one
// complete asset for (driver, tile).
func (s *InventoryService) satisfiedDates(ctx context.Context, driverName, tile string, r domain.DateRange) ([]domain.Date, error) {
	recs, err := s.catalog.SearchAssets(ctx, output.Criteria{
		Driver: driverName,
		Tile:   tile,
		From:   &r.From,
		To:     &r.To,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[domain.Date]bool)
	var dates []domain.Date
	for _, rec := range recs {
		if rec.Status != domain.StatusComplete || seen[rec.Date] {
			continue
		}
		seen[rec.Date] = true
		dates = append(dates, rec.Date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// fetchMissing fans out over cells with no satisfying asset, bounded
// by the worker limit, and folds the acquired dates back into the grid.
func (s *InventoryService) fetchMissing(ctx context.Context, req input.InventoryRequest, grid *input.Grid) error {
	var missing []unit
	for tile, dates := range grid.Tiles {
		have := make(map[domain.Date]bool, len(dates))
		for _, d := range dates {
			have[d] = true
		}
		for _, d := range req.Range.Days() {
			if !have[d] {
				missing = append(missing, unit{tile: tile, date: d})
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].tile != missing[j].tile {
			return missing[i].tile < missing[j].tile
		}
		return missing[i].date.Before(missing[j].date)
	})

	s.logger.Info("fetching missing cells",
		"driver", req.Driver, "missing", len(missing), "workers", s.workers)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, u := range missing {
		u := u
		g.Go(func() error {
			// A canceled context stops scheduling new cells; the cell
			// in flight finishes.
			if gctx.Err() != nil {
				return gctx.Err()
			}

			outcome, _, err := s.assets.FetchBest(gctx, req.Driver, u.tile, u.date)
			ko := input.KeyOutcome{Tile: u.tile, Date: u.date, Outcome: outcome}
			if err != nil {
				ko.Outcome = output.OutcomeFailed
				ko.Detail = err.Error()
			}

			mu.Lock()
			grid.Outcomes = append(grid.Outcomes, ko)
			if ko.Outcome == output.OutcomeFetched {
				grid.Tiles[u.tile] = insertDate(grid.Tiles[u.tile], u.date)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(grid.Outcomes, func(i, j int) bool {
		if grid.Outcomes[i].Tile != grid.Outcomes[j].Tile {
			return grid.Outcomes[i].Tile < grid.Outcomes[j].Tile
		}
		return grid.Outcomes[i].Date.Before(grid.Outcomes[j].Date)
	})
	return nil
}

// processGrid derives the requested products for every satisfied cell.
func (s *InventoryService) processGrid(ctx context.Context, driver *domain.DriverSpec, req input.InventoryRequest, grid *input.Grid) error {
	for _, tile := range sortedTiles(grid.Tiles) {
		for _, date := range grid.Tiles[tile] {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			result, err := s.data.Process(ctx, driver.Name, tile, date, req.Products, req.Overwrite)
			if err != nil {
				grid.Outcomes = append(grid.Outcomes, input.KeyOutcome{
					Tile: tile, Date: date,
					Outcome: output.OutcomeFailed,
					Detail:  err.Error(),
				})
				continue
			}
			for _, name := range result.Failed {
				grid.Outcomes = append(grid.Outcomes, input.KeyOutcome{
					Tile: tile, Date: date,
					Outcome: output.OutcomeFailed,
					Detail:  "product " + name,
				})
			}
		}
	}
	return nil
}

func insertDate(dates []domain.Date, d domain.Date) []domain.Date {
	i := sort.Search(len(dates), func(i int) bool { return !dates[i].Before(d) })
	if i < len(dates) && dates[i].Equal(d) {
		return dates
	}
	dates = append(dates, domain.Date{})
	copy(dates[i+1:], dates[i:])
	dates[i] = d
	return dates
}

func sortedTiles(tiles map[string][]domain.Date) []string {
	names := make([]string, 0, len(tiles))
	for name := range tiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
