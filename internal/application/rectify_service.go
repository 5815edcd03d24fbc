package application

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/input"
	"github.com/terracat/terracat/internal/ports/output"
)

// defaultBatchSize bounds how many records one reconciliation
// transaction may carry, which bounds catalog lock hold time.
const defaultBatchSize = 500

// RectifyService reconciles the catalog with the archive tree. The
// filesystem is the source of truth: files found are upserted, known
// keys whose files are gone are deleted. A pass converges from any
// starting catalog state.
type RectifyService struct {
	drivers Drivers
	catalog output.Catalog
	metrics output.MetricsCollector
	logger  *slog.Logger

	archiveRoot string
	batchSize   int
}

// NewRectifyService creates a rectify service. batchSize <= 0 selects
// the default.
func NewRectifyService(
	drivers Drivers,
	catalog output.Catalog,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	archiveRoot string,
	batchSize int,
) *RectifyService {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &RectifyService{
		drivers:     drivers,
		catalog:     catalog,
		metrics:     metrics,
		logger:      logger,
		archiveRoot: archiveRoot,
		batchSize:   batchSize,
	}
}

// RectifyAssets reconciles one driver's asset records with its archive
// tree. An integrity fault aborts this driver's pass only.
func (s *RectifyService) RectifyAssets(ctx context.Context, driverName string) (input.RectifyStats, error) {
	driver, err := s.drivers.Get(driverName)
	if err != nil {
		return input.RectifyStats{}, err
	}
	start := time.Now()
	stats := input.RectifyStats{Driver: driverName}

	knownKeys, err := s.catalog.ListAssetKeys(ctx, driverName)
	if err != nil {
		return stats, err
	}
	known := make(map[domain.AssetKey]bool, len(knownKeys))
	for _, k := range knownKeys {
		known[k] = true
	}

	touched := make(map[domain.AssetKey]string)
	var batch []domain.AssetRecord
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.catalog.UpsertAssets(ctx, batch); err != nil {
			return err
		}
		stats.Upserts += len(batch)
		batch = batch[:0]
		return nil
	}

	err = s.walk(ctx, driver, func(path string) error {
		if !driver.MatchesAssetName(path) {
			return nil
		}
		stats.Scanned++

		rec, err := driver.ParseAssetName(path)
		if err != nil {
			return err
		}
		if prev, dup := touched[rec.AssetKey]; dup {
			return &domain.IntegrityError{
				Driver: driverName,
				Key:    rec.AssetKey.String(),
				Detail: "claimed by both " + prev + " and " + path,
			}
		}
		touched[rec.AssetKey] = path

		rec.Path = path
		rec.Status = domain.StatusComplete
		batch = append(batch, rec)
		if len(batch) >= s.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	if err := flush(); err != nil {
		return stats, err
	}

	var orphans []domain.AssetKey
	for key := range known {
		if _, ok := touched[key]; !ok {
			orphans = append(orphans, key)
		}
	}
	for len(orphans) > 0 {
		n := min(len(orphans), s.batchSize)
		if err := s.catalog.DeleteAssets(ctx, orphans[:n]); err != nil {
			return stats, err
		}
		stats.Deleted += n
		orphans = orphans[n:]
	}

	s.metrics.SetCatalogRecords(driverName, "asset", len(touched))
	s.metrics.ObserveRectifyDuration(driverName, time.Since(start))
	s.logger.Info("asset reconciliation completed",
		"driver", driverName, "scanned", stats.Scanned,
		"upserts", stats.Upserts, "deleted", stats.Deleted)
	return stats, nil
}

// RectifyProducts reconciles one driver's product records with its
// archive tree. Only canonically named files carrying the driver's
// sensor label count as products.
func (s *RectifyService) RectifyProducts(ctx context.Context, driverName string) (input.RectifyStats, error) {
	driver, err := s.drivers.Get(driverName)
	if err != nil {
		return input.RectifyStats{}, err
	}
	start := time.Now()
	stats := input.RectifyStats{Driver: driverName}

	knownKeys, err := s.catalog.ListProductKeys(ctx, driverName)
	if err != nil {
		return stats, err
	}
	known := make(map[domain.ProductKey]bool, len(knownKeys))
	for _, k := range knownKeys {
		known[k] = true
	}

	touched := make(map[domain.ProductKey]string)
	var batch []domain.ProductRecord
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.catalog.UpsertProducts(ctx, batch); err != nil {
			return err
		}
		stats.Upserts += len(batch)
		batch = batch[:0]
		return nil
	}

	err = s.walk(ctx, driver, func(path string) error {
		if driver.MatchesAssetName(path) {
			return nil
		}
		rec, err := driver.ParseProductName(path)
		if err != nil {
			// Foreign files in the tree are not products.
			var perr *domain.ParseError
			if errors.As(err, &perr) {
				return nil
			}
			return err
		}
		if rec.Sensor != driver.Sensor {
			return nil
		}
		stats.Scanned++

		if prev, dup := touched[rec.ProductKey]; dup {
			return &domain.IntegrityError{
				Driver: driverName,
				Key:    rec.ProductKey.String(),
				Detail: "claimed by both " + prev + " and " + path,
			}
		}
		touched[rec.ProductKey] = path

		rec.Path = path
		rec.Status = domain.StatusComplete
		batch = append(batch, rec)
		if len(batch) >= s.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	if err := flush(); err != nil {
		return stats, err
	}

	var orphans []domain.ProductKey
	for key := range known {
		if _, ok := touched[key]; !ok {
			orphans = append(orphans, key)
		}
	}
	for len(orphans) > 0 {
		n := min(len(orphans), s.batchSize)
		if err := s.catalog.DeleteProducts(ctx, orphans[:n]); err != nil {
			return stats, err
		}
		stats.Deleted += n
		orphans = orphans[n:]
	}

	s.metrics.SetCatalogRecords(driverName, "product", len(touched))
	s.metrics.ObserveRectifyDuration(driverName, time.Since(start))
	s.logger.Info("product reconciliation completed",
		"driver", driverName, "scanned", stats.Scanned,
		"upserts", stats.Upserts, "deleted", stats.Deleted)
	return stats, nil
}

// RectifyAll runs both passes for every configured driver. One
// driver's fault never touches the others; the first error is
// returned after all drivers ran.
func (s *RectifyService) RectifyAll(ctx context.Context) error {
	var firstErr error
	for _, name := range s.drivers.Names() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.RectifyAssets(ctx, name); err != nil {
			s.logger.Error("asset reconciliation failed", "driver", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := s.RectifyProducts(ctx, name); err != nil {
			s.logger.Error("product reconciliation failed", "driver", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// walk visits every regular file under the driver's tile root. A
// missing tile root is an empty tree, not an error.
func (s *RectifyService) walk(ctx context.Context, driver *domain.DriverSpec, visit func(path string) error) error {
	root := driver.TileRoot(s.archiveRoot)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		return visit(path)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
