package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/output"
)

// TransformRequest carries everything a transform needs to derive one
// product file. SourcePath is the chosen source asset, WorkDir a
// scratch directory private to the processing run, DestPath the staging
// location inside WorkDir the finished product must be written to. The
// engine moves the file into the archive only after Apply succeeds, so
// archive readers never see a partial product.
type TransformRequest struct {
	Driver     *domain.DriverSpec
	Product    string
	Tile       string
	Date       domain.Date
	SourcePath string
	WorkDir    string
	DestPath   string
}

// Transform derives one product file from a source asset. The raster
// math lives behind this boundary; the engine only moves and records
// files.
type Transform interface {
	Name() string
	Apply(ctx context.Context, req TransformRequest) error
}

// TransformRegistry resolves transforms per (driver, product), with a
// product-wide fallback for transforms shared across drivers.
type TransformRegistry struct {
	mu         sync.RWMutex
	transforms map[string]Transform
}

// NewTransformRegistry creates an empty transform registry.
func NewTransformRegistry() *TransformRegistry {
	return &TransformRegistry{transforms: make(map[string]Transform)}
}

// Register binds a transform to a driver's product. An empty driver
// registers a fallback for all drivers.
func (r *TransformRegistry) Register(driver, product string, t Transform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[driver+"/"+product] = t
}

// Lookup returns the transform for (driver, product).
func (r *TransformRegistry) Lookup(driver, product string) (Transform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.transforms[driver+"/"+product]; ok {
		return t, nil
	}
	if t, ok := r.transforms["/"+product]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%s/%s: %w", driver, product, domain.ErrTransformNotFound)
}

// ProcessResult summarizes one processing run for a (tile, date).
type ProcessResult struct {
	Derived []string `json:"derived,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// DataService derives products from committed assets.
type DataService struct {
	drivers    Drivers
	catalog    output.Catalog
	transforms *TransformRegistry
	metrics    output.MetricsCollector
	logger     *slog.Logger

	archiveRoot string
	scratchDir  string
}

// NewDataService creates a data service.
func NewDataService(
	drivers Drivers,
	catalog output.Catalog,
	transforms *TransformRegistry,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	archiveRoot, scratchDir string,
) *DataService {
	return &DataService{
		drivers:     drivers,
		catalog:     catalog,
		transforms:  transforms,
		metrics:     metrics,
		logger:      logger,
		archiveRoot: archiveRoot,
		scratchDir:  scratchDir,
	}
}

// QueryProduct returns the catalog record for a product key, or nil
// when the key is unknown.
func (s *DataService) QueryProduct(ctx context.Context, key domain.ProductKey) (*domain.ProductRecord, error) {
	return s.catalog.GetProduct(ctx, key)
}

// NeededProducts filters the requested products down to the ones that
// still need deriving for (tile, date), grouped by category so that
// same-category products run in one batch. With overwrite set, nothing
// is filtered.
func (s *DataService) NeededProducts(ctx context.Context, driverName, tile string, date domain.Date, requested []string, overwrite bool) ([][]string, error) {
	driver, err := s.drivers.Get(driverName)
	if err != nil {
		return nil, err
	}

	byCategory := make(map[string][]string)
	var order []string
	for _, name := range requested {
		spec := driver.Product(name)
		if spec == nil {
			return nil, fmt.Errorf("driver %s: %q: %w", driverName, name, domain.ErrProductNotFound)
		}

		if !overwrite {
			key := domain.ProductKey{
				Driver: driverName, Product: name, Sensor: driver.Sensor,
				Tile: tile, Date: date,
			}
			rec, err := s.catalog.GetProduct(ctx, key)
			if err != nil {
				return nil, err
			}
			if rec != nil && rec.Status == domain.StatusComplete && fileExists(rec.Path) {
				continue
			}
		}

		if _, seen := byCategory[spec.Category]; !seen {
			order = append(order, spec.Category)
		}
		byCategory[spec.Category] = append(byCategory[spec.Category], name)
	}

	batches := make([][]string, 0, len(order))
	for _, cat := range order {
		batches = append(batches, byCategory[cat])
	}
	return batches, nil
}

// Process derives the requested products for (tile, date). A no-op
// when everything is already present. The source asset flavor is
// chosen once per batch over the driver's preference order; one
// product's failure is recorded and the rest of the batch continues.
func (s *DataService) Process(ctx context.Context, driverName, tile string, date domain.Date, requested []string, overwrite bool) (*ProcessResult, error) {
	driver, err := s.drivers.Get(driverName)
	if err != nil {
		return nil, err
	}

	batches, err := s.NeededProducts(ctx, driverName, tile, date, requested, overwrite)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{}
	if len(batches) == 0 {
		result.Skipped = append(result.Skipped, requested...)
		return result, nil
	}
	needed := make(map[string]bool)
	for _, batch := range batches {
		for _, name := range batch {
			needed[name] = true
		}
	}
	for _, name := range requested {
		if !needed[name] {
			result.Skipped = append(result.Skipped, name)
		}
	}

	for _, batch := range batches {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := s.processBatch(ctx, driver, tile, date, batch, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// processBatch derives one same-category batch from a single source
// asset flavor.
func (s *DataService) processBatch(ctx context.Context, driver *domain.DriverSpec, tile string, date domain.Date, batch []string, result *ProcessResult) error {
	source, err := s.selectSource(ctx, driver, tile, date, batch)
	if err != nil {
		// A batch with no usable source fails alone; other categories
		// may still be derivable from a different flavor. Flavor
		// incompatibility is a configuration fault and stays hard.
		if errors.Is(err, domain.ErrIncompatibleFlavors) {
			return err
		}
		s.logger.Error("no source asset for batch",
			"driver", driver.Name, "tile", tile, "date", date, "products", batch, "error", err)
		for _, name := range batch {
			s.metrics.IncCommit(driver.Name, "product", false)
			result.Failed = append(result.Failed, name)
		}
		return nil
	}

	if err := os.MkdirAll(s.scratchDir, 0750); err != nil {
		return err
	}
	workDir, err := os.MkdirTemp(s.scratchDir, "process-")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	for _, name := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.deriveOne(ctx, driver, tile, date, name, source, workDir); err != nil {
			s.logger.Error("product derivation failed",
				"driver", driver.Name, "product", name, "tile", tile, "date", date, "error", err)
			s.metrics.IncCommit(driver.Name, "product", false)
			result.Failed = append(result.Failed, name)
			continue
		}
		result.Derived = append(result.Derived, name)
	}
	return nil
}

// selectSource picks the source asset for a batch: the first flavor in
// the driver's preference order that every product in the batch can be
// derived from and that has a committed asset on disk. Flavor
// preference is independent from provider ordering.
func (s *DataService) selectSource(ctx context.Context, driver *domain.DriverSpec, tile string, date domain.Date, batch []string) (*domain.AssetRecord, error) {
	compatible := func(assetType string) bool {
		for _, name := range batch {
			if !driver.Product(name).CompatibleWith(assetType) {
				return false
			}
		}
		return true
	}

	anyCompatible := false
	for _, assetType := range driver.Preference() {
		if !compatible(assetType) {
			continue
		}
		anyCompatible = true

		key := domain.AssetKey{Driver: driver.Name, AssetType: assetType, Tile: tile, Date: date}
		rec, err := s.catalog.GetAsset(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.Status == domain.StatusComplete && fileExists(rec.Path) {
			return rec, nil
		}
	}

	if !anyCompatible {
		return nil, fmt.Errorf("driver %s: products %v: %w", driver.Name, batch, domain.ErrIncompatibleFlavors)
	}
	return nil, fmt.Errorf("driver %s: %s/%s: %w", driver.Name, tile, date, domain.ErrNoUsableAsset)
}

func (s *DataService) deriveOne(ctx context.Context, driver *domain.DriverSpec, tile string, date domain.Date, product string, source *domain.AssetRecord, workDir string) error {
	transform, err := s.transforms.Lookup(driver.Name, product)
	if err != nil {
		return err
	}

	// The transform writes into the work dir; a failed Apply leaves
	// nothing at the canonical path.
	staged := filepath.Join(workDir, driver.ProductFileName(tile, date, product))
	err = transform.Apply(ctx, TransformRequest{
		Driver:     driver,
		Product:    product,
		Tile:       tile,
		Date:       date,
		SourcePath: source.Path,
		WorkDir:    workDir,
		DestPath:   staged,
	})
	if err != nil {
		return err
	}

	info, err := os.Stat(staged)
	if err != nil {
		return fmt.Errorf("transform %s left no output at %s: %w", transform.Name(), staged, err)
	}
	if info.Size() == 0 {
		return &domain.IntegrityError{Driver: driver.Name, Key: staged, Detail: "transform produced empty file"}
	}

	dest := driver.ProductPath(s.archiveRoot, tile, date, product)
	if err := os.MkdirAll(driver.ArchiveDir(s.archiveRoot, tile, date), 0750); err != nil {
		return err
	}
	if err := moveFile(staged, dest); err != nil {
		return err
	}

	rec := domain.ProductRecord{
		ProductKey: domain.ProductKey{
			Driver: driver.Name, Product: product, Sensor: driver.Sensor,
			Tile: tile, Date: date,
		},
		Path:   dest,
		Status: domain.StatusComplete,
	}
	if err := s.catalog.UpsertProduct(ctx, rec); err != nil {
		return err
	}

	s.metrics.IncCommit(driver.Name, "product", true)
	s.logger.Info("product derived",
		"driver", driver.Name, "product", product, "tile", tile, "date", date, "path", dest)
	return nil
}
