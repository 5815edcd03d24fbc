package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/output"
)

// Located pairs a provider hit with the provider that produced it.
type Located struct {
	Provider string
	Result   output.ProviderResult
}

// AssetService acquires vendor source files and commits them into the
// canonical archive tree and the catalog.
type AssetService struct {
	drivers   Drivers
	providers Providers
	catalog   output.Catalog
	metrics   output.MetricsCollector
	logger    *slog.Logger

	archiveRoot  string
	stageDir     string
	fetchTimeout time.Duration
}

// NewAssetService creates an asset service. A zero fetchTimeout leaves
// fetches bounded only by the caller's context.
func NewAssetService(
	drivers Drivers,
	providers Providers,
	catalog output.Catalog,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	archiveRoot, stageDir string,
	fetchTimeout time.Duration,
) *AssetService {
	return &AssetService{
		drivers:      drivers,
		providers:    providers,
		catalog:      catalog,
		metrics:      metrics,
		logger:       logger,
		archiveRoot:  archiveRoot,
		stageDir:     stageDir,
		fetchTimeout: fetchTimeout,
	}
}

// Query returns the catalog record for an asset key, or nil when the
// key is unknown.
func (s *AssetService) Query(ctx context.Context, key domain.AssetKey) (*domain.AssetRecord, error) {
	return s.catalog.GetAsset(ctx, key)
}

// Locate asks the driver's providers for the asset key in configured
// order. A provider failure is logged and the next provider is tried;
// a nil result means at least one provider answered and none has the
// data. When every provider fails the last error is returned.
func (s *AssetService) Locate(ctx context.Context, driverName, assetType, tile string, date domain.Date) (*Located, error) {
	driver, err := s.drivers.Get(driverName)
	if err != nil {
		return nil, err
	}
	if driver.AssetType(assetType) == nil {
		return nil, fmt.Errorf("driver %s: asset type %q: %w", driverName, assetType, domain.ErrNotFound)
	}

	var lastErr error
	answered := false
	for _, provName := range driver.Providers {
		prov, err := s.providers.Get(provName)
		if err != nil {
			return nil, err
		}

		result, err := prov.Locate(ctx, assetType, tile, date)
		if err != nil {
			s.logger.Warn("provider locate failed, trying next",
				"provider", provName, "driver", driverName,
				"type", assetType, "tile", tile, "date", date, "error", err)
			s.metrics.IncProviderErrors(provName)
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if result != nil {
			return &Located{Provider: provName, Result: *result}, nil
		}
		answered = true
	}

	// Absence needs at least one provider to have answered. A pass in
	// which every attempt failed is a failure, not absence.
	if lastErr != nil && !answered {
		return nil, lastErr
	}
	return nil, nil
}

// Fetch acquires one asset key: locate, download into a private temp
// dir, validate, then commit into the archive and catalog. Returns the
// outcome (fetched, present or absent) and the committed record when
// one exists.
func (s *AssetService) Fetch(ctx context.Context, driverName, assetType, tile string, date domain.Date) (string, *domain.AssetRecord, error) {
	start := time.Now()
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}
	outcome, rec, err := s.fetch(ctx, driverName, assetType, tile, date)
	if err != nil {
		outcome = output.OutcomeFailed
	}
	s.metrics.IncFetch(driverName, outcome)
	s.metrics.ObserveFetchDuration(driverName, time.Since(start))
	return outcome, rec, err
}

func (s *AssetService) fetch(ctx context.Context, driverName, assetType, tile string, date domain.Date) (string, *domain.AssetRecord, error) {
	driver, err := s.drivers.Get(driverName)
	if err != nil {
		return "", nil, err
	}

	key := domain.AssetKey{Driver: driverName, AssetType: assetType, Tile: tile, Date: date}
	existing, err := s.catalog.GetAsset(ctx, key)
	if err != nil {
		return "", nil, err
	}
	if existing != nil && existing.Status == domain.StatusComplete && fileExists(existing.Path) {
		return output.OutcomePresent, existing, nil
	}

	located, err := s.Locate(ctx, driverName, assetType, tile, date)
	if err != nil {
		return "", nil, err
	}
	if located == nil {
		return output.OutcomeAbsent, nil, nil
	}

	// Each fetch downloads into its own temp dir so concurrent fetches
	// and aborted downloads never collide in the stage.
	if err := os.MkdirAll(s.stageDir, 0750); err != nil {
		return "", nil, err
	}
	tmpDir, err := os.MkdirTemp(s.stageDir, ".fetch-")
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	prov, err := s.providers.Get(located.Provider)
	if err != nil {
		return "", nil, err
	}

	tmpPath := filepath.Join(tmpDir, located.Result.Name)
	if err := prov.Download(ctx, located.Result.Locator, tmpPath); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return output.OutcomeAbsent, nil, nil
		}
		s.metrics.IncProviderErrors(located.Provider)
		return "", nil, err
	}

	rec, err := s.validate(driver, key, tmpPath)
	if err != nil {
		return "", nil, err
	}
	if rec == nil {
		return output.OutcomeAbsent, nil, nil
	}

	committed, err := s.commit(ctx, driver, *rec, tmpPath)
	if err != nil {
		return "", nil, err
	}

	s.logger.Info("asset fetched",
		"driver", driverName, "type", assetType, "tile", tile, "date", date,
		"provider", located.Provider, "path", committed.Path)
	return output.OutcomeFetched, committed, nil
}

// validate checks a downloaded file before it enters the archive. A
// file that fails the sanity filter (unparseable name, size below the
// driver's floor) is discarded and reported as nil: the download did
// not produce the asset. A file that parses to a different key is an
// integrity fault.
func (s *AssetService) validate(driver *domain.DriverSpec, key domain.AssetKey, path string) (*domain.AssetRecord, error) {
	rec, err := driver.ParseAssetName(path)
	if err != nil {
		s.logger.Warn("discarding download with foreign name",
			"driver", driver.Name, "key", key.String(), "name", filepath.Base(path), "error", err)
		return nil, nil
	}
	if rec.AssetKey != key {
		return nil, &domain.IntegrityError{
			Driver: driver.Name,
			Key:    key.String(),
			Detail: fmt.Sprintf("downloaded file parses to %s", rec.AssetKey),
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	minSize := driver.AssetType(key.AssetType).MinSize
	if info.Size() == 0 || info.Size() < minSize {
		s.logger.Warn("discarding undersized download",
			"driver", driver.Name, "key", key.String(), "size", info.Size(), "floor", minSize)
		return nil, nil
	}
	return &rec, nil
}

// Commit moves a staged file into the canonical archive location and
// records it in the catalog. The filename alone carries the identity.
func (s *AssetService) Commit(ctx context.Context, driverName, srcPath string) (*domain.AssetRecord, error) {
	driver, err := s.drivers.Get(driverName)
	if err != nil {
		return nil, err
	}
	rec, err := driver.ParseAssetName(srcPath)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, driver, rec, srcPath)
}

func (s *AssetService) commit(ctx context.Context, driver *domain.DriverSpec, rec domain.AssetRecord, srcPath string) (*domain.AssetRecord, error) {
	dest := driver.AssetPath(s.archiveRoot, rec, srcPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		s.metrics.IncCommit(driver.Name, "asset", false)
		return nil, err
	}
	if err := moveFile(srcPath, dest); err != nil {
		s.metrics.IncCommit(driver.Name, "asset", false)
		return nil, err
	}

	rec.Path = dest
	rec.Status = domain.StatusComplete
	if err := s.catalog.UpsertAsset(ctx, rec); err != nil {
		s.metrics.IncCommit(driver.Name, "asset", false)
		return nil, err
	}

	s.metrics.IncCommit(driver.Name, "asset", true)
	return &rec, nil
}

// FetchBest tries the driver's asset flavors in preference order and
// returns the outcome of the first flavor that is present or fetched.
// Absence means no flavor could be acquired.
func (s *AssetService) FetchBest(ctx context.Context, driverName, tile string, date domain.Date) (string, *domain.AssetRecord, error) {
	driver, err := s.drivers.Get(driverName)
	if err != nil {
		return "", nil, err
	}

	var lastErr error
	for _, assetType := range driver.Preference() {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		outcome, rec, err := s.Fetch(ctx, driverName, assetType, tile, date)
		if err != nil {
			s.logger.Warn("flavor fetch failed, trying next",
				"driver", driverName, "type", assetType, "tile", tile, "date", date, "error", err)
			lastErr = err
			continue
		}
		if outcome != output.OutcomeAbsent {
			return outcome, rec, nil
		}
	}
	if lastErr != nil {
		return output.OutcomeFailed, nil, lastErr
	}
	return output.OutcomeAbsent, nil, nil
}

// moveFile renames src to dest, falling back to copy-and-remove when
// the two live on different filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src) //#nosec G304 -- src is a controlled local path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dest) //#nosec G304 -- dest is a controlled local path
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
