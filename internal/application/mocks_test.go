package application

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/output"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDriverSpec(t *testing.T) *domain.DriverSpec {
	t.Helper()
	spec := &domain.DriverSpec{
		Name:      "modax",
		Sensor:    "SNS",
		Extension: ".tif",
		AssetTypes: []domain.AssetTypeSpec{
			{Name: "raw", Pattern: `^MX_(?P<tile>[A-Z0-9]+)_(?P<date>\d{7})_raw\.hdf$`},
			{Name: "corrected", Pattern: `^MX_(?P<tile>[A-Z0-9]+)_(?P<date>\d{7})_corrected\.hdf$`},
		},
		AssetPreference: []string{"corrected", "raw"},
		Providers:       []string{"prov"},
		Products: []domain.ProductSpec{
			{Name: "ndvi", Category: domain.CategoryIndex},
			{Name: "refl", Category: domain.CategoryStandard, Sources: []string{"corrected"}},
		},
	}
	if err := spec.Compile(); err != nil {
		t.Fatalf("compile driver spec: %v", err)
	}
	return spec
}

func writeSeedFile(t *testing.T, dir, name string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func mustDate(t *testing.T, s string) domain.Date {
	t.Helper()
	d, err := domain.ParseDate(s)
	if err != nil {
		t.Fatalf("parse date %q: %v", s, err)
	}
	return d
}

// mockCatalog implements output.Catalog in memory for testing.
type mockCatalog struct {
	mu       sync.Mutex
	assets   map[domain.AssetKey]domain.AssetRecord
	products map[domain.ProductKey]domain.ProductRecord

	getAssetErr   error
	upsertErr     error
	assetBatches  int
	deletedAssets int
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		assets:   make(map[domain.AssetKey]domain.AssetRecord),
		products: make(map[domain.ProductKey]domain.ProductRecord),
	}
}

func (m *mockCatalog) UpsertAsset(_ context.Context, rec domain.AssetRecord) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[rec.AssetKey] = rec
	return nil
}

func (m *mockCatalog) UpsertAssets(ctx context.Context, recs []domain.AssetRecord) error {
	m.mu.Lock()
	m.assetBatches++
	m.mu.Unlock()
	for _, rec := range recs {
		if err := m.UpsertAsset(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockCatalog) GetAsset(_ context.Context, key domain.AssetKey) (*domain.AssetRecord, error) {
	if m.getAssetErr != nil {
		return nil, m.getAssetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.assets[key]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *mockCatalog) SearchAssets(_ context.Context, c output.Criteria) ([]domain.AssetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AssetRecord
	for _, rec := range m.assets {
		if c.Driver != "" && rec.Driver != c.Driver {
			continue
		}
		if c.Type != "" && rec.AssetType != c.Type {
			continue
		}
		if c.Tile != "" && rec.Tile != c.Tile {
			continue
		}
		if c.From != nil && rec.Date.Before(*c.From) {
			continue
		}
		if c.To != nil && rec.Date.After(*c.To) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *mockCatalog) ListAssetKeys(_ context.Context, driver string) ([]domain.AssetKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []domain.AssetKey
	for key := range m.assets {
		if key.Driver == driver {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *mockCatalog) DeleteAssets(_ context.Context, keys []domain.AssetKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.assets, key)
		m.deletedAssets++
	}
	return nil
}

func (m *mockCatalog) UpsertProduct(_ context.Context, rec domain.ProductRecord) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[rec.ProductKey] = rec
	return nil
}

func (m *mockCatalog) UpsertProducts(ctx context.Context, recs []domain.ProductRecord) error {
	for _, rec := range recs {
		if err := m.UpsertProduct(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockCatalog) GetProduct(_ context.Context, key domain.ProductKey) (*domain.ProductRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.products[key]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *mockCatalog) SearchProducts(_ context.Context, c output.Criteria) ([]domain.ProductRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProductRecord
	for _, rec := range m.products {
		if c.Driver != "" && rec.Driver != c.Driver {
			continue
		}
		if c.Type != "" && rec.Product != c.Type {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *mockCatalog) ListProductKeys(_ context.Context, driver string) ([]domain.ProductKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []domain.ProductKey
	for key := range m.products {
		if key.Driver == driver {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *mockCatalog) DeleteProducts(_ context.Context, keys []domain.ProductKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.products, key)
	}
	return nil
}

func (m *mockCatalog) ListTiles(_ context.Context, driver string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var tiles []string
	for key := range m.assets {
		if key.Driver == driver && !seen[key.Tile] {
			seen[key.Tile] = true
			tiles = append(tiles, key.Tile)
		}
	}
	sort.Strings(tiles)
	return tiles, nil
}

func (m *mockCatalog) ListDates(_ context.Context, driver, tile string) ([]domain.Date, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[domain.Date]bool)
	var dates []domain.Date
	for key := range m.assets {
		if key.Driver == driver && key.Tile == tile && !seen[key.Date] {
			seen[key.Date] = true
			dates = append(dates, key.Date)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

func (m *mockCatalog) Close() error { return nil }

// mockProvider implements output.Provider for testing. Remote files
// are declared as name -> content; Locate matches on exact name.
type mockProvider struct {
	name      string
	files     map[string]string // filename -> content
	locateErr error
	dlErr     error

	mu          sync.Mutex
	locateCalls int
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Locate(_ context.Context, assetType, tile string, date domain.Date) (*output.ProviderResult, error) {
	m.mu.Lock()
	m.locateCalls++
	m.mu.Unlock()
	if m.locateErr != nil {
		return nil, m.locateErr
	}
	want := "MX_" + tile + "_" + date.Julian() + "_" + assetType + ".hdf"
	if _, ok := m.files[want]; !ok {
		return nil, nil
	}
	return &output.ProviderResult{Name: want, Locator: "/remote/" + want}, nil
}

func (m *mockProvider) Download(_ context.Context, locator, dest string) error {
	if m.dlErr != nil {
		return m.dlErr
	}
	name := locator[len("/remote/"):]
	content, ok := m.files[name]
	if !ok {
		return domain.ErrNotFound
	}
	return os.WriteFile(dest, []byte(content), 0600)
}

// mockTransform implements Transform for testing. It copies the source
// file to the destination, or fails on demand.
type mockTransform struct {
	name    string
	fail    bool
	applied []string
	mu      sync.Mutex
}

func (m *mockTransform) Name() string { return m.name }

func (m *mockTransform) Apply(_ context.Context, req TransformRequest) error {
	m.mu.Lock()
	m.applied = append(m.applied, req.Product)
	m.mu.Unlock()
	if m.fail {
		return domain.ErrUnsupported
	}
	data, err := os.ReadFile(req.SourcePath)
	if err != nil {
		return err
	}
	return os.WriteFile(req.DestPath, data, 0600)
}
