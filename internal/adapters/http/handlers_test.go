package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/terracat/terracat/internal/application"
	"github.com/terracat/terracat/internal/config"
	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/output"
)

// stubCatalog implements output.Catalog in memory for handler tests.
type stubCatalog struct {
	assets   map[domain.AssetKey]domain.AssetRecord
	products map[domain.ProductKey]domain.ProductRecord
}

func newStubCatalog() *stubCatalog {
	return &stubCatalog{
		assets:   make(map[domain.AssetKey]domain.AssetRecord),
		products: make(map[domain.ProductKey]domain.ProductRecord),
	}
}

func (c *stubCatalog) UpsertAsset(_ context.Context, rec domain.AssetRecord) error {
	c.assets[rec.AssetKey] = rec
	return nil
}

func (c *stubCatalog) UpsertAssets(ctx context.Context, recs []domain.AssetRecord) error {
	for _, rec := range recs {
		_ = c.UpsertAsset(ctx, rec)
	}
	return nil
}

func (c *stubCatalog) GetAsset(_ context.Context, key domain.AssetKey) (*domain.AssetRecord, error) {
	if rec, ok := c.assets[key]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (c *stubCatalog) SearchAssets(_ context.Context, crit output.Criteria) ([]domain.AssetRecord, error) {
	var out []domain.AssetRecord
	for _, rec := range c.assets {
		if crit.Driver != "" && rec.Driver != crit.Driver {
			continue
		}
		if crit.Type != "" && rec.AssetType != crit.Type {
			continue
		}
		if crit.Tile != "" && rec.Tile != crit.Tile {
			continue
		}
		if crit.From != nil && rec.Date.Before(*crit.From) {
			continue
		}
		if crit.To != nil && rec.Date.After(*crit.To) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *stubCatalog) ListAssetKeys(_ context.Context, driver string) ([]domain.AssetKey, error) {
	var keys []domain.AssetKey
	for key := range c.assets {
		if key.Driver == driver {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (c *stubCatalog) DeleteAssets(_ context.Context, keys []domain.AssetKey) error {
	for _, key := range keys {
		delete(c.assets, key)
	}
	return nil
}

func (c *stubCatalog) UpsertProduct(_ context.Context, rec domain.ProductRecord) error {
	c.products[rec.ProductKey] = rec
	return nil
}

func (c *stubCatalog) UpsertProducts(ctx context.Context, recs []domain.ProductRecord) error {
	for _, rec := range recs {
		_ = c.UpsertProduct(ctx, rec)
	}
	return nil
}

func (c *stubCatalog) GetProduct(_ context.Context, key domain.ProductKey) (*domain.ProductRecord, error) {
	if rec, ok := c.products[key]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (c *stubCatalog) SearchProducts(_ context.Context, crit output.Criteria) ([]domain.ProductRecord, error) {
	var out []domain.ProductRecord
	for _, rec := range c.products {
		if crit.Driver != "" && rec.Driver != crit.Driver {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *stubCatalog) ListProductKeys(_ context.Context, driver string) ([]domain.ProductKey, error) {
	var keys []domain.ProductKey
	for key := range c.products {
		if key.Driver == driver {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (c *stubCatalog) DeleteProducts(_ context.Context, keys []domain.ProductKey) error {
	for _, key := range keys {
		delete(c.products, key)
	}
	return nil
}

func (c *stubCatalog) ListTiles(_ context.Context, driver string) ([]string, error) {
	seen := make(map[string]bool)
	var tiles []string
	for key := range c.assets {
		if key.Driver == driver && !seen[key.Tile] {
			seen[key.Tile] = true
			tiles = append(tiles, key.Tile)
		}
	}
	sort.Strings(tiles)
	return tiles, nil
}

func (c *stubCatalog) ListDates(_ context.Context, driver, tile string) ([]domain.Date, error) {
	var dates []domain.Date
	for key := range c.assets {
		if key.Driver == driver && key.Tile == tile {
			dates = append(dates, key.Date)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

func (c *stubCatalog) Close() error { return nil }

type testEnv struct {
	server  *Server
	catalog *stubCatalog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	spec := &domain.DriverSpec{
		Name:   "modax",
		Sensor: "SNS",
		AssetTypes: []domain.AssetTypeSpec{
			{Name: "raw", Pattern: `^MX_(?P<tile>[A-Z0-9]+)_(?P<date>\d{7})_raw\.hdf$`},
		},
		Providers: []string{"prov"},
		Products:  []domain.ProductSpec{{Name: "ndvi", Category: domain.CategoryIndex}},
	}
	if err := spec.Compile(); err != nil {
		t.Fatal(err)
	}
	drivers := application.Drivers{"modax": spec}

	catalog := newStubCatalog()
	root := t.TempDir()

	assets := application.NewAssetService(
		drivers, application.Providers{}, catalog, output.NoOpMetrics{}, logger,
		root+"/archive", root+"/stage", 0,
	)
	data := application.NewDataService(
		drivers, catalog, application.NewTransformRegistry(), output.NoOpMetrics{}, logger,
		root+"/archive", root+"/scratch",
	)
	inventory := application.NewInventoryService(drivers, catalog, assets, data, logger, 2)
	rectify := application.NewRectifyService(drivers, catalog, output.NoOpMetrics{}, logger, root+"/archive", 0)
	scheduler := application.NewRectifyScheduler(rectify, time.Hour, logger)
	health := application.NewHealthService(drivers, catalog)

	srv := NewServer(
		config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		inventory, catalog, drivers, health, scheduler, logger,
	)
	return &testEnv{server: srv, catalog: catalog}
}

func (e *testEnv) seedAsset(t *testing.T, assetType, tile, dateStr string) {
	t.Helper()
	d, err := domain.ParseDate(dateStr)
	if err != nil {
		t.Fatal(err)
	}
	rec := domain.AssetRecord{
		AssetKey: domain.AssetKey{Driver: "modax", AssetType: assetType, Tile: tile, Date: d},
		Sensor:   "SNS",
		Path:     "/archive/" + tile,
		Status:   domain.StatusComplete,
	}
	if err := e.catalog.UpsertAsset(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		w := e.do(t, http.MethodGet, path, "")
		if w.Code != http.StatusOK {
			t.Errorf("%s: status %d", path, w.Code)
		}
	}
}

func TestListDrivers(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/drivers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["count"].(float64) != 1 {
		t.Errorf("count = %v", body["count"])
	}
}

func TestGetDriverNotFound(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/drivers/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", w.Code)
	}
}

func TestListTiles(t *testing.T) {
	e := newTestEnv(t)
	e.seedAsset(t, "raw", "AB", "2021-02-01")
	e.seedAsset(t, "raw", "CD", "2021-02-01")

	w := e.do(t, http.MethodGet, "/api/v1/drivers/modax/tiles", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["count"].(float64) != 2 {
		t.Errorf("count = %v", body["count"])
	}
}

func TestListDates(t *testing.T) {
	e := newTestEnv(t)
	e.seedAsset(t, "raw", "AB", "2021-02-01")
	e.seedAsset(t, "raw", "AB", "2021-02-03")

	w := e.do(t, http.MethodGet, "/api/v1/drivers/modax/tiles/AB/dates", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	body := decodeBody(t, w)
	dates := body["dates"].([]interface{})
	if len(dates) != 2 || dates[0].(string) != "2021-02-01" {
		t.Errorf("dates = %v", dates)
	}
}

func TestSearchAssets(t *testing.T) {
	e := newTestEnv(t)
	e.seedAsset(t, "raw", "AB", "2021-02-01")
	e.seedAsset(t, "raw", "CD", "2021-02-02")

	w := e.do(t, http.MethodGet, "/api/v1/assets?driver=modax&tile=AB", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["count"].(float64) != 1 {
		t.Errorf("count = %v, body %v", body["count"], body)
	}
}

func TestSearchAssetsInvalidDate(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/assets?from=banana", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestInventoryEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.seedAsset(t, "raw", "AB", "2021-02-01")

	w := e.do(t, http.MethodPost, "/api/v1/inventory",
		`{"driver":"modax","tiles":["AB"],"from":"2021-02-01","to":"2021-02-03"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	tiles := body["tiles"].(map[string]interface{})
	if dates := tiles["AB"].([]interface{}); len(dates) != 1 {
		t.Errorf("AB dates = %v", dates)
	}
}

func TestInventoryEndpointBadBody(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/inventory", `{"driver":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestInventoryEndpointUnknownDriver(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/inventory",
		`{"driver":"nope","from":"2021-02-01","to":"2021-02-01"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", w.Code)
	}
}

func TestRectifyTriggerRateLimit(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/rectify/modax", "")
	if w.Code != http.StatusOK {
		t.Fatalf("first trigger status %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/api/v1/rectify/modax", "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second trigger status %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}
