package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/output"
)

type dataFixture struct {
	svc      *DataService
	catalog  *mockCatalog
	registry *TransformRegistry
	root     string
}

func newDataFixture(t *testing.T) *dataFixture {
	t.Helper()
	root := t.TempDir()
	catalog := newMockCatalog()
	registry := NewTransformRegistry()
	svc := NewDataService(
		Drivers{"modax": testDriverSpec(t)},
		catalog, registry, output.NoOpMetrics{}, testLogger(),
		filepath.Join(root, "archive"), filepath.Join(root, "scratch"),
	)
	return &dataFixture{svc: svc, catalog: catalog, registry: registry, root: root}
}

// seedAsset puts a committed asset on disk and in the catalog.
func (f *dataFixture) seedAsset(t *testing.T, assetType, tile, dateStr string) domain.AssetRecord {
	t.Helper()
	date := mustDate(t, dateStr)
	name := "MX_" + tile + "_" + date.Julian() + "_" + assetType + ".hdf"
	dir := filepath.Join(f.root, "archive", "modax", "tiles", tile, date.Julian())
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("asset-data"), 0600); err != nil {
		t.Fatal(err)
	}
	rec := domain.AssetRecord{
		AssetKey: domain.AssetKey{Driver: "modax", AssetType: assetType, Tile: tile, Date: date},
		Sensor:   "SNS",
		Path:     path,
		Status:   domain.StatusComplete,
	}
	if err := f.catalog.UpsertAsset(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestProcessDerivesProduct(t *testing.T) {
	f := newDataFixture(t)
	f.seedAsset(t, "corrected", "AB", "2021-02-01")
	transform := &mockTransform{name: "ndvi"}
	f.registry.Register("modax", "ndvi", transform)

	date := mustDate(t, "2021-02-01")
	result, err := f.svc.Process(context.Background(), "modax", "AB", date, []string{"ndvi"}, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Derived) != 1 || result.Derived[0] != "ndvi" {
		t.Errorf("Derived = %v", result.Derived)
	}

	want := filepath.Join(f.root, "archive", "modax", "tiles", "AB", "2021032", "AB_2021032_SNS_ndvi.tif")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("product file missing: %v", err)
	}

	key := domain.ProductKey{Driver: "modax", Product: "ndvi", Sensor: "SNS", Tile: "AB", Date: date}
	rec, err := f.catalog.GetProduct(context.Background(), key)
	if err != nil || rec == nil {
		t.Fatalf("catalog record: (%v, %v)", rec, err)
	}
	if rec.Status != domain.StatusComplete {
		t.Errorf("Status = %q", rec.Status)
	}
}

func TestProcessIdempotentNoOp(t *testing.T) {
	f := newDataFixture(t)
	f.seedAsset(t, "corrected", "AB", "2021-02-01")
	transform := &mockTransform{name: "ndvi"}
	f.registry.Register("modax", "ndvi", transform)

	date := mustDate(t, "2021-02-01")
	if _, err := f.svc.Process(context.Background(), "modax", "AB", date, []string{"ndvi"}, false); err != nil {
		t.Fatal(err)
	}
	result, err := f.svc.Process(context.Background(), "modax", "AB", date, []string{"ndvi"}, false)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if len(result.Skipped) != 1 || len(result.Derived) != 0 {
		t.Errorf("second run: %+v, want one skipped, none derived", result)
	}
	if len(transform.applied) != 1 {
		t.Errorf("transform applied %d times, want 1", len(transform.applied))
	}
}

func TestProcessOverwriteRederives(t *testing.T) {
	f := newDataFixture(t)
	f.seedAsset(t, "corrected", "AB", "2021-02-01")
	transform := &mockTransform{name: "ndvi"}
	f.registry.Register("modax", "ndvi", transform)

	date := mustDate(t, "2021-02-01")
	if _, err := f.svc.Process(context.Background(), "modax", "AB", date, []string{"ndvi"}, false); err != nil {
		t.Fatal(err)
	}
	result, err := f.svc.Process(context.Background(), "modax", "AB", date, []string{"ndvi"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Derived) != 1 {
		t.Errorf("overwrite run Derived = %v", result.Derived)
	}
	if len(transform.applied) != 2 {
		t.Errorf("transform applied %d times, want 2", len(transform.applied))
	}
}

func TestProcessPrefersCorrectedFlavor(t *testing.T) {
	f := newDataFixture(t)
	f.seedAsset(t, "raw", "AB", "2021-02-01")
	corrected := f.seedAsset(t, "corrected", "AB", "2021-02-01")

	var gotSource string
	f.registry.Register("modax", "ndvi", &captureTransform{onApply: func(req TransformRequest) {
		gotSource = req.SourcePath
	}})

	_, err := f.svc.Process(context.Background(), "modax", "AB", mustDate(t, "2021-02-01"), []string{"ndvi"}, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if gotSource != corrected.Path {
		t.Errorf("source = %q, want the corrected flavor %q", gotSource, corrected.Path)
	}
}

func TestProcessIncompatibleFlavors(t *testing.T) {
	f := newDataFixture(t)
	f.seedAsset(t, "raw", "AB", "2021-02-01")

	spec := testDriverSpec(t)
	spec.Products = append(spec.Products, domain.ProductSpec{
		Name: "rawonly", Category: domain.CategoryStandard, Sources: []string{"raw"},
	})
	if err := spec.Compile(); err != nil {
		t.Fatal(err)
	}
	f.svc.drivers["modax"] = spec

	// refl needs corrected, rawonly needs raw: no single flavor serves
	// the standard-category batch.
	_, err := f.svc.Process(context.Background(), "modax", "AB", mustDate(t, "2021-02-01"),
		[]string{"refl", "rawonly"}, false)
	if !errors.Is(err, domain.ErrIncompatibleFlavors) {
		t.Errorf("err = %v, want ErrIncompatibleFlavors", err)
	}
}

func TestProcessNoUsableAsset(t *testing.T) {
	f := newDataFixture(t)
	f.registry.Register("modax", "ndvi", &mockTransform{name: "ndvi"})

	result, err := f.svc.Process(context.Background(), "modax", "AB", mustDate(t, "2021-02-01"), []string{"ndvi"}, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "ndvi" {
		t.Errorf("Failed = %v, want [ndvi]", result.Failed)
	}
}

func TestProcessContinuesPastBatchWithoutSource(t *testing.T) {
	f := newDataFixture(t)
	// Only the raw flavor exists; refl requires corrected, ndvi takes
	// any flavor.
	f.seedAsset(t, "raw", "AB", "2021-02-01")
	f.registry.Register("modax", "ndvi", &mockTransform{name: "ndvi"})
	f.registry.Register("modax", "refl", &mockTransform{name: "refl"})

	result, err := f.svc.Process(context.Background(), "modax", "AB", mustDate(t, "2021-02-01"),
		[]string{"refl", "ndvi"}, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "refl" {
		t.Errorf("Failed = %v, want [refl]", result.Failed)
	}
	if len(result.Derived) != 1 || result.Derived[0] != "ndvi" {
		t.Errorf("Derived = %v, want [ndvi]", result.Derived)
	}
}

// partialTransform writes a partial output and then reports failure.
type partialTransform struct{}

func (partialTransform) Name() string { return "partial" }

func (partialTransform) Apply(_ context.Context, req TransformRequest) error {
	if err := os.WriteFile(req.DestPath, []byte("partial bytes"), 0600); err != nil {
		return err
	}
	return domain.ErrUnsupported
}

func TestProcessFailedTransformLeavesNoArchiveFile(t *testing.T) {
	f := newDataFixture(t)
	f.seedAsset(t, "corrected", "AB", "2021-02-01")
	f.registry.Register("modax", "ndvi", partialTransform{})

	date := mustDate(t, "2021-02-01")
	result, err := f.svc.Process(context.Background(), "modax", "AB", date, []string{"ndvi"}, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "ndvi" {
		t.Errorf("Failed = %v, want [ndvi]", result.Failed)
	}

	// The partial output must stay out of the archive so readers and
	// the next reconciliation never see it.
	canonical := filepath.Join(f.root, "archive", "modax", "tiles", "AB", "2021032", "AB_2021032_SNS_ndvi.tif")
	if _, err := os.Stat(canonical); !os.IsNotExist(err) {
		t.Fatalf("partial output reached the archive at %s", canonical)
	}

	key := domain.ProductKey{Driver: "modax", Product: "ndvi", Sensor: "SNS", Tile: "AB", Date: date}
	if rec, _ := f.catalog.GetProduct(context.Background(), key); rec != nil {
		t.Errorf("failed derivation reached the catalog: %+v", rec)
	}
}

func TestProcessTransformReceivesWorkDirDest(t *testing.T) {
	f := newDataFixture(t)
	f.seedAsset(t, "corrected", "AB", "2021-02-01")

	var gotReq TransformRequest
	f.registry.Register("modax", "ndvi", &captureTransform{onApply: func(req TransformRequest) {
		gotReq = req
	}})

	if _, err := f.svc.Process(context.Background(), "modax", "AB", mustDate(t, "2021-02-01"), []string{"ndvi"}, false); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if filepath.Dir(gotReq.DestPath) != gotReq.WorkDir {
		t.Errorf("DestPath %q not inside WorkDir %q", gotReq.DestPath, gotReq.WorkDir)
	}
}

func TestProcessPartialFailure(t *testing.T) {
	f := newDataFixture(t)
	f.seedAsset(t, "corrected", "AB", "2021-02-01")
	f.registry.Register("modax", "ndvi", &mockTransform{name: "ndvi", fail: true})
	f.registry.Register("modax", "refl", &mockTransform{name: "refl"})

	result, err := f.svc.Process(context.Background(), "modax", "AB", mustDate(t, "2021-02-01"),
		[]string{"ndvi", "refl"}, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "ndvi" {
		t.Errorf("Failed = %v", result.Failed)
	}
	if len(result.Derived) != 1 || result.Derived[0] != "refl" {
		t.Errorf("Derived = %v", result.Derived)
	}
}

func TestProcessUnknownProduct(t *testing.T) {
	f := newDataFixture(t)

	_, err := f.svc.Process(context.Background(), "modax", "AB", mustDate(t, "2021-02-01"), []string{"nope"}, false)
	if !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("err = %v, want ErrProductNotFound", err)
	}
}

func TestProcessMissingTransform(t *testing.T) {
	f := newDataFixture(t)
	f.seedAsset(t, "corrected", "AB", "2021-02-01")

	result, err := f.svc.Process(context.Background(), "modax", "AB", mustDate(t, "2021-02-01"), []string{"ndvi"}, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Failed) != 1 {
		t.Errorf("Failed = %v, want the product without a transform", result.Failed)
	}
}

func TestProcessScratchCleanedUp(t *testing.T) {
	f := newDataFixture(t)
	f.seedAsset(t, "corrected", "AB", "2021-02-01")
	f.registry.Register("modax", "ndvi", &mockTransform{name: "ndvi"})

	if _, err := f.svc.Process(context.Background(), "modax", "AB", mustDate(t, "2021-02-01"), []string{"ndvi"}, false); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(f.root, "scratch"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch dir not cleaned: %v", entries)
	}
}

func TestNeededProductsGroupsByCategory(t *testing.T) {
	f := newDataFixture(t)

	batches, err := f.svc.NeededProducts(context.Background(), "modax", "AB", mustDate(t, "2021-02-01"),
		[]string{"ndvi", "refl"}, false)
	if err != nil {
		t.Fatalf("NeededProducts: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2 (one per category)", len(batches))
	}
}

// captureTransform records its requests and writes a stub output file.
type captureTransform struct {
	onApply func(TransformRequest)
}

func (c *captureTransform) Name() string { return "capture" }

func (c *captureTransform) Apply(_ context.Context, req TransformRequest) error {
	if c.onApply != nil {
		c.onApply(req)
	}
	return os.WriteFile(req.DestPath, []byte("out"), 0600)
}
