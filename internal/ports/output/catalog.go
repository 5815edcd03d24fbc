package output

import (
	"context"

	"github.com/terracat/terracat/internal/domain"
)

// Criteria filters catalog searches. Zero-valued fields match
// everything; From/To bound the date inclusively when set.
type Criteria struct {
	Driver string
	Type   string // asset type or product type
	Sensor string
	Tile   string
	From   *domain.Date
	To     *domain.Date
}

// Catalog is the secondary port for the durable (driver, type, tile,
// date) index. Get methods return (nil, nil) for absent keys. Upserts
// are idempotent: a second commit for an existing key updates the row.
// Batch operations run in a single transaction each.
type Catalog interface {
	UpsertAsset(ctx context.Context, rec domain.AssetRecord) error
	UpsertAssets(ctx context.Context, recs []domain.AssetRecord) error
	GetAsset(ctx context.Context, key domain.AssetKey) (*domain.AssetRecord, error)
	SearchAssets(ctx context.Context, c Criteria) ([]domain.AssetRecord, error)
	ListAssetKeys(ctx context.Context, driver string) ([]domain.AssetKey, error)
	DeleteAssets(ctx context.Context, keys []domain.AssetKey) error

	UpsertProduct(ctx context.Context, rec domain.ProductRecord) error
	UpsertProducts(ctx context.Context, recs []domain.ProductRecord) error
	GetProduct(ctx context.Context, key domain.ProductKey) (*domain.ProductRecord, error)
	SearchProducts(ctx context.Context, c Criteria) ([]domain.ProductRecord, error)
	ListProductKeys(ctx context.Context, driver string) ([]domain.ProductKey, error)
	DeleteProducts(ctx context.Context, keys []domain.ProductKey) error

	// ListTiles returns the distinct tiles known for a driver.
	ListTiles(ctx context.Context, driver string) ([]string, error)

	// ListDates returns the sorted distinct dates with at least one
	// asset for (driver, tile).
	ListDates(ctx context.Context, driver, tile string) ([]domain.Date, error)

	Close() error
}
