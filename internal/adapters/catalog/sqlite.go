// Package catalog provides the SQLite-backed durable index of assets
// and products.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/output"
)

const schema = `
CREATE TABLE IF NOT EXISTS assets (
	driver     TEXT NOT NULL,
	asset_type TEXT NOT NULL,
	sensor     TEXT NOT NULL,
	tile       TEXT NOT NULL,
	date       TEXT NOT NULL,
	path       TEXT NOT NULL,
	status     TEXT NOT NULL,
	UNIQUE (driver, asset_type, tile, date)
);
CREATE INDEX IF NOT EXISTS idx_assets_driver_tile ON assets (driver, tile, date);

CREATE TABLE IF NOT EXISTS products (
	driver  TEXT NOT NULL,
	product TEXT NOT NULL,
	sensor  TEXT NOT NULL,
	tile    TEXT NOT NULL,
	date    TEXT NOT NULL,
	path    TEXT NOT NULL,
	status  TEXT NOT NULL,
	UNIQUE (driver, product, sensor, tile, date)
);
CREATE INDEX IF NOT EXISTS idx_products_driver_tile ON products (driver, tile, date);
`

// Store implements the Catalog port on a single SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, err
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &domain.CatalogError{Operation: "open", Err: err}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &domain.CatalogError{Operation: "open", Err: err}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, &domain.CatalogError{Operation: "migrate", Err: err}
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const upsertAssetSQL = `
INSERT INTO assets (driver, asset_type, sensor, tile, date, path, status)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (driver, asset_type, tile, date)
DO UPDATE SET sensor = excluded.sensor, path = excluded.path, status = excluded.status`

// UpsertAsset inserts or updates one asset record.
func (s *Store) UpsertAsset(ctx context.Context, rec domain.AssetRecord) error {
	_, err := s.db.ExecContext(ctx, upsertAssetSQL,
		rec.Driver, rec.AssetType, rec.Sensor, rec.Tile, rec.Date.String(), rec.Path, string(rec.Status))
	if err != nil {
		return &domain.CatalogError{Operation: "upsert asset", Key: rec.AssetKey.String(), Err: err}
	}
	return nil
}

// UpsertAssets inserts or updates a batch of asset records in one
// transaction. Reconciliation relies on this to keep lock-hold time
// bounded regardless of collection size.
func (s *Store) UpsertAssets(ctx context.Context, recs []domain.AssetRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.inTx(ctx, "upsert assets", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertAssetSQL)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, rec := range recs {
			if _, err := stmt.ExecContext(ctx,
				rec.Driver, rec.AssetType, rec.Sensor, rec.Tile, rec.Date.String(), rec.Path, string(rec.Status)); err != nil {
				return fmt.Errorf("%s: %w", rec.AssetKey, err)
			}
		}
		return nil
	})
}

// GetAsset returns the record for a key, or nil when absent.
func (s *Store) GetAsset(ctx context.Context, key domain.AssetKey) (*domain.AssetRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sensor, path, status FROM assets WHERE driver = ? AND asset_type = ? AND tile = ? AND date = ?`,
		key.Driver, key.AssetType, key.Tile, key.Date.String())

	rec := domain.AssetRecord{AssetKey: key}
	var status string
	err := row.Scan(&rec.Sensor, &rec.Path, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.CatalogError{Operation: "get asset", Key: key.String(), Err: err}
	}
	rec.Status = domain.Status(status)
	return &rec, nil
}

// SearchAssets returns all asset records matching the criteria, sorted
// by tile then date.
func (s *Store) SearchAssets(ctx context.Context, c output.Criteria) ([]domain.AssetRecord, error) {
	where, args := buildWhere(c, "asset_type")
	query := `SELECT driver, asset_type, sensor, tile, date, path, status FROM assets` +
		where + ` ORDER BY tile, date, asset_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.CatalogError{Operation: "search assets", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var recs []domain.AssetRecord
	for rows.Next() {
		var rec domain.AssetRecord
		var date, status string
		if err := rows.Scan(&rec.Driver, &rec.AssetType, &rec.Sensor, &rec.Tile, &date, &rec.Path, &status); err != nil {
			return nil, &domain.CatalogError{Operation: "search assets", Err: err}
		}
		rec.Date, err = domain.ParseDate(date)
		if err != nil {
			return nil, &domain.CatalogError{Operation: "search assets", Err: err}
		}
		rec.Status = domain.Status(status)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListAssetKeys returns every asset key known for a driver.
func (s *Store) ListAssetKeys(ctx context.Context, driver string) ([]domain.AssetKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_type, tile, date FROM assets WHERE driver = ?`, driver)
	if err != nil {
		return nil, &domain.CatalogError{Operation: "list asset keys", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var keys []domain.AssetKey
	for rows.Next() {
		key := domain.AssetKey{Driver: driver}
		var date string
		if err := rows.Scan(&key.AssetType, &key.Tile, &date); err != nil {
			return nil, &domain.CatalogError{Operation: "list asset keys", Err: err}
		}
		if key.Date, err = domain.ParseDate(date); err != nil {
			return nil, &domain.CatalogError{Operation: "list asset keys", Err: err}
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAssets removes a batch of keys in one transaction.
func (s *Store) DeleteAssets(ctx context.Context, keys []domain.AssetKey) error {
	if len(keys) == 0 {
		return nil
	}
	return s.inTx(ctx, "delete assets", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`DELETE FROM assets WHERE driver = ? AND asset_type = ? AND tile = ? AND date = ?`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, key := range keys {
			if _, err := stmt.ExecContext(ctx, key.Driver, key.AssetType, key.Tile, key.Date.String()); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		return nil
	})
}

const upsertProductSQL = `
INSERT INTO products (driver, product, sensor, tile, date, path, status)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (driver, product, sensor, tile, date)
DO UPDATE SET path = excluded.path, status = excluded.status`

// UpsertProduct inserts or updates one product record.
func (s *Store) UpsertProduct(ctx context.Context, rec domain.ProductRecord) error {
	_, err := s.db.ExecContext(ctx, upsertProductSQL,
		rec.Driver, rec.Product, rec.Sensor, rec.Tile, rec.Date.String(), rec.Path, string(rec.Status))
	if err != nil {
		return &domain.CatalogError{Operation: "upsert product", Key: rec.ProductKey.String(), Err: err}
	}
	return nil
}

// UpsertProducts inserts or updates a batch of product records in one
// transaction.
func (s *Store) UpsertProducts(ctx context.Context, recs []domain.ProductRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.inTx(ctx, "upsert products", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertProductSQL)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, rec := range recs {
			if _, err := stmt.ExecContext(ctx,
				rec.Driver, rec.Product, rec.Sensor, rec.Tile, rec.Date.String(), rec.Path, string(rec.Status)); err != nil {
				return fmt.Errorf("%s: %w", rec.ProductKey, err)
			}
		}
		return nil
	})
}

// GetProduct returns the record for a key, or nil when absent.
func (s *Store) GetProduct(ctx context.Context, key domain.ProductKey) (*domain.ProductRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, status FROM products WHERE driver = ? AND product = ? AND sensor = ? AND tile = ? AND date = ?`,
		key.Driver, key.Product, key.Sensor, key.Tile, key.Date.String())

	rec := domain.ProductRecord{ProductKey: key}
	var status string
	err := row.Scan(&rec.Path, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.CatalogError{Operation: "get product", Key: key.String(), Err: err}
	}
	rec.Status = domain.Status(status)
	return &rec, nil
}

// SearchProducts returns all product records matching the criteria,
// sorted by tile then date.
func (s *Store) SearchProducts(ctx context.Context, c output.Criteria) ([]domain.ProductRecord, error) {
	where, args := buildWhere(c, "product")
	query := `SELECT driver, product, sensor, tile, date, path, status FROM products` +
		where + ` ORDER BY tile, date, product`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.CatalogError{Operation: "search products", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var recs []domain.ProductRecord
	for rows.Next() {
		var rec domain.ProductRecord
		var date, status string
		if err := rows.Scan(&rec.Driver, &rec.Product, &rec.Sensor, &rec.Tile, &date, &rec.Path, &status); err != nil {
			return nil, &domain.CatalogError{Operation: "search products", Err: err}
		}
		rec.Date, err = domain.ParseDate(date)
		if err != nil {
			return nil, &domain.CatalogError{Operation: "search products", Err: err}
		}
		rec.Status = domain.Status(status)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListProductKeys returns every product key known for a driver.
func (s *Store) ListProductKeys(ctx context.Context, driver string) ([]domain.ProductKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product, sensor, tile, date FROM products WHERE driver = ?`, driver)
	if err != nil {
		return nil, &domain.CatalogError{Operation: "list product keys", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var keys []domain.ProductKey
	for rows.Next() {
		key := domain.ProductKey{Driver: driver}
		var date string
		if err := rows.Scan(&key.Product, &key.Sensor, &key.Tile, &date); err != nil {
			return nil, &domain.CatalogError{Operation: "list product keys", Err: err}
		}
		if key.Date, err = domain.ParseDate(date); err != nil {
			return nil, &domain.CatalogError{Operation: "list product keys", Err: err}
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteProducts removes a batch of keys in one transaction.
func (s *Store) DeleteProducts(ctx context.Context, keys []domain.ProductKey) error {
	if len(keys) == 0 {
		return nil
	}
	return s.inTx(ctx, "delete products", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`DELETE FROM products WHERE driver = ? AND product = ? AND sensor = ? AND tile = ? AND date = ?`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, key := range keys {
			if _, err := stmt.ExecContext(ctx,
				key.Driver, key.Product, key.Sensor, key.Tile, key.Date.String()); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		return nil
	})
}

// ListTiles returns the distinct tiles known for a driver, across
// assets and products.
func (s *Store) ListTiles(ctx context.Context, driver string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tile FROM assets WHERE driver = ?
		 UNION SELECT tile FROM products WHERE driver = ?
		 ORDER BY tile`, driver, driver)
	if err != nil {
		return nil, &domain.CatalogError{Operation: "list tiles", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var tiles []string
	for rows.Next() {
		var tile string
		if err := rows.Scan(&tile); err != nil {
			return nil, &domain.CatalogError{Operation: "list tiles", Err: err}
		}
		tiles = append(tiles, tile)
	}
	return tiles, rows.Err()
}

// ListDates returns the sorted distinct dates with at least one asset
// for (driver, tile).
func (s *Store) ListDates(ctx context.Context, driver, tile string) ([]domain.Date, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT date FROM assets WHERE driver = ? AND tile = ? ORDER BY date`, driver, tile)
	if err != nil {
		return nil, &domain.CatalogError{Operation: "list dates", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var dates []domain.Date
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &domain.CatalogError{Operation: "list dates", Err: err}
		}
		date, err := domain.ParseDate(raw)
		if err != nil {
			return nil, &domain.CatalogError{Operation: "list dates", Err: err}
		}
		dates = append(dates, date)
	}
	return dates, rows.Err()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.CatalogError{Operation: op, Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return &domain.CatalogError{Operation: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &domain.CatalogError{Operation: op, Err: err}
	}
	return nil
}

// buildWhere turns criteria into a WHERE clause. typeColumn is the
// table's type column name (asset_type or product).
func buildWhere(c output.Criteria, typeColumn string) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, arg interface{}) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}

	if c.Driver != "" {
		add("driver = ?", c.Driver)
	}
	if c.Type != "" {
		add(typeColumn+" = ?", c.Type)
	}
	if c.Sensor != "" {
		add("sensor = ?", c.Sensor)
	}
	if c.Tile != "" {
		add("tile = ?", c.Tile)
	}
	if c.From != nil {
		add("date >= ?", c.From.String())
	}
	if c.To != nil {
		add("date <= ?", c.To.String())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
