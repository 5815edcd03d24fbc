// Package domain contains the catalog's core types: asset and product
// keys, their records, and the declarative driver model.
package domain

import "fmt"

// Status is the lifecycle state of a catalog record.
type Status string

// Record states.
const (
	StatusRequested Status = "requested"
	StatusComplete  Status = "complete"
)

// AssetKey uniquely identifies one vendor source file.
type AssetKey struct {
	Driver    string
	AssetType string
	Tile      string
	Date      Date
}

// String returns the key in driver/type/tile/date form.
func (k AssetKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Driver, k.AssetType, k.Tile, k.Date)
}

// AssetRecord is the catalog entry for one asset on disk.
type AssetRecord struct {
	AssetKey
	Sensor string
	Path   string
	Status Status
}

// ProductKey uniquely identifies one derived raster.
type ProductKey struct {
	Driver  string
	Product string
	Sensor  string
	Tile    string
	Date    Date
}

// String returns the key in driver/product/sensor/tile/date form.
func (k ProductKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", k.Driver, k.Product, k.Sensor, k.Tile, k.Date)
}

// ProductRecord is the catalog entry for one product on disk.
type ProductRecord struct {
	ProductKey
	Path   string
	Status Status
}
