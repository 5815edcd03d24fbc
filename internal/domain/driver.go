package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Date-directory styles for the archive tree.
const (
	DateDirJulian = "julian" // YYYYDDD, one directory per day
	DateDirYear   = "year"   // YYYY, one directory per year
)

// Product categories. Same-category products are batched together by
// callers because they often share an expensive intermediate.
const (
	CategoryStandard   = "standard"
	CategoryIndex      = "index"
	CategoryCorrection = "correction"
)

// AssetTypeSpec describes one asset flavor of a driver: how to recognize
// its vendor-issued filenames and how to read the embedded date.
type AssetTypeSpec struct {
	Name string `yaml:"name"`
	// Pattern is a regexp over the bare filename with named groups
	// "tile" and "date" (and optionally "version").
	Pattern string `yaml:"pattern"`
	// DateLayout is the Go time layout of the date group. Defaults to
	// the julian YYYYDDD form.
	DateLayout string `yaml:"date_layout"`
	// MinSize rejects downloads smaller than this many bytes during
	// fetch validation. Zero means only the non-empty check applies.
	MinSize int64 `yaml:"min_size"`

	re *regexp.Regexp
}

// ProductSpec describes one derivable product.
type ProductSpec struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	// Sources lists the asset types this product can be derived from.
	// Empty means any of the driver's flavors is acceptable.
	Sources []string `yaml:"sources"`
}

// CompatibleWith reports whether the product can be derived from the
// given asset type.
func (p *ProductSpec) CompatibleWith(assetType string) bool {
	if len(p.Sources) == 0 {
		return true
	}
	for _, s := range p.Sources {
		if s == assetType {
			return true
		}
	}
	return false
}

// DriverSpec is the declarative description of one data source. All
// per-driver behavior the engine needs is expressed here; drivers carry
// no code of their own.
type DriverSpec struct {
	Name      string `yaml:"name"`
	Sensor    string `yaml:"sensor"`
	Extension string `yaml:"extension"` // product file extension, e.g. ".tif"
	DateDir   string `yaml:"date_dir"`  // julian or year

	AssetTypes []AssetTypeSpec `yaml:"asset_types"`
	// AssetPreference orders flavors for product derivation. Falls back
	// to declaration order when empty. Independent from provider order.
	AssetPreference []string `yaml:"asset_preference"`
	// Providers orders the provider adapters to query, most preferred
	// first.
	Providers []string      `yaml:"providers"`
	Products  []ProductSpec `yaml:"products"`
}

// productNameRe matches the canonical product filename form
// <tile>_<YYYYDDD>_<sensor>_<type>.<ext>. Product type may carry a
// parameter suffix (e.g. a window length) after a dash.
var productNameRe = regexp.MustCompile(`^(?P<tile>[A-Za-z0-9]+)_(?P<date>\d{7})_(?P<sensor>[A-Za-z0-9]+)_(?P<type>[A-Za-z0-9-]+)\.(?P<ext>[A-Za-z0-9.]+)$`)

// Compile validates the spec and compiles its filename patterns. Must
// be called once after loading, before any parse or path method.
func (d *DriverSpec) Compile() error {
	if d.Name == "" {
		return &ConfigError{Field: "driver.name", Message: "required"}
	}
	if d.Sensor == "" {
		return &ConfigError{Field: "driver.sensor", Message: "required"}
	}
	if d.Extension == "" {
		d.Extension = ".tif"
	}
	if !strings.HasPrefix(d.Extension, ".") {
		d.Extension = "." + d.Extension
	}
	switch d.DateDir {
	case "":
		d.DateDir = DateDirJulian
	case DateDirJulian, DateDirYear:
	default:
		return &ConfigError{Field: "driver.date_dir", Message: fmt.Sprintf("unknown style %q", d.DateDir)}
	}
	if len(d.AssetTypes) == 0 {
		return &ConfigError{Field: "driver.asset_types", Message: "at least one asset type required"}
	}
	for i := range d.AssetTypes {
		at := &d.AssetTypes[i]
		if at.Name == "" {
			return &ConfigError{Field: "driver.asset_types.name", Message: "required"}
		}
		if at.DateLayout == "" {
			at.DateLayout = LayoutJulian
		}
		re, err := regexp.Compile(at.Pattern)
		if err != nil {
			return &ConfigError{Field: "driver.asset_types.pattern", Message: err.Error()}
		}
		names := re.SubexpNames()
		if !contains(names, "tile") || !contains(names, "date") {
			return &ConfigError{
				Field:   "driver.asset_types.pattern",
				Message: fmt.Sprintf("%s: pattern must define named groups tile and date", at.Name),
			}
		}
		at.re = re
	}
	for _, pref := range d.AssetPreference {
		if d.AssetType(pref) == nil {
			return &ConfigError{Field: "driver.asset_preference", Message: fmt.Sprintf("unknown asset type %q", pref)}
		}
	}
	for i := range d.Products {
		p := &d.Products[i]
		if p.Name == "" {
			return &ConfigError{Field: "driver.products.name", Message: "required"}
		}
		if p.Category == "" {
			p.Category = CategoryStandard
		}
		for _, src := range p.Sources {
			if d.AssetType(src) == nil {
				return &ConfigError{Field: "driver.products.sources", Message: fmt.Sprintf("%s: unknown asset type %q", p.Name, src)}
			}
		}
	}
	return nil
}

// AssetType returns the named asset type spec, or nil.
func (d *DriverSpec) AssetType(name string) *AssetTypeSpec {
	for i := range d.AssetTypes {
		if d.AssetTypes[i].Name == name {
			return &d.AssetTypes[i]
		}
	}
	return nil
}

// Product returns the named product spec, or nil.
func (d *DriverSpec) Product(name string) *ProductSpec {
	for i := range d.Products {
		if d.Products[i].Name == name {
			return &d.Products[i]
		}
	}
	return nil
}

// Preference returns the effective asset-type preference order.
func (d *DriverSpec) Preference() []string {
	if len(d.AssetPreference) > 0 {
		return d.AssetPreference
	}
	names := make([]string, len(d.AssetTypes))
	for i := range d.AssetTypes {
		names[i] = d.AssetTypes[i].Name
	}
	return names
}

// ParseAssetName parses a vendor filename into an asset record skeleton
// (path and status unset). Tries each asset type pattern in declaration
// order.
func (d *DriverSpec) ParseAssetName(filename string) (AssetRecord, error) {
	base := filepath.Base(filename)
	for i := range d.AssetTypes {
		at := &d.AssetTypes[i]
		m := at.re.FindStringSubmatch(base)
		if m == nil {
			continue
		}
		groups := groupMap(at.re, m)
		date, err := ParseDateLayout(at.DateLayout, groups["date"])
		if err != nil {
			return AssetRecord{}, &ParseError{Kind: "asset name", Input: base, Err: err}
		}
		return AssetRecord{
			AssetKey: AssetKey{
				Driver:    d.Name,
				AssetType: at.Name,
				Tile:      groups["tile"],
				Date:      date,
			},
			Sensor: d.Sensor,
		}, nil
	}
	return AssetRecord{}, &ParseError{Kind: "asset name", Input: base}
}

// MatchesAssetName reports whether the filename matches any asset
// flavor of this driver.
func (d *DriverSpec) MatchesAssetName(filename string) bool {
	base := filepath.Base(filename)
	for i := range d.AssetTypes {
		if d.AssetTypes[i].re.MatchString(base) {
			return true
		}
	}
	return false
}

// ProductFileName returns the canonical product filename for a key:
// <tile>_<YYYYDDD>_<sensor>_<type><ext>.
func (d *DriverSpec) ProductFileName(tile string, date Date, product string) string {
	return fmt.Sprintf("%s_%s_%s_%s%s", tile, date.Julian(), d.Sensor, product, d.Extension)
}

// ParseProductName parses a canonical product filename into a product
// record skeleton (path and status unset).
func (d *DriverSpec) ParseProductName(filename string) (ProductRecord, error) {
	base := filepath.Base(filename)
	m := productNameRe.FindStringSubmatch(base)
	if m == nil {
		return ProductRecord{}, &ParseError{Kind: "product name", Input: base}
	}
	groups := groupMap(productNameRe, m)
	date, err := ParseDateLayout(LayoutJulian, groups["date"])
	if err != nil {
		return ProductRecord{}, &ParseError{Kind: "product name", Input: base, Err: err}
	}
	return ProductRecord{
		ProductKey: ProductKey{
			Driver:  d.Name,
			Product: groups["type"],
			Sensor:  groups["sensor"],
			Tile:    groups["tile"],
			Date:    date,
		},
	}, nil
}

// DateDirName returns the archive date directory name for a date.
func (d *DriverSpec) DateDirName(date Date) string {
	if d.DateDir == DateDirYear {
		return fmt.Sprintf("%04d", date.Year())
	}
	return date.Julian()
}

// TileRoot returns <root>/<driver>/tiles.
func (d *DriverSpec) TileRoot(root string) string {
	return filepath.Join(root, d.Name, "tiles")
}

// ArchiveDir returns the canonical directory for a (tile, date):
// <root>/<driver>/tiles/<tile>/<date-dir>.
func (d *DriverSpec) ArchiveDir(root, tile string, date Date) string {
	return filepath.Join(d.TileRoot(root), tile, d.DateDirName(date))
}

// AssetPath returns the canonical archive path for a staged asset file.
// Vendor filenames are preserved; only the directory is canonical.
func (d *DriverSpec) AssetPath(root string, rec AssetRecord, filename string) string {
	return filepath.Join(d.ArchiveDir(root, rec.Tile, rec.Date), filepath.Base(filename))
}

// ProductPath returns the canonical archive path for a product key.
func (d *DriverSpec) ProductPath(root, tile string, date Date, product string) string {
	return filepath.Join(d.ArchiveDir(root, tile, date), d.ProductFileName(tile, date, product))
}

func groupMap(re *regexp.Regexp, match []string) map[string]string {
	out := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(match) {
			out[name] = match[i]
		}
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
