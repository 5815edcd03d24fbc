// Package provider contains the remote provider adapters. Each adapter
// answers Locate/Download for asset keys against one kind of remote
// source: an FTP directory, an authenticated HTTP listing, cloud object
// storage, or a deterministic URL template.
package provider

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/terracat/terracat/internal/domain"
)

// expand substitutes key placeholders into a path, prefix, URL or
// pattern template. Supported: {type}, {tile}, {date} (julian YYYYDDD),
// {year}, {month}, {day}, {doy}.
func expand(tmpl, assetType, tile string, date domain.Date) string {
	r := strings.NewReplacer(
		"{type}", assetType,
		"{tile}", tile,
		"{date}", date.Julian(),
		"{year}", fmt.Sprintf("%04d", date.Year()),
		"{month}", date.Format("01"),
		"{day}", date.Format("02"),
		"{doy}", date.Format("002"),
	)
	return r.Replace(tmpl)
}

// compilePattern expands and compiles a per-asset-type name pattern.
// Returns nil when the provider has no pattern for the asset type,
// which means it does not serve that flavor.
func compilePattern(patterns map[string]string, assetType, tile string, date domain.Date) (*regexp.Regexp, error) {
	tmpl, ok := patterns[assetType]
	if !ok {
		return nil, nil
	}
	re, err := regexp.Compile(expand(tmpl, assetType, tile, date))
	if err != nil {
		return nil, fmt.Errorf("pattern for %s: %w", assetType, err)
	}
	return re, nil
}

// matchOne filters candidate names by pattern and disambiguates: zero
// matches is absence, more than one is an error.
func matchOne(names []string, re *regexp.Regexp) (string, error) {
	var matches []string
	for _, name := range names {
		if re.MatchString(name) {
			matches = append(matches, name)
		}
	}
	switch len(matches) {
	case 0:
		return "", nil
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous listing: %d candidates match %s", len(matches), re)
	}
}

// writeToFile streams r into dest, creating parent directories.
func writeToFile(r io.Reader, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return err
	}
	f, err := os.Create(dest) //#nosec G304 -- dest is a controlled local path
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = io.Copy(f, r)
	return err
}
