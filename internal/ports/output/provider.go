// Package output defines the secondary/driven ports of the application.
package output

import (
	"context"

	"github.com/terracat/terracat/internal/domain"
)

// ProviderResult identifies one remote candidate for an asset key.
type ProviderResult struct {
	// Name is the vendor filename of the remote file.
	Name string
	// Locator is the provider-specific handle used to download the
	// file: a URL, an FTP path, or an object key.
	Locator string
}

// Provider is the secondary port for one remote data source. A nil
// result with a nil error means the provider has no data for the key;
// errors are reserved for unexpected failures (network, auth, malformed
// listings).
type Provider interface {
	// Name returns the configured adapter name used in driver provider
	// lists.
	Name() string

	// Locate finds the remote file for an asset key, or reports
	// absence.
	Locate(ctx context.Context, assetType, tile string, date domain.Date) (*ProviderResult, error)

	// Download retrieves the located file to a local path.
	Download(ctx context.Context, locator, dest string) error
}
