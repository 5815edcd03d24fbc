package provider

import (
	"context"
	"path"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/output"
)

// AzureConfig holds Azure Blob provider configuration.
type AzureConfig struct {
	Name             string
	Container        string
	AccountName      string
	AccountKey       string
	ConnectionString string
	// Prefix is the blob prefix template, e.g. "{type}/{tile}/{year}/".
	Prefix string
	// Patterns maps asset type to a blob-basename regexp template.
	Patterns map[string]string
}

// AzureProvider locates assets by listing a blob prefix in Azure Blob
// Storage.
type AzureProvider struct {
	client *azblob.Client
	cfg    AzureConfig
}

// NewAzureProvider creates an Azure Blob provider adapter.
func NewAzureProvider(cfg AzureConfig) (*AzureProvider, error) {
	var client *azblob.Client
	var err error

	if cfg.ConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	} else {
		url := "https://" + cfg.AccountName + ".blob.core.windows.net/"
		cred, cerr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if cerr != nil {
			return nil, cerr
		}
		client, err = azblob.NewClientWithSharedKeyCredential(url, cred, nil)
	}
	if err != nil {
		return nil, err
	}

	return &AzureProvider{client: client, cfg: cfg}, nil
}

// Name returns the configured adapter name.
func (p *AzureProvider) Name() string { return p.cfg.Name }

// Locate lists the expanded prefix and disambiguates by pattern.
func (p *AzureProvider) Locate(ctx context.Context, assetType, tile string, date domain.Date) (*output.ProviderResult, error) {
	re, err := compilePattern(p.cfg.Patterns, assetType, tile, date)
	if err != nil {
		return nil, p.wrap("locate", assetType, tile, date, err)
	}
	if re == nil {
		return nil, nil
	}

	prefix := expand(p.cfg.Prefix, assetType, tile, date)

	var names []string
	byName := make(map[string]string)

	pager := p.client.NewListBlobsFlatPager(p.cfg.Container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, p.wrap("locate", assetType, tile, date, err)
		}
		for _, blob := range page.Segment.BlobItems {
			if blob.Name == nil {
				continue
			}
			name := path.Base(*blob.Name)
			names = append(names, name)
			byName[name] = *blob.Name
		}
	}

	name, err := matchOne(names, re)
	if err != nil {
		return nil, p.wrap("locate", assetType, tile, date, err)
	}
	if name == "" {
		return nil, nil
	}

	return &output.ProviderResult{Name: name, Locator: byName[name]}, nil
}

// Download retrieves a blob to dest.
func (p *AzureProvider) Download(ctx context.Context, locator, dest string) error {
	resp, err := p.client.DownloadStream(ctx, p.cfg.Container, locator, nil)
	if err != nil {
		return &domain.ProviderError{Provider: p.cfg.Name, Operation: "download", Key: locator, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := writeToFile(resp.Body, dest); err != nil {
		return &domain.ProviderError{Provider: p.cfg.Name, Operation: "download", Key: locator, Err: err}
	}
	return nil
}

func (p *AzureProvider) wrap(op, assetType, tile string, date domain.Date, err error) error {
	return &domain.ProviderError{
		Provider:  p.cfg.Name,
		Operation: op,
		Key:       assetType + "/" + tile + "/" + date.String(),
		Err:       err,
	}
}
