package provider

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/output"
)

// URLTemplateConfig holds deterministic-URL provider configuration.
type URLTemplateConfig struct {
	Name     string
	Timeout  time.Duration
	Username string
	Password string
	// URLs maps asset type to a full URL template, e.g.
	// "https://host/data/{year}/{doy}/GW_{tile}_{date}.nc".
	URLs map[string]string
}

// URLTemplateProvider answers Locate without any network I/O: the
// remote naming scheme is predictable, so the URL is a pure function of
// the key. Time-indexed OPeNDAP/REST archives work this way.
type URLTemplateProvider struct {
	client *http.Client
	cfg    URLTemplateConfig
}

// NewURLTemplateProvider creates a deterministic URL provider adapter.
func NewURLTemplateProvider(cfg URLTemplateConfig) *URLTemplateProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &URLTemplateProvider{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

// Name returns the configured adapter name.
func (p *URLTemplateProvider) Name() string { return p.cfg.Name }

// Locate computes the URL for the key. No listing call is made;
// absence of data only surfaces at download time.
func (p *URLTemplateProvider) Locate(_ context.Context, assetType, tile string, date domain.Date) (*output.ProviderResult, error) {
	tmpl, ok := p.cfg.URLs[assetType]
	if !ok {
		return nil, nil
	}
	url := expand(tmpl, assetType, tile, date)
	return &output.ProviderResult{Name: path.Base(url), Locator: url}, nil
}

// Download retrieves the URL to dest. A 404 means the data does not
// exist yet and is reported as a distinct error so the caller can
// treat it as absence.
func (p *URLTemplateProvider) Download(ctx context.Context, locator, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return &domain.ProviderError{Provider: p.cfg.Name, Operation: "download", Key: locator, Err: err}
	}
	if p.cfg.Username != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &domain.ProviderError{Provider: p.cfg.Name, Operation: "download", Key: locator, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return &domain.ProviderError{
			Provider: p.cfg.Name, Operation: "download", Key: locator,
			Err: fmt.Errorf("%w: remote has no data", domain.ErrNotFound),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return &domain.ProviderError{
			Provider: p.cfg.Name, Operation: "download", Key: locator,
			Err: fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}

	if err := writeToFile(resp.Body, dest); err != nil {
		return &domain.ProviderError{Provider: p.cfg.Name, Operation: "download", Key: locator, Err: err}
	}
	return nil
}
