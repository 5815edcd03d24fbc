package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/output"
)

// hrefRe extracts link targets from an HTML directory listing page.
var hrefRe = regexp.MustCompile(`href="([^"?/][^"]*)"`)

// HTTPIndexConfig holds HTTP listing provider configuration.
type HTTPIndexConfig struct {
	Name     string
	BaseURL  string
	Timeout  time.Duration
	Username string
	Password string
	// Path is the listing directory template relative to BaseURL,
	// e.g. "{type}/{year}/{doy}".
	Path string
	// Patterns maps asset type to a filename regexp template.
	Patterns map[string]string
}

// HTTPIndexProvider scrapes an authenticated HTTP directory listing.
// Both plain-text indexes (one name per line) and HTML autoindex pages
// are understood.
type HTTPIndexProvider struct {
	client *http.Client
	cfg    HTTPIndexConfig
}

// NewHTTPIndexProvider creates an HTTP listing provider adapter.
func NewHTTPIndexProvider(cfg HTTPIndexConfig) *HTTPIndexProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &HTTPIndexProvider{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

// Name returns the configured adapter name.
func (p *HTTPIndexProvider) Name() string { return p.cfg.Name }

// Locate fetches the directory listing for (type, tile, date) and
// disambiguates by pattern.
func (p *HTTPIndexProvider) Locate(ctx context.Context, assetType, tile string, date domain.Date) (*output.ProviderResult, error) {
	re, err := compilePattern(p.cfg.Patterns, assetType, tile, date)
	if err != nil {
		return nil, p.wrap("locate", assetType, tile, date, err)
	}
	if re == nil {
		return nil, nil
	}

	dir := expand(p.cfg.Path, assetType, tile, date)
	listURL := p.cfg.BaseURL + "/" + strings.TrimPrefix(dir, "/")

	body, err := p.get(ctx, listURL)
	if err != nil {
		return nil, p.wrap("locate", assetType, tile, date, err)
	}
	defer func() { _ = body.Close() }()

	names, err := parseListing(body)
	if err != nil {
		return nil, p.wrap("locate", assetType, tile, date, err)
	}

	name, err := matchOne(names, re)
	if err != nil {
		return nil, p.wrap("locate", assetType, tile, date, err)
	}
	if name == "" {
		return nil, nil
	}

	return &output.ProviderResult{Name: name, Locator: listURL + "/" + name}, nil
}

// Download retrieves a URL to dest.
func (p *HTTPIndexProvider) Download(ctx context.Context, locator, dest string) error {
	body, err := p.get(ctx, locator)
	if err != nil {
		return &domain.ProviderError{Provider: p.cfg.Name, Operation: "download", Key: locator, Err: err}
	}
	defer func() { _ = body.Close() }()

	if err := writeToFile(body, dest); err != nil {
		return &domain.ProviderError{Provider: p.cfg.Name, Operation: "download", Key: locator, Err: err}
	}
	return nil
}

func (p *HTTPIndexProvider) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if p.cfg.Username != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)
	}
	return resp.Body, nil
}

// parseListing extracts candidate filenames from either an HTML
// autoindex page or a plain text index.
func parseListing(r io.Reader) ([]string, error) {
	var names []string
	var html bool

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, "href=") {
			html = true
			for _, m := range hrefRe.FindAllStringSubmatch(line, -1) {
				names = append(names, path.Base(m[1]))
			}
			continue
		}
		if !html {
			names = append(names, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading listing: %w", err)
	}
	return names, nil
}

func (p *HTTPIndexProvider) wrap(op, assetType, tile string, date domain.Date, err error) error {
	return &domain.ProviderError{
		Provider:  p.cfg.Name,
		Operation: op,
		Key:       assetType + "/" + tile + "/" + date.String(),
		Err:       err,
	}
}
