package provider

import (
	"context"
	"io"
	"path"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/output"
)

// FTPConfig holds FTP provider configuration.
type FTPConfig struct {
	Name     string
	Address  string // host:port
	Username string // defaults to anonymous
	Password string
	Timeout  time.Duration
	// Path is the remote directory template, e.g.
	// "/allData/{type}/{year}/{doy}".
	Path string
	// Patterns maps asset type to a filename regexp template.
	Patterns map[string]string
}

// FTPProvider locates assets by listing a remote FTP directory and
// filtering by name pattern and date. Several upstream archives are
// plain FTP trees with one directory per day.
type FTPProvider struct {
	cfg FTPConfig
}

// NewFTPProvider creates an FTP provider adapter.
func NewFTPProvider(cfg FTPConfig) *FTPProvider {
	if cfg.Username == "" {
		cfg.Username = "anonymous"
		cfg.Password = "anonymous"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &FTPProvider{cfg: cfg}
}

// Name returns the configured adapter name.
func (p *FTPProvider) Name() string { return p.cfg.Name }

// Locate lists the directory for (type, tile, date) and disambiguates
// by pattern.
func (p *FTPProvider) Locate(ctx context.Context, assetType, tile string, date domain.Date) (*output.ProviderResult, error) {
	re, err := compilePattern(p.cfg.Patterns, assetType, tile, date)
	if err != nil {
		return nil, p.wrap("locate", assetType, tile, date, err)
	}
	if re == nil {
		return nil, nil
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, p.wrap("locate", assetType, tile, date, err)
	}
	defer func() { _ = conn.Quit() }()

	dir := expand(p.cfg.Path, assetType, tile, date)
	entries, err := conn.List(dir)
	if err != nil {
		return nil, p.wrap("locate", assetType, tile, date, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type == ftp.EntryTypeFile {
			names = append(names, e.Name)
		}
	}

	name, err := matchOne(names, re)
	if err != nil {
		return nil, p.wrap("locate", assetType, tile, date, err)
	}
	if name == "" {
		return nil, nil
	}

	return &output.ProviderResult{Name: name, Locator: path.Join(dir, name)}, nil
}

// Download retrieves a remote path to dest.
func (p *FTPProvider) Download(ctx context.Context, locator, dest string) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return &domain.ProviderError{Provider: p.cfg.Name, Operation: "download", Key: locator, Err: err}
	}
	defer func() { _ = conn.Quit() }()

	resp, err := conn.Retr(locator)
	if err != nil {
		return &domain.ProviderError{Provider: p.cfg.Name, Operation: "download", Key: locator, Err: err}
	}
	defer func() { _ = resp.Close() }()

	if err := writeToFile(io.Reader(resp), dest); err != nil {
		return &domain.ProviderError{Provider: p.cfg.Name, Operation: "download", Key: locator, Err: err}
	}
	return nil
}

func (p *FTPProvider) dial(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(p.cfg.Address,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(p.cfg.Timeout),
	)
	if err != nil {
		return nil, err
	}
	if err := conn.Login(p.cfg.Username, p.cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, err
	}
	return conn, nil
}

func (p *FTPProvider) wrap(op, assetType, tile string, date domain.Date, err error) error {
	return &domain.ProviderError{
		Provider:  p.cfg.Name,
		Operation: op,
		Key:       assetType + "/" + tile + "/" + date.String(),
		Err:       err,
	}
}
