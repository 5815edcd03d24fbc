// Package tls provides TLS termination using CertMagic.
package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/azure"

	"github.com/terracat/terracat/internal/config"
)

// Server wraps an HTTP server with automatic certificate management.
type Server struct {
	config    config.TLSConfig
	handler   http.Handler
	logger    *slog.Logger
	tlsConfig *tls.Config
}

// NewServer creates a server that terminates TLS when enabled in the
// configuration. With an Azure DNS subscription configured the ACME
// challenge runs over DNS-01, otherwise CertMagic's default HTTP-01
// solver is used.
func NewServer(cfg config.TLSConfig, handler http.Handler, logger *slog.Logger) (*Server, error) {
	if !cfg.Enabled {
		return &Server{
			config:  cfg,
			handler: handler,
			logger:  logger,
		}, nil
	}

	if len(cfg.Domains) == 0 {
		return nil, fmt.Errorf("TLS enabled but no domains specified")
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("TLS enabled but no email specified")
	}

	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = cfg.Email

	if cfg.Staging {
		certmagic.DefaultACME.CA = certmagic.LetsEncryptStagingCA
	}

	if cfg.CacheDir != "" {
		certmagic.Default.Storage = &certmagic.FileStorage{Path: cfg.CacheDir}
	}

	if cfg.DNS.SubscriptionID != "" {
		provider := &azure.Provider{
			SubscriptionId:    cfg.DNS.SubscriptionID,
			ResourceGroupName: cfg.DNS.ResourceGroupName,
			ClientId:          cfg.DNS.ClientID, // Empty = System Assigned Managed Identity
		}
		certmagic.DefaultACME.DNS01Solver = &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: provider,
			},
		}
	}

	tlsConfig, err := certmagic.TLS(cfg.Domains)
	if err != nil {
		return nil, fmt.Errorf("configuring TLS: %w", err)
	}

	return &Server{
		config:    cfg,
		handler:   handler,
		logger:    logger,
		tlsConfig: tlsConfig,
	}, nil
}

// ListenAndServe starts the server with TLS if enabled.
func (s *Server) ListenAndServe(addr string) error {
	if !s.config.Enabled {
		s.logger.Info("starting HTTP server (TLS disabled)", "address", addr)
		server := &http.Server{
			Addr:              addr,
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		return server.ListenAndServe()
	}

	challenge := "http-01"
	if s.config.DNS.SubscriptionID != "" {
		challenge = "dns-01"
	}
	s.logger.Info("starting HTTPS server",
		"address", addr,
		"domains", s.config.Domains,
		"challenge", challenge,
	)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		TLSConfig:         s.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return server.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(_ context.Context) error {
	// CertMagic handles its own cleanup
	return nil
}

// TLSConfig returns the TLS configuration.
func (s *Server) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// ManageCertificates pre-obtains certificates for the configured domains.
func (s *Server) ManageCertificates(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	s.logger.Info("obtaining certificates", "domains", s.config.Domains)

	if err := certmagic.ManageSync(ctx, s.config.Domains); err != nil {
		return fmt.Errorf("managing certificates: %w", err)
	}

	s.logger.Info("certificates obtained successfully")
	return nil
}
