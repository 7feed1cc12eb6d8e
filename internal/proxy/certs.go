package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
)

// CertConfig tunes TLS termination and ACME issuance.
type CertConfig struct {
	// Suffix is the platform wildcard domain, served by the platform cert.
	Suffix string
	// PlatformCertFile/PlatformKeyFile hold the wildcard certificate.
	PlatformCertFile string
	PlatformKeyFile  string
	// DirectoryURL overrides the ACME directory (staging, internal CA).
	DirectoryURL string
	Email        string
	// RenewalLead is how far before expiry the sweep forces a renewal.
	RenewalLead time.Duration
	// SweepInterval paces the background issuance/renewal sweep.
	SweepInterval time.Duration
}

// CertManager selects certificates per connection by SNI: the platform
// wildcard certificate for platform subdomains, an ACME-issued per-domain
// certificate for custom domains. Issuance happens out of the request path
// through autocert, with material persisted in the store-backed cache so
// certificates survive restarts.
type CertManager struct {
	domains  repository.DomainRepository
	manager  *autocert.Manager
	platform *tls.Certificate
	suffix   string
	logger   *slog.Logger

	renewalLead   time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

// NewCertManager constructs a CertManager.
func NewCertManager(domains repository.DomainRepository, certCache repository.CertCacheRepository, logger *slog.Logger, cfg CertConfig) (*CertManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cm := &CertManager{
		domains:       domains,
		suffix:        strings.ToLower(cfg.Suffix),
		logger:        logger.With("component", "certs"),
		renewalLead:   cfg.RenewalLead,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
	}
	if cm.renewalLead <= 0 {
		cm.renewalLead = 30 * 24 * time.Hour
	}
	if cm.sweepInterval <= 0 {
		cm.sweepInterval = 12 * time.Hour
	}

	if cfg.PlatformCertFile != "" && cfg.PlatformKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.PlatformCertFile, cfg.PlatformKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load platform certificate: %w", err)
		}
		cm.platform = &cert
	}

	cm.manager = &autocert.Manager{
		Prompt:      autocert.AcceptTOS,
		Cache:       storeCache{repo: certCache},
		HostPolicy:  cm.hostPolicy,
		Email:       cfg.Email,
		RenewBefore: cm.renewalLead,
	}
	if cfg.DirectoryURL != "" {
		cm.manager.Client = &acme.Client{DirectoryURL: cfg.DirectoryURL}
	}
	return cm, nil
}

// hostPolicy admits only hosts with an attached custom domain binding.
func (cm *CertManager) hostPolicy(ctx context.Context, host string) error {
	if _, err := cm.domains.GetDomain(ctx, strings.ToLower(host)); err != nil {
		return fmt.Errorf("host %q is not an attached domain", host)
	}
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(hello.ServerName)
	if name == "" || (cm.suffix != "" && strings.HasSuffix(name, cm.suffix)) {
		if cm.platform == nil {
			return nil, errors.New("no platform certificate configured")
		}
		return cm.platform, nil
	}

	cert, err := cm.manager.GetCertificate(hello)
	if err != nil {
		return nil, err
	}
	// A TLS-ALPN challenge handshake hands back the short-lived token
	// certificate; recording its expiry would mark the binding issued
	// before real issuance completed.
	if !isChallengeHello(hello) {
		cm.recordIssuance(name, cert)
	}
	return cert, nil
}

func isChallengeHello(hello *tls.ClientHelloInfo) bool {
	for _, proto := range hello.SupportedProtos {
		if proto == acme.ALPNProto {
			return true
		}
	}
	return false
}

// recordIssuance persists issuance status and expiry on the binding so the
// proxy stops answering "certificate pending" and the renewal sweep knows
// when to act. A binding already recorded with the same expiry is left
// alone; handshakes are far more frequent than issuance.
func (cm *CertManager) recordIssuance(fqdn string, cert *tls.Certificate) {
	leaf := cert.Leaf
	if leaf == nil && len(cert.Certificate) > 0 {
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			cm.logger.Warn("parse issued certificate failed", "fqdn", fqdn, "error", err)
			return
		}
		leaf = parsed
	}
	if leaf == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	binding, err := cm.domains.GetDomain(ctx, fqdn)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			cm.logger.Warn("read binding for issuance failed", "fqdn", fqdn, "error", err)
		}
		return
	}
	if binding.CertStatus == domain.CertStatusIssued &&
		binding.ExpiresAt != nil && binding.ExpiresAt.Equal(leaf.NotAfter) {
		return
	}

	if err := cm.domains.MarkDomainIssued(ctx, fqdn, leaf.NotAfter); err != nil && !errors.Is(err, repository.ErrNotFound) {
		cm.logger.Warn("record issuance failed", "fqdn", fqdn, "error", err)
	}
}

// TLSConfig returns the config for the proxy's TLS listener.
func (cm *CertManager) TLSConfig() *tls.Config {
	cfg := cm.manager.TLSConfig()
	cfg.GetCertificate = cm.GetCertificate
	return cfg
}

// HTTPHandler wraps the plain-HTTP handler so ACME HTTP-01 challenges are
// answered before traffic is proxied.
func (cm *CertManager) HTTPHandler(fallback http.Handler) http.Handler {
	return cm.manager.HTTPHandler(fallback)
}

// Run sweeps pending and soon-expiring domains until the context ends.
// Forcing a handshake through autocert issues or renews out of band, so
// renewal does not wait for client traffic and in-flight connections keep
// their already-negotiated certificate.
func (cm *CertManager) Run(ctx context.Context) {
	ticker := time.NewTicker(cm.sweepInterval)
	defer ticker.Stop()

	cm.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.sweep(ctx)
		}
	}
}

func (cm *CertManager) sweep(ctx context.Context) {
	pending, err := cm.domains.ListPendingDomains(ctx)
	if err != nil {
		cm.logger.Warn("list pending domains failed", "error", err)
	}
	expiring, err := cm.domains.ListDomainsExpiringBefore(ctx, cm.now().Add(cm.renewalLead))
	if err != nil {
		cm.logger.Warn("list expiring domains failed", "error", err)
	}

	seen := make(map[string]struct{})
	for _, d := range append(pending, expiring...) {
		if _, dup := seen[d.FQDN]; dup {
			continue
		}
		seen[d.FQDN] = struct{}{}
		if ctx.Err() != nil {
			return
		}
		if _, err := cm.GetCertificate(&tls.ClientHelloInfo{ServerName: d.FQDN}); err != nil {
			cm.logger.Warn("certificate sweep failed", "fqdn", d.FQDN, "error", err)
		} else {
			cm.logger.Info("certificate ensured", "fqdn", d.FQDN)
		}
	}
}

// storeCache adapts the repository to autocert.Cache.
type storeCache struct {
	repo repository.CertCacheRepository
}

func (c storeCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.repo.GetCert(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, autocert.ErrCacheMiss
	}
	return data, err
}

func (c storeCache) Put(ctx context.Context, key string, data []byte) error {
	return c.repo.PutCert(ctx, key, data)
}

func (c storeCache) Delete(ctx context.Context, key string) error {
	return c.repo.DeleteCert(ctx, key)
}
