package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"testing"
	"time"

	"log/slog"

	"golang.org/x/crypto/acme"

	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type testCertCache struct {
	entries map[string][]byte
}

func (c *testCertCache) GetCert(ctx context.Context, key string) ([]byte, error) {
	data, ok := c.entries[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return data, nil
}

func (c *testCertCache) PutCert(ctx context.Context, key string, data []byte) error {
	if c.entries == nil {
		c.entries = make(map[string][]byte)
	}
	c.entries[key] = data
	return nil
}

func (c *testCertCache) DeleteCert(ctx context.Context, key string) error {
	delete(c.entries, key)
	return nil
}

func testCertManager(t *testing.T, domains *testDomainRepo) *CertManager {
	t.Helper()
	cm, err := NewCertManager(domains, &testCertCache{}, testLogger(), CertConfig{
		Suffix: ".shuttleapp.test",
	})
	if err != nil {
		t.Fatalf("cert manager: %v", err)
	}
	return cm
}

func leafCert(notAfter time.Time) *tls.Certificate {
	return &tls.Certificate{Leaf: &x509.Certificate{NotAfter: notAfter}}
}

func TestRecordIssuanceMarksPendingBinding(t *testing.T) {
	expiry := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	domains := newTestDomainRepo(domain.CustomDomain{
		FQDN:       "app.example.com",
		ProjectID:  "project-1",
		CertStatus: domain.CertStatusPending,
	})
	cm := testCertManager(t, domains)

	cm.recordIssuance("app.example.com", leafCert(expiry))

	if domains.markCalls() != 1 {
		t.Fatalf("expected one issuance write, got %d", domains.markCalls())
	}
	binding, err := domains.GetDomain(context.Background(), "app.example.com")
	if err != nil {
		t.Fatalf("get binding: %v", err)
	}
	if binding.CertStatus != domain.CertStatusIssued || binding.ExpiresAt == nil || !binding.ExpiresAt.Equal(expiry) {
		t.Fatalf("expected issued with expiry recorded, got %+v", binding)
	}
}

func TestRecordIssuanceSkipsUnchangedBinding(t *testing.T) {
	expiry := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	domains := newTestDomainRepo(domain.CustomDomain{
		FQDN:       "app.example.com",
		ProjectID:  "project-1",
		CertStatus: domain.CertStatusIssued,
		ExpiresAt:  &expiry,
	})
	cm := testCertManager(t, domains)

	for i := 0; i < 5; i++ {
		cm.recordIssuance("app.example.com", leafCert(expiry))
	}

	if domains.markCalls() != 0 {
		t.Fatalf("expected no writes for an unchanged binding, got %d", domains.markCalls())
	}
}

func TestRecordIssuanceWritesRenewedExpiry(t *testing.T) {
	old := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	renewed := old.AddDate(0, 3, 0)
	domains := newTestDomainRepo(domain.CustomDomain{
		FQDN:       "app.example.com",
		ProjectID:  "project-1",
		CertStatus: domain.CertStatusIssued,
		ExpiresAt:  &old,
	})
	cm := testCertManager(t, domains)

	cm.recordIssuance("app.example.com", leafCert(renewed))

	if domains.markCalls() != 1 {
		t.Fatalf("expected renewal recorded, got %d writes", domains.markCalls())
	}
}

func TestChallengeHandshakeNotRecorded(t *testing.T) {
	hello := &tls.ClientHelloInfo{
		ServerName:      "app.example.com",
		SupportedProtos: []string{acme.ALPNProto},
	}
	if !isChallengeHello(hello) {
		t.Fatal("expected challenge handshake detected")
	}
	if isChallengeHello(&tls.ClientHelloInfo{ServerName: "app.example.com", SupportedProtos: []string{"h2", "http/1.1"}}) {
		t.Fatal("regular handshake misread as challenge")
	}
}
