package domain

import "time"

// Certificate status for a custom domain.
const (
	CertStatusPending = "pending"
	CertStatusIssued  = "issued"
)

// CustomDomain binds a user-supplied FQDN to a project. Certificate material
// lives in the ACME cache keyed by FQDN; the binding tracks issuance status
// and expiry so renewal can run ahead of time.
type CustomDomain struct {
	FQDN       string     `json:"fqdn"`
	ProjectID  string     `json:"project_id"`
	CertStatus string     `json:"cert_status"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
