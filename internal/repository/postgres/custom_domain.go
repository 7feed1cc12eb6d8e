package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
)

// UpsertDomain creates or re-points a custom domain binding.
func (r *Repository) UpsertDomain(ctx context.Context, d *domain.CustomDomain) error {
	const query = `INSERT INTO custom_domains (fqdn, project_id, cert_status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fqdn) DO UPDATE SET project_id = EXCLUDED.project_id, updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query, d.FQDN, d.ProjectID, d.CertStatus, d.ExpiresAt, d.CreatedAt, d.UpdatedAt)
	return err
}

// GetDomain fetches a binding by FQDN.
func (r *Repository) GetDomain(ctx context.Context, fqdn string) (*domain.CustomDomain, error) {
	const query = `SELECT fqdn, project_id, cert_status, expires_at, created_at, updated_at
		FROM custom_domains WHERE fqdn = $1`
	return scanDomain(r.pool.QueryRow(ctx, query, fqdn))
}

// ListDomainsByProject returns bindings attached to a project.
func (r *Repository) ListDomainsByProject(ctx context.Context, projectID string) ([]domain.CustomDomain, error) {
	const query = `SELECT fqdn, project_id, cert_status, expires_at, created_at, updated_at
		FROM custom_domains WHERE project_id = $1 ORDER BY fqdn`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDomains(rows)
}

// ListDomainsExpiringBefore returns issued bindings whose certificate expiry
// falls before the cutoff; the renewal sweep feeds on this.
func (r *Repository) ListDomainsExpiringBefore(ctx context.Context, cutoff time.Time) ([]domain.CustomDomain, error) {
	const query = `SELECT fqdn, project_id, cert_status, expires_at, created_at, updated_at
		FROM custom_domains WHERE expires_at IS NOT NULL AND expires_at < $1 ORDER BY expires_at`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDomains(rows)
}

// ListPendingDomains returns bindings still awaiting certificate issuance.
func (r *Repository) ListPendingDomains(ctx context.Context) ([]domain.CustomDomain, error) {
	const query = `SELECT fqdn, project_id, cert_status, expires_at, created_at, updated_at
		FROM custom_domains WHERE cert_status = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, domain.CertStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDomains(rows)
}

// MarkDomainIssued records successful certificate issuance and its expiry.
func (r *Repository) MarkDomainIssued(ctx context.Context, fqdn string, expiresAt time.Time) error {
	const query = `UPDATE custom_domains SET cert_status = $1, expires_at = $2, updated_at = $3 WHERE fqdn = $4`
	tag, err := r.pool.Exec(ctx, query, domain.CertStatusIssued, expiresAt, time.Now().UTC(), fqdn)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteDomain removes a binding.
func (r *Repository) DeleteDomain(ctx context.Context, fqdn string) error {
	const query = `DELETE FROM custom_domains WHERE fqdn = $1`
	_, err := r.pool.Exec(ctx, query, fqdn)
	return err
}

func scanDomain(row pgx.Row) (*domain.CustomDomain, error) {
	var d domain.CustomDomain
	if err := row.Scan(&d.FQDN, &d.ProjectID, &d.CertStatus, &d.ExpiresAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func collectDomains(rows pgx.Rows) ([]domain.CustomDomain, error) {
	var domains []domain.CustomDomain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, *d)
	}
	return domains, rows.Err()
}
