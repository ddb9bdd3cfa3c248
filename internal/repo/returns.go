package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"bloodline/internal/domain"
)

const returnColumns = `id, obligation_id, donor_id, verifier_id, status,
	declared_unit_ids_json, declared_expiry, created_at, updated_at`

func (r *Repo) CreateReturnRequest(ctx context.Context, tx *sql.Tx, rr *domain.ReturnRequest) error {
	var unitIDs any
	if len(rr.DeclaredUnitIDs) > 0 {
		data, err := json.Marshal(rr.DeclaredUnitIDs)
		if err != nil {
			return err
		}
		unitIDs = string(data)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO return_requests (`+returnColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rr.ID, rr.ObligationID, rr.DonorID, nullableStringPtr(rr.VerifierID), rr.Status,
		unitIDs, nullableStringPtr(rr.DeclaredExpiry), rr.CreatedAt, rr.UpdatedAt)
	return err
}

func (r *Repo) GetReturnRequest(ctx context.Context, id string) (*domain.ReturnRequest, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+returnColumns+` FROM return_requests WHERE id = ?`, id)
	return scanReturnRequest(row.Scan)
}

func (r *Repo) GetReturnRequestTx(ctx context.Context, tx *sql.Tx, id string) (*domain.ReturnRequest, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+returnColumns+` FROM return_requests WHERE id = ?`, id)
	return scanReturnRequest(row.Scan)
}

func (r *Repo) ListReturnRequestsByObligation(ctx context.Context, obligationID string) ([]domain.ReturnRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+returnColumns+` FROM return_requests
		WHERE obligation_id = ? ORDER BY created_at, id`, obligationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ReturnRequest
	for rows.Next() {
		rr, err := scanReturnRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rr)
	}
	return out, rows.Err()
}

// HasPendingReturn reports whether an obligation already has an
// unresolved return declaration.
func (r *Repo) HasPendingReturn(ctx context.Context, tx *sql.Tx, obligationID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM return_requests WHERE obligation_id = ? AND status = 'pending'`,
		obligationID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResolveReturnRequest settles a pending return one way or the other.
func (r *Repo) ResolveReturnRequest(ctx context.Context, tx *sql.Tx, id, verifierID, status, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE return_requests SET status = ?, verifier_id = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		status, verifierID, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanReturnRequest(scan func(dest ...any) error) (*domain.ReturnRequest, error) {
	var rr domain.ReturnRequest
	var verifier, unitIDs, declaredExpiry sql.NullString
	err := scan(&rr.ID, &rr.ObligationID, &rr.DonorID, &verifier, &rr.Status,
		&unitIDs, &declaredExpiry, &rr.CreatedAt, &rr.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rr.VerifierID = stringPtr(verifier)
	rr.DeclaredExpiry = stringPtr(declaredExpiry)
	if unitIDs.Valid && unitIDs.String != "" {
		if err := json.Unmarshal([]byte(unitIDs.String), &rr.DeclaredUnitIDs); err != nil {
			return nil, err
		}
	}
	return &rr, nil
}
