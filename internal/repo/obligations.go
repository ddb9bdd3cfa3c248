package repo

import (
	"context"
	"database/sql"
	"errors"

	"bloodline/internal/domain"
)

const obligationColumns = `id, network_id, request_id, donor_id, issued_at, due_at,
	status, extensions_used, deposit_amount, refund_amount, cleared_at, updated_at`

func (r *Repo) CreateObligation(ctx context.Context, tx *sql.Tx, o *domain.Obligation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO obligations (`+obligationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.NetworkID, o.RequestID, o.DonorID, o.IssuedAt, o.DueAt,
		o.Status, o.ExtensionsUsed, o.DepositAmount, nullableIntPtr(o.RefundAmount),
		nullableStringPtr(o.ClearedAt), o.UpdatedAt)
	return err
}

func nullableIntPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func (r *Repo) GetObligation(ctx context.Context, id string) (*domain.Obligation, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+obligationColumns+` FROM obligations WHERE id = ?`, id)
	return scanObligation(row.Scan)
}

func (r *Repo) GetObligationTx(ctx context.Context, tx *sql.Tx, id string) (*domain.Obligation, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+obligationColumns+` FROM obligations WHERE id = ?`, id)
	return scanObligation(row.Scan)
}

func (r *Repo) GetObligationByRequest(ctx context.Context, requestID string) (*domain.Obligation, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+obligationColumns+` FROM obligations WHERE request_id = ?`, requestID)
	return scanObligation(row.Scan)
}

func (r *Repo) ListObligationsByDonor(ctx context.Context, donorID string) ([]domain.Obligation, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+obligationColumns+` FROM obligations
		WHERE donor_id = ? ORDER BY issued_at, id`, donorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectObligations(rows)
}

// ExtendObligation pushes due_at forward and bumps the extension count.
// The guard on extensions_used keeps concurrent extensions from blowing
// past the cap.
func (r *Repo) ExtendObligation(ctx context.Context, tx *sql.Tx, id, newDueAt string, maxExtensions int, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE obligations
		SET due_at = ?, extensions_used = extensions_used + 1, status = 'extended', updated_at = ?
		WHERE id = ? AND extensions_used < ? AND status IN ('active','extended','overdue')`,
		newDueAt, now, id, maxExtensions)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearObligation settles an obligation, recording the refund computed
// at verification time. Only an unsettled obligation can be cleared.
func (r *Repo) ClearObligation(ctx context.Context, tx *sql.Tx, id string, refundAmount int, clearedAt, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE obligations
		SET status = 'cleared', refund_amount = ?, cleared_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('active','extended','overdue','blocked')`,
		refundAmount, clearedAt, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateObligationStatus caches a derived status on the row. Settled
// obligations are never touched.
func (r *Repo) UpdateObligationStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE obligations SET status = ?, updated_at = ?
		WHERE id = ? AND status <> 'cleared'`, status, now, id)
	return err
}

func scanObligation(scan func(dest ...any) error) (*domain.Obligation, error) {
	var o domain.Obligation
	var refund sql.NullInt64
	var clearedAt sql.NullString
	err := scan(&o.ID, &o.NetworkID, &o.RequestID, &o.DonorID, &o.IssuedAt, &o.DueAt,
		&o.Status, &o.ExtensionsUsed, &o.DepositAmount, &refund, &clearedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	o.RefundAmount = intPtr(refund)
	o.ClearedAt = stringPtr(clearedAt)
	return &o, nil
}

func collectObligations(rows *sql.Rows) ([]domain.Obligation, error) {
	var out []domain.Obligation
	for rows.Next() {
		o, err := scanObligation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
