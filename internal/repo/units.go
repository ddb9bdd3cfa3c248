package repo

import (
	"context"
	"database/sql"
	"errors"

	"bloodline/internal/domain"
)

const unitColumns = `id, network_id, blood_group, volume_ml, collection_date, expiry_date,
	origin_actor_id, current_owner_id, status, transfer_count, exchange_status,
	cold_chain_intact, created_at, updated_at`

func (r *Repo) CreateUnit(ctx context.Context, tx *sql.Tx, u *domain.BloodUnit) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO blood_units (`+unitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.NetworkID, u.BloodGroup, u.VolumeML, u.CollectionDate, u.ExpiryDate,
		u.OriginActorID, u.CurrentOwnerID, u.Status, u.TransferCount, u.ExchangeStatus,
		boolInt(u.ColdChainIntact), u.CreatedAt, u.UpdatedAt)
	return err
}

func (r *Repo) GetUnit(ctx context.Context, id string) (*domain.BloodUnit, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+unitColumns+` FROM blood_units WHERE id = ?`, id)
	return scanUnit(row.Scan)
}

func (r *Repo) GetUnitTx(ctx context.Context, tx *sql.Tx, id string) (*domain.BloodUnit, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+unitColumns+` FROM blood_units WHERE id = ?`, id)
	return scanUnit(row.Scan)
}

func (r *Repo) ListUnitsByOwner(ctx context.Context, ownerID string) ([]domain.BloodUnit, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+unitColumns+` FROM blood_units
		WHERE current_owner_id = ? ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUnits(rows)
}

func (r *Repo) ListListedUnits(ctx context.Context, networkID string) ([]domain.BloodUnit, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+unitColumns+` FROM blood_units
		WHERE network_id = ? AND exchange_status = 'listed' ORDER BY expiry_date, id`, networkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUnits(rows)
}

// MarkUnitListed flips a unit onto the exchange board. Idempotent: a
// second listing of an already listed unit affects the row the same way.
func (r *Repo) MarkUnitListed(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE blood_units SET exchange_status = 'listed', updated_at = ?
		WHERE id = ? AND status = 'available' AND exchange_status IN ('none','listed')
		  AND transfer_count = 0 AND expiry_date > ?`,
		now, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TransferListedUnit is the transfer race point. The WHERE clause makes
// the update a compare-and-swap: only one concurrent caller can observe
// exchange_status = 'listed' with transfer_count = 0, so only one row
// update succeeds.
func (r *Repo) TransferListedUnit(ctx context.Context, tx *sql.Tx, id, newOwnerID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE blood_units
		SET current_owner_id = ?, status = 'transferred', exchange_status = 'transferred',
		    transfer_count = transfer_count + 1, updated_at = ?
		WHERE id = ? AND exchange_status = 'listed' AND transfer_count = 0
		  AND expiry_date > ? AND current_owner_id <> ?`,
		newOwnerID, now, id, now, newOwnerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repo) UpdateUnitStatus(ctx context.Context, tx *sql.Tx, id, from, to, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE blood_units SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`, to, now, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ExpireUnits marks past-expiry units that are still circulating.
func (r *Repo) ExpireUnits(ctx context.Context, tx *sql.Tx, networkID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE blood_units SET status = 'expired', updated_at = ?
		WHERE network_id = ? AND expiry_date <= ? AND status IN ('available','reserved','transferred')`,
		now, networkID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repo) CreateUnitIssue(ctx context.Context, tx *sql.Tx, iss *domain.UnitIssue) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO unit_issues (bag_id, request_id, issued_by, issued_at)
		VALUES (?, ?, ?, ?)`,
		iss.BagID, iss.RequestID, iss.IssuedBy, iss.IssuedAt)
	return err
}

func (r *Repo) GetUnitIssue(ctx context.Context, bagID string) (*domain.UnitIssue, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT bag_id, request_id, issued_by, issued_at FROM unit_issues WHERE bag_id = ?`, bagID)
	var iss domain.UnitIssue
	if err := row.Scan(&iss.BagID, &iss.RequestID, &iss.IssuedBy, &iss.IssuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &iss, nil
}

func scanUnit(scan func(dest ...any) error) (*domain.BloodUnit, error) {
	var u domain.BloodUnit
	var coldChain int
	err := scan(&u.ID, &u.NetworkID, &u.BloodGroup, &u.VolumeML, &u.CollectionDate,
		&u.ExpiryDate, &u.OriginActorID, &u.CurrentOwnerID, &u.Status, &u.TransferCount,
		&u.ExchangeStatus, &coldChain, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.ColdChainIntact = coldChain != 0
	return &u, nil
}

func collectUnits(rows *sql.Rows) ([]domain.BloodUnit, error) {
	var out []domain.BloodUnit
	for rows.Next() {
		u, err := scanUnit(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
