package repo

import (
	"context"
	"database/sql"
	"errors"

	"bloodline/internal/domain"
)

const requestColumns = `id, network_id, requester_id, blood_group, units, urgency,
	patient_hospital, recipient_actor_id, claiming_actor_id, status,
	created_at, expires_at, updated_at`

func (r *Repo) CreateRequest(ctx context.Context, tx *sql.Tx, q *domain.Request) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.NetworkID, q.RequesterID, q.BloodGroup, q.Units, q.Urgency,
		nullable(q.PatientHospital), nullableStringPtr(q.RecipientActorID),
		nullableStringPtr(q.ClaimingActorID), q.Status,
		q.CreatedAt, q.ExpiresAt, q.UpdatedAt)
	return err
}

func (r *Repo) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	return scanRequest(row.Scan)
}

func (r *Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (*domain.Request, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	return scanRequest(row.Scan)
}

// ListOpenRequests returns pending, unexpired requests in creation order.
func (r *Repo) ListOpenRequests(ctx context.Context, networkID, now string) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE network_id = ? AND status = 'pending' AND expires_at > ?
		ORDER BY created_at, id`, networkID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (r *Repo) ListRequestsByRequester(ctx context.Context, requesterID string) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE requester_id = ? ORDER BY created_at DESC, id`, requesterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ClaimRequest is the claim race point. The conditional update only
// succeeds while the request is unexpired and either unclaimed or
// already claimed by the same actor, which makes a repeat claim by the
// winner idempotent and everyone else a loser. A reject additionally
// requires the request to still be pending; an approve only needs the
// request not to have reached a terminal state.
func (r *Repo) ClaimRequest(ctx context.Context, tx *sql.Tx, id, actorID, status, now string, requirePending bool) (bool, error) {
	statusPred := `AND status IN ('pending','approved')`
	if requirePending {
		statusPred = `AND status = 'pending'`
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE requests
		SET claiming_actor_id = ?, status = ?, updated_at = ?
		WHERE id = ? AND expires_at > ?
		  AND (claiming_actor_id IS NULL OR claiming_actor_id = ?) `+statusPred,
		actorID, status, now, id, now, actorID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repo) MarkRequestFulfilled(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE requests SET status = 'fulfilled', updated_at = ?
		WHERE id = ? AND status = 'approved'`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repo) SetRequestRecipient(ctx context.Context, tx *sql.Tx, id, recipientID, now string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE requests SET recipient_actor_id = ?, updated_at = ? WHERE id = ?`,
		recipientID, now, id)
	return err
}

func scanRequest(scan func(dest ...any) error) (*domain.Request, error) {
	var q domain.Request
	var patientHospital, recipient, claiming sql.NullString
	err := scan(&q.ID, &q.NetworkID, &q.RequesterID, &q.BloodGroup, &q.Units, &q.Urgency,
		&patientHospital, &recipient, &claiming, &q.Status,
		&q.CreatedAt, &q.ExpiresAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	q.PatientHospital = patientHospital.String
	q.RecipientActorID = stringPtr(recipient)
	q.ClaimingActorID = stringPtr(claiming)
	return &q, nil
}

func collectRequests(rows *sql.Rows) ([]domain.Request, error) {
	var out []domain.Request
	for rows.Next() {
		q, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}
