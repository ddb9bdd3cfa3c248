package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bloodline/internal/domain"
	"bloodline/internal/engine/auth"
	"bloodline/internal/events"
)

type CreateRequestInput struct {
	BloodGroup       string
	Units            int
	Urgency          string
	PatientHospital  string
	RecipientActorID *string
}

// CreateRequest broadcasts an emergency request. It stays claimable for
// a fixed window and then becomes permanently unclaimable; expiry is
// enforced inside the claim predicate, not by a sweep.
func (e *Engine) CreateRequest(ctx context.Context, donorID string, in CreateRequestInput) (*domain.Request, error) {
	if _, err := auth.RequireRole(ctx, e.DB, donorID, "donor"); err != nil {
		return nil, err
	}
	blocked, err := e.donorBlocked(ctx, donorID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, conflict(CodeDonorBlocked, "donor %s is blocked by an unresolved obligation", donorID)
	}
	if !e.validBloodGroup(in.BloodGroup) {
		return nil, &ValidationError{Field: "blood_group", Reason: "unknown blood group"}
	}
	if in.Units <= 0 {
		return nil, &ValidationError{Field: "units", Reason: "must be positive"}
	}
	urgency := in.Urgency
	if urgency == "" {
		urgency = "normal"
	}
	switch urgency {
	case "normal", "urgent", "critical":
	default:
		return nil, &ValidationError{Field: "urgency", Reason: "must be normal, urgent or critical"}
	}

	now := e.now()
	q := &domain.Request{
		ID:               uuid.NewString(),
		NetworkID:        e.Config.Network.ID,
		RequesterID:      donorID,
		BloodGroup:       in.BloodGroup,
		Units:            in.Units,
		Urgency:          urgency,
		PatientHospital:  in.PatientHospital,
		RecipientActorID: in.RecipientActorID,
		Status:           "pending",
		CreatedAt:        formatTime(now),
		ExpiresAt:        formatTime(now.Add(time.Duration(e.Config.Policy.RequestTTLMinutes) * time.Minute)),
		UpdatedAt:        formatTime(now),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.CreateRequest(ctx, tx, q); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "request.created", q.NetworkID, "request", q.ID, donorID, events.EventPayload{
		"blood_group": q.BloodGroup,
		"units":       q.Units,
		"urgency":     q.Urgency,
		"expires_at":  q.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return q, nil
}

// Claim resolves the race on a broadcast request with one conditional
// update. Exactly one hospital wins under concurrency; a repeat claim by
// the same winner succeeds again with unchanged effective state. Losers
// get an opaque conflict and must re-query.
func (e *Engine) Claim(ctx context.Context, requestID, actorID, decision string) (*domain.Request, error) {
	if _, err := auth.RequireRole(ctx, e.DB, actorID, "hospital"); err != nil {
		return nil, err
	}
	var status string
	var requirePending bool
	switch decision {
	case "approve":
		status = "approved"
	case "reject":
		status = "rejected"
		requirePending = true
	default:
		return nil, &ValidationError{Field: "decision", Reason: "must be approve or reject"}
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetRequestTx(ctx, tx, requestID); err != nil {
		return nil, err
	}
	ok, err := e.Repo.ClaimRequest(ctx, tx, requestID, actorID, status, formatTime(now), requirePending)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conflict(CodeConflict, "request %s not claimable, re-query", requestID)
	}
	if err := e.Events.Append(ctx, tx, "request.claimed", e.Config.Network.ID, "request", requestID, actorID, events.EventPayload{
		"decision": decision,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.Repo.GetRequest(ctx, requestID)
}

func (e *Engine) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	return e.Repo.GetRequest(ctx, id)
}

// ListOpenRequests returns requests still claimable at the current clock.
func (e *Engine) ListOpenRequests(ctx context.Context) ([]domain.Request, error) {
	return e.Repo.ListOpenRequests(ctx, e.Config.Network.ID, formatTime(e.now()))
}
