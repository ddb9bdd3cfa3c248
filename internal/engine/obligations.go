package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"bloodline/internal/config"
	"bloodline/internal/domain"
	"bloodline/internal/engine/auth"
	"bloodline/internal/events"
	"bloodline/internal/repo"
)

// Tier is the time-derived position of an obligation: what it costs and
// how much of the deposit is still refundable.
type Tier struct {
	Status        string  `json:"status"`
	DaysOverdue   int     `json:"days_overdue"`
	Multiplier    float64 `json:"multiplier"`
	RefundPercent int     `json:"refund_percent"`
}

// DeriveTier computes the obligation's tier purely from elapsed time
// past the due date. Stored status is a cache; every read and action
// path trusts this derivation instead. Settled obligations keep their
// recorded outcome.
func DeriveTier(o *domain.Obligation, now time.Time, p config.Policy) (Tier, error) {
	if o.Status == "cleared" {
		pct := 0
		if o.RefundAmount != nil && o.DepositAmount > 0 {
			pct = *o.RefundAmount * 100 / o.DepositAmount
		}
		return Tier{Status: "cleared", Multiplier: 1, RefundPercent: pct}, nil
	}
	due, err := parseTime(o.DueAt)
	if err != nil {
		return Tier{}, err
	}
	days := wholeDays(due, now)
	if days < 0 {
		days = 0
	}
	if days > p.BlockedAfterDays {
		last := p.Tiers[len(p.Tiers)-1]
		return Tier{Status: "blocked", DaysOverdue: days, Multiplier: last.Multiplier, RefundPercent: 0}, nil
	}
	for _, t := range p.Tiers {
		if days <= t.UpToDays {
			status := "overdue"
			if days == 0 {
				status = "active"
				if o.ExtensionsUsed > 0 {
					status = "extended"
				}
			}
			return Tier{Status: status, DaysOverdue: days, Multiplier: t.Multiplier, RefundPercent: t.RefundPercent}, nil
		}
	}
	last := p.Tiers[len(p.Tiers)-1]
	return Tier{Status: "blocked", DaysOverdue: days, Multiplier: last.Multiplier, RefundPercent: 0}, nil
}

// IssueObligation creates the one obligation a fulfilled request carries.
func (e *Engine) IssueObligation(ctx context.Context, requestID, donorID, actorID string) (*domain.Obligation, error) {
	if _, err := auth.RequireRole(ctx, e.DB, actorID, "hospital", "admin"); err != nil {
		return nil, err
	}
	q, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if q.Status != "fulfilled" {
		return nil, conflict(CodeConflict, "request %s is not fulfilled", requestID)
	}
	if q.RequesterID != donorID {
		return nil, &ValidationError{Field: "donor_id", Reason: "does not match the request's donor"}
	}
	if _, err := e.Repo.GetObligationByRequest(ctx, requestID); err == nil {
		return nil, conflict(CodeAlreadyIssued, "request %s already carries an obligation", requestID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	now := e.now()
	o := &domain.Obligation{
		ID:            uuid.NewString(),
		NetworkID:     e.Config.Network.ID,
		RequestID:     requestID,
		DonorID:       donorID,
		IssuedAt:      formatTime(now),
		DueAt:         formatTime(now.AddDate(0, 0, e.Config.Policy.ObligationTermDays)),
		Status:        "active",
		DepositAmount: e.Config.Policy.DepositPerUnit * q.Units,
		UpdatedAt:     formatTime(now),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.CreateObligation(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "obligation.issued", o.NetworkID, "obligation", o.ID, actorID, events.EventPayload{
		"request_id": requestID,
		"donor_id":   donorID,
		"due_at":     o.DueAt,
		"deposit":    o.DepositAmount,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

// ObligationView pairs the stored row with its derived tier.
type ObligationView struct {
	Obligation domain.Obligation `json:"obligation"`
	Tier       Tier              `json:"tier"`
}

func (e *Engine) GetObligation(ctx context.Context, id string) (*ObligationView, error) {
	o, err := e.Repo.GetObligation(ctx, id)
	if err != nil {
		return nil, err
	}
	tier, err := DeriveTier(o, e.now(), e.Config.Policy)
	if err != nil {
		return nil, err
	}
	return &ObligationView{Obligation: *o, Tier: tier}, nil
}

// ExtendObligation pushes the due date forward. Extending does not reset
// elapsed overdue history; it moves the reference point, so a previously
// overdue obligation can become current again.
func (e *Engine) ExtendObligation(ctx context.Context, oblID, donorID string) (*ObligationView, error) {
	if _, err := auth.RequireRole(ctx, e.DB, donorID, "donor"); err != nil {
		return nil, err
	}
	o, err := e.Repo.GetObligation(ctx, oblID)
	if err != nil {
		return nil, err
	}
	if o.DonorID != donorID {
		return nil, &auth.ForbiddenError{ActorID: donorID, Reason: "not the obligation's donor"}
	}
	now := e.now()
	if o.ExtensionsUsed >= e.Config.Policy.MaxExtensions {
		return nil, conflict(CodeMaxExtensions, "obligation %s used all %d extensions", oblID, e.Config.Policy.MaxExtensions)
	}
	tier, err := DeriveTier(o, now, e.Config.Policy)
	if err != nil {
		return nil, err
	}
	if tier.Status == "cleared" || tier.Status == "blocked" {
		return nil, conflict(CodeConflict, "obligation %s is %s", oblID, tier.Status)
	}
	due, err := parseTime(o.DueAt)
	if err != nil {
		return nil, err
	}
	newDue := formatTime(due.AddDate(0, 0, e.Config.Policy.ExtensionDays))

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.ExtendObligation(ctx, tx, oblID, newDue, e.Config.Policy.MaxExtensions, formatTime(now))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conflict(CodeMaxExtensions, "obligation %s used all %d extensions", oblID, e.Config.Policy.MaxExtensions)
	}
	if err := e.Events.Append(ctx, tx, "obligation.extended", o.NetworkID, "obligation", oblID, donorID, events.EventPayload{
		"due_at": newDue,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.GetObligation(ctx, oblID)
}

type ReturnInput struct {
	DeclaredUnitIDs []string
	DeclaredExpiry  *string
}

// RequestReturn files the donor's claim to have returned units. The
// obligation itself is untouched until a hospital verifies.
func (e *Engine) RequestReturn(ctx context.Context, oblID, donorID string, in ReturnInput) (*domain.ReturnRequest, error) {
	if _, err := auth.RequireRole(ctx, e.DB, donorID, "donor"); err != nil {
		return nil, err
	}
	o, err := e.Repo.GetObligation(ctx, oblID)
	if err != nil {
		return nil, err
	}
	if o.DonorID != donorID {
		return nil, &auth.ForbiddenError{ActorID: donorID, Reason: "not the obligation's donor"}
	}
	if o.Status == "cleared" {
		return nil, conflict(CodeAlreadySettled, "obligation %s is already cleared", oblID)
	}
	if in.DeclaredExpiry != nil {
		if _, err := parseTime(*in.DeclaredExpiry); err != nil {
			return nil, &ValidationError{Field: "declared_expiry", Reason: err.Error()}
		}
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	pending, err := e.Repo.HasPendingReturn(ctx, tx, oblID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, conflict(CodeReturnPending, "obligation %s already has a pending return", oblID)
	}
	rr := &domain.ReturnRequest{
		ID:              uuid.NewString(),
		ObligationID:    oblID,
		DonorID:         donorID,
		Status:          "pending",
		DeclaredUnitIDs: in.DeclaredUnitIDs,
		DeclaredExpiry:  in.DeclaredExpiry,
		CreatedAt:       formatTime(now),
		UpdatedAt:       formatTime(now),
	}
	if err := e.Repo.CreateReturnRequest(ctx, tx, rr); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "return.requested", o.NetworkID, "return_request", rr.ID, donorID, events.EventPayload{
		"obligation_id": oblID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rr, nil
}

// VerifyReturn settles a pending return. Approval clears the obligation
// and fixes the refund from the tier derived at verification time, which
// is the single elapsed-time convention used everywhere. Rejection
// leaves the obligation in its prior tier; the donor may resubmit.
func (e *Engine) VerifyReturn(ctx context.Context, rrID, hospitalActorID, decision string) (*ObligationView, error) {
	if _, err := auth.RequireRole(ctx, e.DB, hospitalActorID, "hospital"); err != nil {
		return nil, err
	}
	var status string
	switch decision {
	case "approve":
		status = "approved"
	case "reject":
		status = "rejected"
	default:
		return nil, &ValidationError{Field: "decision", Reason: "must be approve or reject"}
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rr, err := e.Repo.GetReturnRequestTx(ctx, tx, rrID)
	if err != nil {
		return nil, err
	}
	ok, err := e.Repo.ResolveReturnRequest(ctx, tx, rrID, hospitalActorID, status, formatTime(now))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conflict(CodeConflict, "return %s is already resolved", rrID)
	}
	o, err := e.Repo.GetObligationTx(ctx, tx, rr.ObligationID)
	if err != nil {
		return nil, err
	}
	if status == "approved" {
		tier, err := DeriveTier(o, now, e.Config.Policy)
		if err != nil {
			return nil, err
		}
		if tier.Status == "cleared" {
			return nil, conflict(CodeAlreadySettled, "obligation %s is already cleared", o.ID)
		}
		refund := o.DepositAmount * tier.RefundPercent / 100
		cleared, err := e.Repo.ClearObligation(ctx, tx, o.ID, refund, formatTime(now), formatTime(now))
		if err != nil {
			return nil, err
		}
		if !cleared {
			return nil, conflict(CodeAlreadySettled, "obligation %s is already settled", o.ID)
		}
		if err := e.Events.Append(ctx, tx, "obligation.cleared", o.NetworkID, "obligation", o.ID, hospitalActorID, events.EventPayload{
			"return_request_id": rrID,
			"refund_amount":     refund,
			"refund_percent":    tier.RefundPercent,
			"days_overdue":      tier.DaysOverdue,
		}); err != nil {
			return nil, err
		}
	} else {
		if err := e.Events.Append(ctx, tx, "return.rejected", o.NetworkID, "return_request", rrID, hospitalActorID, events.EventPayload{
			"obligation_id": o.ID,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.GetObligation(ctx, o.ID)
}

// DonorStanding reports a donor's obligations with derived tiers and
// whether the donor is blocked from creating new requests.
type DonorStanding struct {
	DonorID     string           `json:"donor_id"`
	Blocked     bool             `json:"blocked"`
	Obligations []ObligationView `json:"obligations"`
}

func (e *Engine) GetDonorStanding(ctx context.Context, donorID string) (*DonorStanding, error) {
	if _, err := e.Repo.GetActor(ctx, donorID); err != nil {
		return nil, err
	}
	obls, err := e.Repo.ListObligationsByDonor(ctx, donorID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	standing := &DonorStanding{DonorID: donorID}
	for i := range obls {
		tier, err := DeriveTier(&obls[i], now, e.Config.Policy)
		if err != nil {
			return nil, err
		}
		if tier.Status == "blocked" && obls[i].ExtensionsUsed >= e.Config.Policy.MaxExtensions {
			standing.Blocked = true
		}
		standing.Obligations = append(standing.Obligations, ObligationView{Obligation: obls[i], Tier: tier})
	}
	return standing, nil
}

func (e *Engine) donorBlocked(ctx context.Context, donorID string) (bool, error) {
	obls, err := e.Repo.ListObligationsByDonor(ctx, donorID)
	if err != nil {
		return false, err
	}
	now := e.now()
	for i := range obls {
		tier, err := DeriveTier(&obls[i], now, e.Config.Policy)
		if err != nil {
			return false, err
		}
		if tier.Status == "blocked" && obls[i].ExtensionsUsed >= e.Config.Policy.MaxExtensions {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) ListObligationsByDonor(ctx context.Context, donorID string) ([]ObligationView, error) {
	standing, err := e.GetDonorStanding(ctx, donorID)
	if err != nil {
		return nil, err
	}
	return standing.Obligations, nil
}
