package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"bloodline/internal/domain"
	"bloodline/internal/engine/auth"
	"bloodline/internal/events"
	"bloodline/internal/repo"
)

// Eligibility reasons, first failing one wins.
const (
	ReasonNotAvailable    = "not_available"
	ReasonExpired         = "expired"
	ReasonLimitExceeded   = "limit_exceeded"
	ReasonNotNearExpiry   = "not_near_expiry"
	ReasonColdChainBroken = "cold_chain_broken"
)

type IntakeUnitInput struct {
	BloodGroup      string
	VolumeML        int
	CollectionDate  string
	ExpiryDate      string
	ColdChainIntact *bool
}

// IntakeUnit registers a freshly collected bag under the intaking
// hospital's ownership.
func (e *Engine) IntakeUnit(ctx context.Context, actorID string, in IntakeUnitInput) (*domain.BloodUnit, error) {
	if _, err := auth.RequireRole(ctx, e.DB, actorID, "hospital"); err != nil {
		return nil, err
	}
	if !e.validBloodGroup(in.BloodGroup) {
		return nil, &ValidationError{Field: "blood_group", Reason: "unknown blood group"}
	}
	if in.VolumeML <= 0 {
		return nil, &ValidationError{Field: "volume_ml", Reason: "must be positive"}
	}
	collected, err := parseTime(in.CollectionDate)
	if err != nil {
		return nil, &ValidationError{Field: "collection_date", Reason: err.Error()}
	}
	expiry, err := parseTime(in.ExpiryDate)
	if err != nil {
		return nil, &ValidationError{Field: "expiry_date", Reason: err.Error()}
	}
	if !expiry.After(collected) {
		return nil, &ValidationError{Field: "expiry_date", Reason: "must be after collection_date"}
	}
	coldChain := true
	if in.ColdChainIntact != nil {
		coldChain = *in.ColdChainIntact
	}

	now := e.now()
	u := &domain.BloodUnit{
		ID:              uuid.NewString(),
		NetworkID:       e.Config.Network.ID,
		BloodGroup:      in.BloodGroup,
		VolumeML:        in.VolumeML,
		CollectionDate:  formatTime(collected),
		ExpiryDate:      formatTime(expiry),
		OriginActorID:   actorID,
		CurrentOwnerID:  actorID,
		Status:          "available",
		ExchangeStatus:  "none",
		ColdChainIntact: coldChain,
		CreatedAt:       formatTime(now),
		UpdatedAt:       formatTime(now),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.CreateUnit(ctx, tx, u); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "unit.intake", u.NetworkID, "unit", u.ID, actorID, events.EventPayload{
		"blood_group": u.BloodGroup,
		"expiry_date": u.ExpiryDate,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

// EvaluateEligibility is the pure exchange-eligibility check. Only
// near-expiry surplus may be exchanged, so a long shelf life fails with
// not_near_expiry. The expiry window boundary is inclusive.
func EvaluateEligibility(u *domain.BloodUnit, now time.Time, windowDays int) (bool, string) {
	if u.Status != "available" {
		return false, ReasonNotAvailable
	}
	expiry, err := parseTime(u.ExpiryDate)
	if err != nil || !expiry.After(now) {
		return false, ReasonExpired
	}
	if u.TransferCount >= 1 {
		return false, ReasonLimitExceeded
	}
	if wholeDays(now, expiry) > windowDays {
		return false, ReasonNotNearExpiry
	}
	if !u.ColdChainIntact {
		return false, ReasonColdChainBroken
	}
	return true, ""
}

type EligibilityResult struct {
	BagID    string
	Eligible bool
	Reason   string
}

func (e *Engine) CheckEligibility(ctx context.Context, bagID string) (*EligibilityResult, error) {
	u, err := e.Repo.GetUnit(ctx, bagID)
	if err != nil {
		return nil, err
	}
	ok, reason := EvaluateEligibility(u, e.now(), e.Config.Policy.ExchangeWindowDays)
	return &EligibilityResult{BagID: u.ID, Eligible: ok, Reason: reason}, nil
}

// ListUnit puts an owned, eligible unit on the exchange board.
// Re-listing an already listed unit is a no-op that still succeeds.
func (e *Engine) ListUnit(ctx context.Context, bagID, ownerActorID string) (*domain.BloodUnit, error) {
	if _, err := auth.RequireRole(ctx, e.DB, ownerActorID, "hospital"); err != nil {
		return nil, err
	}
	u, err := e.Repo.GetUnit(ctx, bagID)
	if err != nil {
		return nil, err
	}
	if u.CurrentOwnerID != ownerActorID {
		return nil, &auth.ForbiddenError{ActorID: ownerActorID, Reason: "not the unit's current owner"}
	}
	now := e.now()
	if ok, reason := EvaluateEligibility(u, now, e.Config.Policy.ExchangeWindowDays); !ok {
		return nil, conflict(CodeIneligible, "unit %s is not eligible: %s", bagID, reason)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.MarkUnitListed(ctx, tx, bagID, formatTime(now))
	if err != nil {
		return nil, err
	}
	if !ok {
		// eligibility passed a moment ago; the row moved under us
		return nil, conflict(CodeConflict, "unit %s changed state, re-query", bagID)
	}
	if u.ExchangeStatus != "listed" {
		if err := e.Events.Append(ctx, tx, "unit.listed", u.NetworkID, "unit", u.ID, ownerActorID, nil); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.Repo.GetUnit(ctx, bagID)
}

// TransferUnit moves a listed unit to a claiming hospital. The gated
// update re-validates listed state, the one-hop rule and expiry inside
// the statement, so exactly one of N concurrent calls succeeds. Losers
// get a classified reason from a follow-up read.
func (e *Engine) TransferUnit(ctx context.Context, bagID, claimingActorID string) (*domain.BloodUnit, error) {
	if _, err := auth.RequireRole(ctx, e.DB, claimingActorID, "hospital"); err != nil {
		return nil, err
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	before, err := e.Repo.GetUnitTx(ctx, tx, bagID)
	if err != nil {
		return nil, err
	}
	if before.CurrentOwnerID == claimingActorID {
		return nil, &ValidationError{Field: "actor_id", Reason: "cannot transfer a unit to its current owner"}
	}

	ok, err := e.Repo.TransferListedUnit(ctx, tx, bagID, claimingActorID, formatTime(now))
	if err != nil {
		return nil, err
	}
	if !ok {
		after, rerr := e.Repo.GetUnitTx(ctx, tx, bagID)
		if rerr != nil {
			return nil, rerr
		}
		switch {
		case after.TransferCount >= 1:
			return nil, conflict(CodeLimitExceeded, "unit %s already made its one permitted hop", bagID)
		case !unitExpiryAfter(after, now):
			return nil, conflict(CodeExpired, "unit %s is past expiry", bagID)
		case after.ExchangeStatus != "listed":
			return nil, conflict(CodeNotListed, "unit %s is not listed for exchange", bagID)
		default:
			return nil, conflict(CodeConflict, "unit %s changed state, re-query", bagID)
		}
	}
	if err := e.Events.Append(ctx, tx, "unit.transferred", before.NetworkID, "unit", bagID, claimingActorID, events.EventPayload{
		"from": before.CurrentOwnerID,
		"to":   claimingActorID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.Repo.GetUnit(ctx, bagID)
}

func unitExpiryAfter(u *domain.BloodUnit, now time.Time) bool {
	expiry, err := parseTime(u.ExpiryDate)
	if err != nil {
		return false
	}
	return expiry.After(now)
}

// MarkUnitIssued records that the pickup workflow consumed a unit for a
// request. The unit must still be available and match the request's
// blood group.
func (e *Engine) MarkUnitIssued(ctx context.Context, bagID, requestID, actorID string) (*domain.UnitIssue, error) {
	if _, err := auth.RequireRole(ctx, e.DB, actorID, "hospital"); err != nil {
		return nil, err
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	u, err := e.Repo.GetUnitTx(ctx, tx, bagID)
	if err != nil {
		return nil, err
	}
	q, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if u.BloodGroup != q.BloodGroup {
		return nil, &ValidationError{Field: "bag_id", Reason: "blood group does not match the request"}
	}
	if _, err := e.Repo.GetUnitIssue(ctx, bagID); err == nil {
		return nil, conflict(CodeAlreadyIssued, "unit %s was already issued", bagID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	ok, err := e.Repo.UpdateUnitStatus(ctx, tx, bagID, "available", "used", formatTime(now))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conflict(CodeConflict, "unit %s is not available", bagID)
	}
	iss := &domain.UnitIssue{
		BagID:     bagID,
		RequestID: requestID,
		IssuedBy:  actorID,
		IssuedAt:  formatTime(now),
	}
	if err := e.Repo.CreateUnitIssue(ctx, tx, iss); err != nil {
		return nil, err
	}
	// fulfillment confirmation; tolerated when another bag already
	// flipped the request
	if _, err := e.Repo.MarkRequestFulfilled(ctx, tx, requestID, formatTime(now)); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "unit.issued", u.NetworkID, "unit", bagID, actorID, events.EventPayload{
		"request_id": requestID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return iss, nil
}

// SweepExpiredUnits flags past-expiry circulating units for reporting.
// Derivation at read time stays authoritative; this only refreshes the
// stored status cache.
func (e *Engine) SweepExpiredUnits(ctx context.Context, actorID string) (int64, error) {
	if _, err := auth.RequireRole(ctx, e.DB, actorID, "hospital", "admin"); err != nil {
		return 0, err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.Repo.ExpireUnits(ctx, tx, e.Config.Network.ID, formatTime(now))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := e.Events.Append(ctx, tx, "units.swept", e.Config.Network.ID, "network", e.Config.Network.ID, actorID, events.EventPayload{
			"expired": n,
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (e *Engine) validBloodGroup(g string) bool {
	for _, bg := range e.Config.BloodGroups {
		if bg == g {
			return true
		}
	}
	return false
}
