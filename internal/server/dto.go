package server

import (
	"bloodline/internal/domain"
	"bloodline/internal/engine"
)

type CreateRequestRequest struct {
	BloodGroup       string  `json:"blood_group" example:"O-"`
	Units            int     `json:"units" example:"2"`
	Urgency          string  `json:"urgency,omitempty" enum:"normal,urgent,critical"`
	PatientHospital  string  `json:"patient_hospital,omitempty"`
	RecipientActorID *string `json:"recipient_actor_id,omitempty"`
}

type ClaimRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
}

type RequestResponse struct {
	ID               string  `json:"id"`
	BloodGroup       string  `json:"blood_group"`
	Units            int     `json:"units"`
	Urgency          string  `json:"urgency"`
	PatientHospital  string  `json:"patient_hospital,omitempty"`
	RequesterID      string  `json:"requester_id"`
	RecipientActorID *string `json:"recipient_actor_id,omitempty"`
	ClaimingActorID  *string `json:"claiming_actor_id,omitempty"`
	Status           string  `json:"status"`
	CreatedAt        string  `json:"created_at"`
	ExpiresAt        string  `json:"expires_at"`
}

func requestResponse(q *domain.Request) RequestResponse {
	return RequestResponse{
		ID:               q.ID,
		BloodGroup:       q.BloodGroup,
		Units:            q.Units,
		Urgency:          q.Urgency,
		PatientHospital:  q.PatientHospital,
		RequesterID:      q.RequesterID,
		RecipientActorID: q.RecipientActorID,
		ClaimingActorID:  q.ClaimingActorID,
		Status:           q.Status,
		CreatedAt:        q.CreatedAt,
		ExpiresAt:        q.ExpiresAt,
	}
}

type IntakeUnitRequest struct {
	BloodGroup      string `json:"blood_group" example:"A+"`
	VolumeML        int    `json:"volume_ml" example:"450"`
	CollectionDate  string `json:"collection_date" format:"date-time"`
	ExpiryDate      string `json:"expiry_date" format:"date-time"`
	ColdChainIntact *bool  `json:"cold_chain_intact,omitempty"`
}

type UnitResponse struct {
	ID              string `json:"id"`
	BloodGroup      string `json:"blood_group"`
	VolumeML        int    `json:"volume_ml"`
	CollectionDate  string `json:"collection_date"`
	ExpiryDate      string `json:"expiry_date"`
	OriginActorID   string `json:"origin_actor_id"`
	CurrentOwnerID  string `json:"current_owner_id"`
	Status          string `json:"status"`
	TransferCount   int    `json:"transfer_count"`
	ExchangeStatus  string `json:"exchange_status"`
	ColdChainIntact bool   `json:"cold_chain_intact"`
}

func unitResponse(u *domain.BloodUnit) UnitResponse {
	return UnitResponse{
		ID:              u.ID,
		BloodGroup:      u.BloodGroup,
		VolumeML:        u.VolumeML,
		CollectionDate:  u.CollectionDate,
		ExpiryDate:      u.ExpiryDate,
		OriginActorID:   u.OriginActorID,
		CurrentOwnerID:  u.CurrentOwnerID,
		Status:          u.Status,
		TransferCount:   u.TransferCount,
		ExchangeStatus:  u.ExchangeStatus,
		ColdChainIntact: u.ColdChainIntact,
	}
}

func unitResponses(units []domain.BloodUnit) []UnitResponse {
	out := make([]UnitResponse, 0, len(units))
	for i := range units {
		out = append(out, unitResponse(&units[i]))
	}
	return out
}

type EligibilityResponse struct {
	BagID    string `json:"bag_id"`
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

type IssueUnitRequest struct {
	RequestID string `json:"request_id"`
}

type UnitIssueResponse struct {
	BagID     string `json:"bag_id"`
	RequestID string `json:"request_id"`
	IssuedBy  string `json:"issued_by"`
	IssuedAt  string `json:"issued_at"`
}

type IssueObligationRequest struct {
	RequestID string `json:"request_id"`
	DonorID   string `json:"donor_id"`
}

type TierResponse struct {
	Status        string  `json:"status"`
	DaysOverdue   int     `json:"days_overdue"`
	Multiplier    float64 `json:"multiplier"`
	RefundPercent int     `json:"refund_percent"`
}

type ObligationResponse struct {
	ID             string       `json:"id"`
	RequestID      string       `json:"request_id"`
	DonorID        string       `json:"donor_id"`
	IssuedAt       string       `json:"issued_at"`
	DueAt          string       `json:"due_at"`
	Status         string       `json:"status"`
	ExtensionsUsed int          `json:"extensions_used"`
	DepositAmount  int          `json:"deposit_amount"`
	RefundAmount   *int         `json:"refund_amount,omitempty"`
	ClearedAt      *string      `json:"cleared_at,omitempty"`
	Tier           TierResponse `json:"tier"`
}

func obligationResponse(v *engine.ObligationView) ObligationResponse {
	o := v.Obligation
	return ObligationResponse{
		ID:             o.ID,
		RequestID:      o.RequestID,
		DonorID:        o.DonorID,
		IssuedAt:       o.IssuedAt,
		DueAt:          o.DueAt,
		Status:         v.Tier.Status,
		ExtensionsUsed: o.ExtensionsUsed,
		DepositAmount:  o.DepositAmount,
		RefundAmount:   o.RefundAmount,
		ClearedAt:      o.ClearedAt,
		Tier: TierResponse{
			Status:        v.Tier.Status,
			DaysOverdue:   v.Tier.DaysOverdue,
			Multiplier:    v.Tier.Multiplier,
			RefundPercent: v.Tier.RefundPercent,
		},
	}
}

type RequestReturnRequest struct {
	DeclaredUnitIDs []string `json:"declared_unit_ids,omitempty"`
	DeclaredExpiry  *string  `json:"declared_expiry,omitempty" format:"date-time"`
}

type VerifyReturnRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
}

type ReturnRequestResponse struct {
	ID              string   `json:"id"`
	ObligationID    string   `json:"obligation_id"`
	DonorID         string   `json:"donor_id"`
	VerifierID      *string  `json:"verifier_id,omitempty"`
	Status          string   `json:"status"`
	DeclaredUnitIDs []string `json:"declared_unit_ids,omitempty"`
	DeclaredExpiry  *string  `json:"declared_expiry,omitempty"`
	CreatedAt       string   `json:"created_at"`
}

func returnRequestResponse(rr *domain.ReturnRequest) ReturnRequestResponse {
	return ReturnRequestResponse{
		ID:              rr.ID,
		ObligationID:    rr.ObligationID,
		DonorID:         rr.DonorID,
		VerifierID:      rr.VerifierID,
		Status:          rr.Status,
		DeclaredUnitIDs: rr.DeclaredUnitIDs,
		DeclaredExpiry:  rr.DeclaredExpiry,
		CreatedAt:       rr.CreatedAt,
	}
}

type DonorStandingResponse struct {
	DonorID     string               `json:"donor_id"`
	Blocked     bool                 `json:"blocked"`
	Obligations []ObligationResponse `json:"obligations"`
}

func donorStandingResponse(s *engine.DonorStanding) DonorStandingResponse {
	out := DonorStandingResponse{DonorID: s.DonorID, Blocked: s.Blocked, Obligations: []ObligationResponse{}}
	for i := range s.Obligations {
		out.Obligations = append(out.Obligations, obligationResponse(&s.Obligations[i]))
	}
	return out
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

func eventResponse(e *domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}
