package domain

// Network is the coordination scope all actors and units belong to.
type Network struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Actor is a participant in the network: a hospital blood bank, a donor,
// or an administrator.
type Actor struct {
	ID         string `json:"id"`
	NetworkID  string `json:"network_id"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role" enum:"hospital,donor,admin"`
	BloodGroup string `json:"blood_group,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// BloodUnit is the ledger record for one physical bag.
type BloodUnit struct {
	ID              string `json:"id"`
	NetworkID       string `json:"network_id"`
	BloodGroup      string `json:"blood_group"`
	VolumeML        int    `json:"volume_ml"`
	CollectionDate  string `json:"collection_date" format:"date-time"`
	ExpiryDate      string `json:"expiry_date" format:"date-time"`
	OriginActorID   string `json:"origin_actor_id"`
	CurrentOwnerID  string `json:"current_owner_id"`
	Status          string `json:"status" enum:"available,reserved,transferred,expired,used,discarded"`
	TransferCount   int    `json:"transfer_count"`
	ExchangeStatus  string `json:"exchange_status" enum:"none,listed,transferred"`
	ColdChainIntact bool   `json:"cold_chain_intact"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

// Request is a broadcast emergency request raced on by hospitals.
type Request struct {
	ID               string  `json:"id"`
	NetworkID        string  `json:"network_id"`
	RequesterID      string  `json:"requester_id"`
	BloodGroup       string  `json:"blood_group"`
	Units            int     `json:"units"`
	Urgency          string  `json:"urgency" enum:"normal,urgent,critical"`
	PatientHospital  string  `json:"patient_hospital,omitempty"`
	RecipientActorID *string `json:"recipient_actor_id,omitempty"`
	ClaimingActorID  *string `json:"claiming_actor_id,omitempty"`
	Status           string  `json:"status" enum:"pending,approved,rejected,fulfilled"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	ExpiresAt        string  `json:"expires_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Obligation is a donor's time-bound duty to return a borrowed unit.
type Obligation struct {
	ID             string  `json:"id"`
	NetworkID      string  `json:"network_id"`
	RequestID      string  `json:"request_id"`
	DonorID        string  `json:"donor_id"`
	IssuedAt       string  `json:"issued_at" format:"date-time"`
	DueAt          string  `json:"due_at" format:"date-time"`
	Status         string  `json:"status" enum:"active,extended,overdue,cleared,blocked"`
	ExtensionsUsed int     `json:"extensions_used"`
	DepositAmount  int     `json:"deposit_amount"`
	RefundAmount   *int    `json:"refund_amount,omitempty"`
	ClearedAt      *string `json:"cleared_at,omitempty" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// ReturnRequest is a donor's claim to have returned units, pending
// hospital verification.
type ReturnRequest struct {
	ID              string   `json:"id"`
	ObligationID    string   `json:"obligation_id"`
	DonorID         string   `json:"donor_id"`
	VerifierID      *string  `json:"verifier_id,omitempty"`
	Status          string   `json:"status" enum:"pending,approved,rejected"`
	DeclaredUnitIDs []string `json:"declared_unit_ids,omitempty"`
	DeclaredExpiry  *string  `json:"declared_expiry,omitempty" format:"date-time"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

// UnitIssue records which request consumed a physical unit.
type UnitIssue struct {
	BagID     string `json:"bag_id"`
	RequestID string `json:"request_id"`
	IssuedBy  string `json:"issued_by"`
	IssuedAt  string `json:"issued_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	NetworkID  string `json:"network_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
