package bloodlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bloodline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request represents a broadcast emergency request.
type Request struct {
	ID              string  `json:"id"`
	BloodGroup      string  `json:"blood_group"`
	Units           int     `json:"units"`
	Urgency         string  `json:"urgency"`
	RequesterID     string  `json:"requester_id"`
	ClaimingActorID *string `json:"claiming_actor_id,omitempty"`
	Status          string  `json:"status"`
	CreatedAt       string  `json:"created_at"`
	ExpiresAt       string  `json:"expires_at"`
}

// Unit represents a tracked blood unit.
type Unit struct {
	ID             string `json:"id"`
	BloodGroup     string `json:"blood_group"`
	VolumeML       int    `json:"volume_ml"`
	ExpiryDate     string `json:"expiry_date"`
	CurrentOwnerID string `json:"current_owner_id"`
	Status         string `json:"status"`
	TransferCount  int    `json:"transfer_count"`
	ExchangeStatus string `json:"exchange_status"`
}

// Eligibility is a unit's exchange-eligibility verdict.
type Eligibility struct {
	BagID    string `json:"bag_id"`
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// Tier is the time-derived position of an obligation.
type Tier struct {
	Status        string  `json:"status"`
	DaysOverdue   int     `json:"days_overdue"`
	Multiplier    float64 `json:"multiplier"`
	RefundPercent int     `json:"refund_percent"`
}

// Obligation represents a donor obligation with its derived tier.
type Obligation struct {
	ID             string  `json:"id"`
	RequestID      string  `json:"request_id"`
	DonorID        string  `json:"donor_id"`
	IssuedAt       string  `json:"issued_at"`
	DueAt          string  `json:"due_at"`
	Status         string  `json:"status"`
	ExtensionsUsed int     `json:"extensions_used"`
	DepositAmount  int     `json:"deposit_amount"`
	RefundAmount   *int    `json:"refund_amount,omitempty"`
	Tier           Tier    `json:"tier"`
}

// ReturnRequest is a declared return pending verification.
type ReturnRequest struct {
	ID           string `json:"id"`
	ObligationID string `json:"obligation_id"`
	DonorID      string `json:"donor_id"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

// DonorStanding reports a donor's obligations and blocked flag.
type DonorStanding struct {
	DonorID     string       `json:"donor_id"`
	Blocked     bool         `json:"blocked"`
	Obligations []Obligation `json:"obligations"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRequest broadcasts an emergency request as the authenticated donor.
func (c *Client) CreateRequest(ctx context.Context, bloodGroup string, units int, urgency string) (Request, error) {
	body := map[string]any{
		"blood_group": bloodGroup,
		"units":       units,
	}
	if urgency != "" {
		body["urgency"] = urgency
	}
	var out Request
	err := c.do(ctx, http.MethodPost, "v1/requests", body, &out)
	return out, err
}

// Claim races on a request; decision is approve or reject.
func (c *Client) Claim(ctx context.Context, requestID, decision string) (Request, error) {
	var out Request
	err := c.do(ctx, http.MethodPost, "v1/requests/"+url.PathEscape(requestID)+"/claim",
		map[string]any{"decision": decision}, &out)
	return out, err
}

// OpenRequests lists requests still claimable.
func (c *Client) OpenRequests(ctx context.Context) ([]Request, error) {
	var out []Request
	err := c.do(ctx, http.MethodGet, "v1/requests", nil, &out)
	return out, err
}

// IntakeUnit registers a collected unit.
func (c *Client) IntakeUnit(ctx context.Context, bloodGroup string, volumeML int, collectionDate, expiryDate string) (Unit, error) {
	var out Unit
	err := c.do(ctx, http.MethodPost, "v1/units", map[string]any{
		"blood_group":     bloodGroup,
		"volume_ml":       volumeML,
		"collection_date": collectionDate,
		"expiry_date":     expiryDate,
	}, &out)
	return out, err
}

// CheckEligibility asks whether a unit may be listed for exchange.
func (c *Client) CheckEligibility(ctx context.Context, bagID string) (Eligibility, error) {
	var out Eligibility
	err := c.do(ctx, http.MethodGet, "v1/units/"+url.PathEscape(bagID)+"/eligibility", nil, &out)
	return out, err
}

// ListUnit puts a unit on the exchange board.
func (c *Client) ListUnit(ctx context.Context, bagID string) (Unit, error) {
	var out Unit
	err := c.do(ctx, http.MethodPost, "v1/units/"+url.PathEscape(bagID)+"/list", nil, &out)
	return out, err
}

// TransferUnit claims a listed unit for the authenticated hospital.
func (c *Client) TransferUnit(ctx context.Context, bagID string) (Unit, error) {
	var out Unit
	err := c.do(ctx, http.MethodPost, "v1/units/"+url.PathEscape(bagID)+"/transfer", nil, &out)
	return out, err
}

// IssueObligation creates the obligation for a fulfilled request.
func (c *Client) IssueObligation(ctx context.Context, requestID, donorID string) (Obligation, error) {
	var out Obligation
	err := c.do(ctx, http.MethodPost, "v1/obligations", map[string]any{
		"request_id": requestID,
		"donor_id":   donorID,
	}, &out)
	return out, err
}

// GetObligation returns an obligation with its derived tier.
func (c *Client) GetObligation(ctx context.Context, id string) (Obligation, error) {
	var out Obligation
	err := c.do(ctx, http.MethodGet, "v1/obligations/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Obligations lists a donor's obligations with derived tiers. An empty
// donorID lists the authenticated caller's own.
func (c *Client) Obligations(ctx context.Context, donorID string) ([]Obligation, error) {
	endpoint := "v1/obligations"
	if donorID != "" {
		endpoint += "?donor_id=" + url.QueryEscape(donorID)
	}
	var out []Obligation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out, err
}

// ExtendObligation pushes an obligation's due date forward.
func (c *Client) ExtendObligation(ctx context.Context, id string) (Obligation, error) {
	var out Obligation
	err := c.do(ctx, http.MethodPost, "v1/obligations/"+url.PathEscape(id)+"/extend", nil, &out)
	return out, err
}

// RequestReturn declares a return for hospital verification.
func (c *Client) RequestReturn(ctx context.Context, obligationID string, declaredUnitIDs []string) (ReturnRequest, error) {
	body := map[string]any{}
	if len(declaredUnitIDs) > 0 {
		body["declared_unit_ids"] = declaredUnitIDs
	}
	var out ReturnRequest
	err := c.do(ctx, http.MethodPost, "v1/obligations/"+url.PathEscape(obligationID)+"/return", body, &out)
	return out, err
}

// VerifyReturn settles a declared return; decision is approve or reject.
func (c *Client) VerifyReturn(ctx context.Context, returnID, decision string) (Obligation, error) {
	var out Obligation
	err := c.do(ctx, http.MethodPost, "v1/returns/"+url.PathEscape(returnID)+"/verify",
		map[string]any{"decision": decision}, &out)
	return out, err
}

// DonorStanding returns a donor's obligations and blocked flag.
func (c *Client) GetDonorStanding(ctx context.Context, donorID string) (DonorStanding, error) {
	var out DonorStanding
	err := c.do(ctx, http.MethodGet, "v1/donors/"+url.PathEscape(donorID)+"/standing", nil, &out)
	return out, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var out []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
