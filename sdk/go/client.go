package freightlinesdk

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"freightline/internal/domain"
	"freightline/internal/engine"
	"freightline/internal/engine/auth"
)

// Client is a minimal Freightline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// SigningKey signs every mutating call; its public key is the caller's party.
	SigningKey ed25519.PrivateKey
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Party returns the party of the signing key, or "" when none is set.
func (c *Client) Party() string {
	if len(c.SigningKey) != ed25519.PrivateKeySize {
		return ""
	}
	return string(auth.PartyOf(c.SigningKey.Public().(ed25519.PublicKey)))
}

// Contract mirrors the API contract model. Amounts are base-10 strings.
type Contract struct {
	ID           string `json:"id"`
	Shipper      string `json:"shipper"`
	Carrier      string `json:"carrier"`
	Origin       string `json:"origin"`
	Destination  string `json:"destination"`
	Token        string `json:"token"`
	Price        string `json:"price"`
	DeadlineUnix uint64 `json:"deadline_unix"`
	DocHash      string `json:"doc_hash"`
	Status       string `json:"status"`
	CreatedAt    uint64 `json:"created_at"`
	EscrowFunded bool   `json:"escrow_funded"`
	TotalSecs    uint64 `json:"total_secs"`
	TotalKm      uint32 `json:"total_km"`
	ComputedCost string `json:"computed_cost"`
	LastPaid     string `json:"last_paid"`
}

type CreateContract struct {
	Shipper      string `json:"shipper,omitempty"`
	Carrier      string `json:"carrier"`
	Origin       string `json:"origin"`
	Destination  string `json:"destination"`
	Token        string `json:"token"`
	Price        string `json:"price"`
	DeadlineUnix uint64 `json:"deadline_unix"`
	DocHash      string `json:"doc_hash,omitempty"`
}

type Telemetry struct {
	Oracle  string `json:"oracle,omitempty"`
	AddSecs uint32 `json:"add_secs"`
	AddKm   uint32 `json:"add_km"`
	AddCost string `json:"add_cost,omitempty"`
}

// Event represents a log entry.
type Event struct {
	Seq        int64          `json:"seq"`
	ID         string         `json:"id"`
	TS         string         `json:"ts"`
	Category   string         `json:"category"`
	Topic      string         `json:"topic"`
	ContractID string         `json:"contract_id"`
	Party      string         `json:"party"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateContract creates a Draft contract as the shipper.
func (c *Client) CreateContract(ctx context.Context, in CreateContract) (Contract, error) {
	if in.Shipper == "" {
		in.Shipper = c.Party()
	}
	var call *auth.Call
	if len(c.SigningKey) > 0 {
		price, err := domain.ParseAmount(in.Price)
		if err != nil {
			return Contract{}, err
		}
		hash, err := domain.ParseHash(in.DocHash)
		if err != nil {
			return Contract{}, err
		}
		built := engine.CreateCall(engine.CreateOptions{
			Shipper:      domain.Party(in.Shipper),
			Carrier:      domain.Party(in.Carrier),
			Origin:       in.Origin,
			Destination:  in.Destination,
			Token:        domain.Party(in.Token),
			Price:        price,
			DeadlineUnix: in.DeadlineUnix,
			DocHash:      hash,
		})
		call = &built
	}
	var resp Contract
	err := c.do(ctx, http.MethodPost, "contracts", in, call, &resp)
	return resp, err
}

// Contract fetches a contract by id.
func (c *Client) Contract(ctx context.Context, id string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodGet, "contracts/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

func (c *Client) Accept(ctx context.Context, id string) (Contract, error) {
	return c.step(ctx, id, "accept", engine.OpAccept)
}

func (c *Client) MarkFunded(ctx context.Context, id string) (Contract, error) {
	return c.step(ctx, id, "fund", engine.OpFund)
}

func (c *Client) StartTrip(ctx context.Context, id string) (Contract, error) {
	return c.step(ctx, id, "start", engine.OpStart)
}

// LogTelemetry reports a telemetry delta as the oracle.
func (c *Client) LogTelemetry(ctx context.Context, id string, in Telemetry) (Contract, error) {
	if in.Oracle == "" {
		in.Oracle = c.Party()
	}
	call, err := c.signedCall(id, func(cid domain.ContractID) (auth.Call, error) {
		cost := domain.ZeroAmount()
		if in.AddCost != "" {
			var err error
			if cost, err = domain.ParseAmount(in.AddCost); err != nil {
				return auth.Call{}, err
			}
		}
		return engine.TelemetryCall(engine.TelemetryOptions{ID: cid, AddSecs: in.AddSecs, AddKm: in.AddKm, AddCost: cost}), nil
	})
	if err != nil {
		return Contract{}, err
	}
	var resp Contract
	err = c.do(ctx, http.MethodPost, "contracts/"+url.PathEscape(id)+"/telemetry", in, call, &resp)
	return resp, err
}

// SubmitPOD records the proof of delivery digest.
func (c *Client) SubmitPOD(ctx context.Context, id, podHash string) (Contract, error) {
	call, err := c.signedCall(id, func(cid domain.ContractID) (auth.Call, error) {
		hash, err := domain.ParseHash(podHash)
		if err != nil {
			return auth.Call{}, err
		}
		return engine.PODCall(cid, hash), nil
	})
	if err != nil {
		return Contract{}, err
	}
	var resp Contract
	err = c.do(ctx, http.MethodPost, "contracts/"+url.PathEscape(id)+"/pod", map[string]string{"party": c.Party(), "pod_hash": podHash}, call, &resp)
	return resp, err
}

// Settle settles a Delivered contract and returns the amount paid.
func (c *Client) Settle(ctx context.Context, id string) (string, Contract, error) {
	call, err := c.signedCall(id, func(cid domain.ContractID) (auth.Call, error) {
		return engine.ContractCall(engine.OpSettle, cid), nil
	})
	if err != nil {
		return "", Contract{}, err
	}
	var resp struct {
		Pay      string   `json:"pay"`
		Contract Contract `json:"contract"`
	}
	err = c.do(ctx, http.MethodPost, "contracts/"+url.PathEscape(id)+"/settle", map[string]string{"party": c.Party()}, call, &resp)
	return resp.Pay, resp.Contract, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, contractID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if contractID != "" {
		q.Set("contract_id", contractID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

func (c *Client) step(ctx context.Context, id, path, op string) (Contract, error) {
	call, err := c.signedCall(id, func(cid domain.ContractID) (auth.Call, error) {
		return engine.ContractCall(op, cid), nil
	})
	if err != nil {
		return Contract{}, err
	}
	var resp Contract
	err = c.do(ctx, http.MethodPost, "contracts/"+url.PathEscape(id)+"/"+path, map[string]string{"party": c.Party()}, call, &resp)
	return resp, err
}

// signedCall builds the call to sign when a signing key is configured.
func (c *Client) signedCall(id string, build func(domain.ContractID) (auth.Call, error)) (*auth.Call, error) {
	if len(c.SigningKey) == 0 {
		return nil, nil
	}
	cid, err := domain.ParseContractID(id)
	if err != nil {
		return nil, err
	}
	call, err := build(cid)
	if err != nil {
		return nil, err
	}
	return &call, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, call *auth.Call, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
	if call != nil {
		cred, err := auth.Sign(c.SigningKey, *call, time.Now())
		if err != nil {
			return err
		}
		req.Header.Set("X-Freightline-Signature", cred.Signature)
		req.Header.Set("X-Freightline-Signed-At", cred.IssuedAt)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
