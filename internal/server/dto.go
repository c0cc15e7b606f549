package server

import "freightline/internal/domain"

// Amounts and ids cross the wire as base-10 strings because they exceed
// the JSON number range.

type CreateContractRequest struct {
	Shipper      string `json:"shipper,omitempty" doc:"Defaults to the authenticated party"`
	Carrier      string `json:"carrier"`
	Origin       string `json:"origin"`
	Destination  string `json:"destination"`
	Token        string `json:"token"`
	Price        string `json:"price" example:"1000"`
	DeadlineUnix uint64 `json:"deadline_unix"`
	DocHash      string `json:"doc_hash,omitempty" doc:"Hex encoded 32 byte digest"`
}

type PartyRequest struct {
	Party string `json:"party,omitempty" doc:"Defaults to the authenticated party"`
}

type TelemetryRequest struct {
	Oracle  string `json:"oracle,omitempty" doc:"Defaults to the authenticated party"`
	AddSecs uint32 `json:"add_secs"`
	AddKm   uint32 `json:"add_km"`
	AddCost string `json:"add_cost,omitempty" example:"50"`
}

type PODRequest struct {
	Party   string `json:"party,omitempty"`
	PODHash string `json:"pod_hash" doc:"Hex encoded 32 byte digest"`
}

type DevLoginRequest struct {
	Party string `json:"party"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ContractResponse struct {
	ID           string `json:"id"`
	Shipper      string `json:"shipper"`
	Carrier      string `json:"carrier"`
	Origin       string `json:"origin"`
	Destination  string `json:"destination"`
	Token        string `json:"token"`
	Price        string `json:"price"`
	DeadlineUnix uint64 `json:"deadline_unix"`
	DocHash      string `json:"doc_hash"`
	Status       string `json:"status" enum:"Draft,Active,InTransit,Delivered,Settled"`
	CreatedAt    uint64 `json:"created_at"`
	EscrowFunded bool   `json:"escrow_funded"`
	TotalSecs    uint64 `json:"total_secs"`
	TotalKm      uint32 `json:"total_km"`
	ComputedCost string `json:"computed_cost"`
	LastPaid     string `json:"last_paid"`
}

type SettleResponse struct {
	Pay      string           `json:"pay"`
	Contract ContractResponse `json:"contract"`
}

type EventResponse struct {
	Seq        int64          `json:"seq"`
	ID         string         `json:"id"`
	TS         string         `json:"ts,omitempty"`
	Category   string         `json:"category"`
	Topic      string         `json:"topic"`
	ContractID string         `json:"contract_id"`
	Party      string         `json:"party,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	Party  string `json:"party"`
	Source string `json:"source"`
}

func contractResponse(c domain.FreightContract) ContractResponse {
	return ContractResponse{
		ID:           c.ID.String(),
		Shipper:      string(c.Shipper),
		Carrier:      string(c.Carrier),
		Origin:       c.Origin,
		Destination:  c.Destination,
		Token:        string(c.Token),
		Price:        amountString(c.Price),
		DeadlineUnix: c.DeadlineUnix,
		DocHash:      c.DocHash.String(),
		Status:       c.Status.String(),
		CreatedAt:    c.CreatedAt,
		EscrowFunded: c.EscrowFunded,
		TotalSecs:    c.TotalSecs,
		TotalKm:      c.TotalKm,
		ComputedCost: amountString(c.ComputedCost),
		LastPaid:     amountString(c.LastPaid),
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any(evt.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		Seq:        evt.Seq,
		ID:         evt.ID,
		TS:         evt.TS,
		Category:   evt.Category,
		Topic:      string(evt.Topic),
		ContractID: evt.ContractID.String(),
		Party:      string(evt.Party),
		Payload:    payload,
	}
}

func amountString(a domain.Amount) string {
	if a.IsNil() {
		return "0"
	}
	return a.String()
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
