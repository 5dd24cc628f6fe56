/**
 * @description
 * Append-only audit events for the transfer lifecycle. Every committed state
 * transition appends exactly one event, keyed by (transfer id, sequence
 * number), sufficient to reconstruct the transfer's status by replay. The same
 * envelope is published to the message broker for notification and
 * reconciliation consumers; the state machine itself never consumes events.
 *
 * @notes
 * - Payload fields are explicit and versioned. Unknown fields that arrive on
 *   the wire are preserved verbatim for forward compatibility but never
 *   interpreted by core logic.
 * - Each event carries a canonical-JSON (RFC 8785) SHA-256 payload hash so
 *   reconciliation can compare stored and delivered payloads byte-stably.
 */

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// EventType names the transfer lifecycle events.
type EventType string

const (
	EventTransferInitiated EventType = "transfer.initiated"
	EventTransferAccepted  EventType = "transfer.accepted"
	EventTransferDeclined  EventType = "transfer.declined"
	EventTransferCancelled EventType = "transfer.cancelled"
	EventTransferCompleted EventType = "transfer.completed"
	EventTransferExpired   EventType = "transfer.expired"
)

// payloadVersion is bumped whenever a named field is added to EventPayload.
const payloadVersion = 1

// EventPayload carries the transition details. All monetary values are
// minor-unit integer strings paired with a currency code, so no precision is
// lost in JSON numbers.
type EventPayload struct {
	Version             int     `json:"version"`
	Actor               string  `json:"actor,omitempty"`
	Amount              string  `json:"amount,omitempty"`
	Currency            string  `json:"currency,omitempty"`
	HoldingAmount       string  `json:"holding_amount,omitempty"`
	HoldingCurrency     string  `json:"holding_currency,omitempty"`
	FinalAmount         string  `json:"final_amount,omitempty"`
	FinalCurrency       string  `json:"final_currency,omitempty"`
	DestinationCurrency string  `json:"destination_currency,omitempty"`
	InstrumentMasked    string  `json:"instrument_masked,omitempty"`
	EscrowAddress       string  `json:"escrow_address,omitempty"`
	Reason              *string `json:"reason,omitempty"`

	// unknown holds fields this version does not recognize, round-tripped
	// verbatim and never read by core logic.
	unknown map[string]json.RawMessage
}

var knownPayloadKeys = map[string]bool{
	"version": true, "actor": true, "amount": true, "currency": true,
	"holding_amount": true, "holding_currency": true,
	"final_amount": true, "final_currency": true,
	"destination_currency": true, "instrument_masked": true,
	"escrow_address": true, "reason": true,
}

func (p *EventPayload) UnmarshalJSON(data []byte) error {
	type alias EventPayload
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	*p = EventPayload(known)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if !knownPayloadKeys[k] {
			if p.unknown == nil {
				p.unknown = map[string]json.RawMessage{}
			}
			p.unknown[k] = raw[k]
		}
	}
	return nil
}

func (p EventPayload) MarshalJSON() ([]byte, error) {
	type alias EventPayload
	base, err := json.Marshal(alias(p))
	if err != nil {
		return nil, err
	}
	if len(p.unknown) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.unknown {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// TransferEvent is one append-only audit record.
type TransferEvent struct {
	ID          uuid.UUID    `json:"id"`
	TransferID  uuid.UUID    `json:"transfer_id"`
	Sequence    int64        `json:"sequence"`
	Type        EventType    `json:"type"`
	Payload     EventPayload `json:"payload"`
	PayloadHash string       `json:"payload_hash"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// NewTransferEvent builds an event with its canonical payload hash. The
// sequence number is assigned by the store on append.
func NewTransferEvent(transferID uuid.UUID, eventType EventType, payload EventPayload, occurredAt time.Time) (TransferEvent, error) {
	payload.Version = payloadVersion
	hash, err := payload.CanonicalHash()
	if err != nil {
		return TransferEvent{}, fmt.Errorf("hash event payload: %w", err)
	}
	return TransferEvent{
		ID:          uuid.New(),
		TransferID:  transferID,
		Type:        eventType,
		Payload:     payload,
		PayloadHash: hash,
		OccurredAt:  occurredAt.UTC(),
	}, nil
}

// CanonicalHash returns the hex SHA-256 of the RFC 8785 canonical JSON form of
// the payload.
func (p EventPayload) CanonicalHash() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// RoutingKey returns the topic routing key events are published under.
func (e TransferEvent) RoutingKey() string {
	return string(e.Type)
}
