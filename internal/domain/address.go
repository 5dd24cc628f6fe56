/**
 * @description
 * This file defines the identity value types used across the escrow-service:
 * structured ledger account addresses and recipient destination instruments.
 *
 * @notes
 * - An AccountAddress is equal to another iff both structured components match;
 *   string formatting is only for logs and wire payloads.
 * - Escrow addresses are derived from the transfer id, which makes them unique
 *   per transfer and reconstructible during reconciliation.
 */

package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SubAccountKind distinguishes the sub-ledgers an owner can hold funds in.
type SubAccountKind string

const (
	SubAccountMain   SubAccountKind = "main"
	SubAccountEscrow SubAccountKind = "escrow"
)

// AccountAddress identifies a ledger account: an owner namespace plus the kind
// of sub-account under that owner.
type AccountAddress struct {
	Owner string         `json:"owner"`
	Kind  SubAccountKind `json:"kind"`
}

// NewAccountAddress validates and builds an address.
func NewAccountAddress(owner string, kind SubAccountKind) (AccountAddress, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return AccountAddress{}, errors.New("account owner must not be empty")
	}
	switch kind {
	case SubAccountMain, SubAccountEscrow:
	default:
		return AccountAddress{}, fmt.Errorf("unknown sub-account kind %q", kind)
	}
	return AccountAddress{Owner: owner, Kind: kind}, nil
}

// EscrowAddressFor returns the holding address bound 1:1 to a transfer id.
func EscrowAddressFor(transferID uuid.UUID) AccountAddress {
	return AccountAddress{Owner: "escrow:" + transferID.String(), Kind: SubAccountEscrow}
}

// Equal reports whether both structured components match.
func (a AccountAddress) Equal(other AccountAddress) bool {
	return a.Owner == other.Owner && a.Kind == other.Kind
}

func (a AccountAddress) IsZero() bool {
	return a.Owner == "" && a.Kind == ""
}

func (a AccountAddress) String() string {
	return a.Owner + "/" + string(a.Kind)
}

// ParseAccountAddress parses the "owner/kind" form produced by String.
func ParseAccountAddress(s string) (AccountAddress, error) {
	idx := strings.LastIndex(s, "/")
	if idx <= 0 || idx == len(s)-1 {
		return AccountAddress{}, fmt.Errorf("malformed account address %q", s)
	}
	return NewAccountAddress(s[:idx], SubAccountKind(s[idx+1:]))
}

// DestinationInstrument is where the recipient chose to receive funds: either
// their default ledger account (zero value) or a tokenized external instrument.
type DestinationInstrument struct {
	Token         string `json:"token,omitempty"`
	MaskedDisplay string `json:"masked_display,omitempty"`
	Provider      string `json:"provider,omitempty"`
}

// IsDefaultAccount reports whether the recipient's default account should be
// used instead of an external instrument.
func (d DestinationInstrument) IsDefaultAccount() bool {
	return strings.TrimSpace(d.Token) == ""
}

// Validate checks that a non-default instrument carries the fields the payout
// rail needs.
func (d DestinationInstrument) Validate() error {
	if d.IsDefaultAccount() {
		return nil
	}
	if strings.TrimSpace(d.Provider) == "" {
		return errors.New("instrument provider must be set for tokenized destinations")
	}
	return nil
}
