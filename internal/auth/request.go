package auth

import (
	"fmt"

	"github.com/fardream/go-bcs/bcs"
	"golang.org/x/crypto/blake2b"
)

// Actions a signature can authorize.
const (
	ActionInitializeConfig = "initialize_config"
	ActionPlaceBet         = "place_bet"
	ActionClaim            = "claim"
	ActionWithdrawFees     = "withdraw_fees"
)

// Request is the signed part of a mutating API call. Fields an action does
// not use stay zero and are still covered by the signature.
type Request struct {
	Action      string
	Signer      string
	StartTs     int64
	Side        uint8
	Amount      uint64
	Destination string
	// FeeBps and MaxStalenessSeconds are only set by initialize_config.
	FeeBps              uint16
	MaxStalenessSeconds uint64
	IssuedAt            int64
}

// signedPayload fixes the field order of the BCS encoding.
type signedPayload struct {
	Domain      string
	Action      string
	Signer      string
	StartTs     uint64
	Side        uint8
	Amount      uint64
	Destination string
	FeeBps      uint16
	MaxStale    uint64
	IssuedAt    uint64
}

const domain = "pm15/v1"

// Digest is blake2b-256 over the BCS encoding of the request.
func (r Request) Digest() ([32]byte, error) {
	raw, err := bcs.Marshal(signedPayload{
		Domain:      domain,
		Action:      r.Action,
		Signer:      r.Signer,
		StartTs:     uint64(r.StartTs),
		Side:        r.Side,
		Amount:      r.Amount,
		Destination: r.Destination,
		FeeBps:      r.FeeBps,
		MaxStale:    r.MaxStalenessSeconds,
		IssuedAt:    uint64(r.IssuedAt),
	})
	if err != nil {
		return [32]byte{}, fmt.Errorf("encode request: %w", err)
	}
	return blake2b.Sum256(raw), nil
}
