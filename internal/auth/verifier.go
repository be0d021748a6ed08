package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/leafsii/pm15-backend/pkg/kv"
)

const (
	DefaultMaxSkew = 60 * time.Second
	replayPrefix   = "pm15:auth:seen:"
)

// Verifier checks signatures, request freshness and, when a store is set,
// that no signed request is accepted twice.
type Verifier struct {
	maxSkew time.Duration
	seen    kv.Store
	now     func() time.Time
}

// NewVerifier returns a Verifier. seen may be nil to disable replay protection.
func NewVerifier(maxSkew time.Duration, seen kv.Store) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{maxSkew: maxSkew, seen: seen, now: time.Now}
}

// Verify checks that signature was produced by req.Signer over req.
func (v *Verifier) Verify(ctx context.Context, req Request, signature string) error {
	pub, err := ParseID(req.Signer)
	if err != nil {
		return err
	}

	now := v.now()
	issued := time.Unix(req.IssuedAt, 0)
	if issued.Before(now.Add(-v.maxSkew)) || issued.After(now.Add(v.maxSkew)) {
		return fmt.Errorf("%w: issued %s, now %s", ErrStaleRequest, issued.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	digest, err := req.Digest()
	if err != nil {
		return err
	}
	recovered, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if !recovered.IsEqual(pub) {
		return ErrInvalidSignature
	}

	if v.seen != nil {
		// a request stays replayable only while it is inside the skew window
		fresh, err := v.seen.SetNX(ctx, replayPrefix+hex.EncodeToString(digest[:]), []byte{1}, 2*v.maxSkew)
		if err != nil {
			return fmt.Errorf("replay check: %w", err)
		}
		if !fresh {
			return ErrReplayedRequest
		}
	}
	return nil
}
