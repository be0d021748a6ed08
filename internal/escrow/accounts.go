package escrow

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// AccountID identifies a balance holder. Participant accounts use the
// participant identifier verbatim; engine-controlled accounts are derived.
type AccountID string

const controlledPrefix = "ctl_"

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrControlledAccount = errors.New("account is engine-controlled")
	ErrNotControlled     = errors.New("account is not controlled by this authority")
	ErrAccountExists     = errors.New("controlled account already provisioned")
	ErrInvalidAccount    = errors.New("invalid account id")
	ErrSameAccount       = errors.New("source and destination are the same account")
)

// Authority is the capability that gates outflows of controlled accounts.
// Only the holder of the Authority that provisioned an account may withdraw from it.
type Authority struct {
	id string
}

func NewAuthority(id string) *Authority {
	return &Authority{id: id}
}

func (a *Authority) ID() string {
	return a.id
}

// Derive returns the deterministic account id for the given seeds.
// Seeds are length-prefixed so ("ab","c") and ("a","bc") never collide.
func (a *Authority) Derive(seeds ...[]byte) AccountID {
	h, _ := blake2b.New256(nil)
	writeSeed(h, []byte(a.id))
	for _, s := range seeds {
		writeSeed(h, s)
	}
	return AccountID(controlledPrefix + hex.EncodeToString(h.Sum(nil)))
}

func writeSeed(h interface{ Write([]byte) (int, error) }, seed []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(seed)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(seed)
}

// IsDerived reports whether id has the shape of a derived account. Participants
// cannot register ids in this namespace.
func IsDerived(id AccountID) bool {
	return strings.HasPrefix(string(id), controlledPrefix)
}

func validate(id AccountID) error {
	if strings.TrimSpace(string(id)) == "" || len(id) > 256 {
		return ErrInvalidAccount
	}
	return nil
}
