package auth

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsii/pm15-backend/pkg/kv/memory"
)

func newTestVerifier(now time.Time) *Verifier {
	v := NewVerifier(time.Minute, memory.New(time.Minute))
	v.now = func() time.Time { return now }
	return v
}

func TestKeyRoundTrip(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)

	again, err := KeyFromHex("0x" + k.PrivateKeyHex())
	require.NoError(t, err)
	assert.Equal(t, k.ID(), again.ID())
	assert.Len(t, k.ID(), 66)

	_, err = KeyFromHex("abcd")
	assert.ErrorIs(t, err, ErrMalformedKey)
	_, err = ParseID("not-hex")
	assert.ErrorIs(t, err, ErrMalformedKey)
	_, err = ParseID("02ff")
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestCanonicalID(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)
	pub, err := ParseID(k.ID())
	require.NoError(t, err)

	for _, id := range []string{
		k.ID(),
		"0x" + k.ID(),
		hex.EncodeToString(pub.SerializeUncompressed()),
		"0x" + hex.EncodeToString(pub.SerializeUncompressed()),
	} {
		got, err := CanonicalID(id)
		require.NoError(t, err, id)
		assert.Equal(t, k.ID(), got, id)
	}

	_, err = CanonicalID("alice")
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestDigestCoversEveryField(t *testing.T) {
	base := Request{Action: ActionPlaceBet, Signer: "02aa", StartTs: 900, Side: 1, Amount: 10, Destination: "", IssuedAt: 1000}
	d0, err := base.Digest()
	require.NoError(t, err)

	variants := []Request{base, base, base, base, base, base, base, base, base}
	variants[0].Action = ActionClaim
	variants[1].Signer = "02ab"
	variants[2].StartTs = 1800
	variants[3].Side = 2
	variants[4].Amount = 11
	variants[5].Destination = "x"
	variants[6].IssuedAt = 1001
	variants[7].FeeBps = 100
	variants[8].MaxStalenessSeconds = 60
	for i, v := range variants {
		d, err := v.Digest()
		require.NoError(t, err)
		assert.NotEqual(t, d0, d, "variant %d", i)
	}

	same, err := base.Digest()
	require.NoError(t, err)
	assert.Equal(t, d0, same)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	signer, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	req := Request{Action: ActionPlaceBet, Signer: signer.ID(), StartTs: 1_700_000_100, Side: 1, Amount: 20_000_000, IssuedAt: now.Unix()}
	sig, err := signer.Sign(req)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, newTestVerifier(now).Verify(ctx, req, sig))
	})

	t.Run("replayed", func(t *testing.T) {
		v := newTestVerifier(now)
		require.NoError(t, v.Verify(ctx, req, sig))
		assert.ErrorIs(t, v.Verify(ctx, req, sig), ErrReplayedRequest)
	})

	t.Run("tampered amount", func(t *testing.T) {
		tampered := req
		tampered.Amount++
		assert.ErrorIs(t, newTestVerifier(now).Verify(ctx, tampered, sig), ErrInvalidSignature)
	})

	t.Run("wrong signer", func(t *testing.T) {
		forged := req
		forged.Signer = other.ID()
		assert.ErrorIs(t, newTestVerifier(now).Verify(ctx, forged, sig), ErrInvalidSignature)
	})

	t.Run("stale", func(t *testing.T) {
		v := newTestVerifier(now.Add(61 * time.Second))
		assert.ErrorIs(t, v.Verify(ctx, req, sig), ErrStaleRequest)
		v = newTestVerifier(now.Add(-61 * time.Second))
		assert.ErrorIs(t, v.Verify(ctx, req, sig), ErrStaleRequest)
	})

	t.Run("malformed signature", func(t *testing.T) {
		assert.ErrorIs(t, newTestVerifier(now).Verify(ctx, req, "zz"), ErrMalformedSignature)
		assert.ErrorIs(t, newTestVerifier(now).Verify(ctx, req, "abcd"), ErrMalformedSignature)
	})

	t.Run("no replay store", func(t *testing.T) {
		v := NewVerifier(0, nil)
		v.now = func() time.Time { return now }
		require.NoError(t, v.Verify(ctx, req, sig))
		require.NoError(t, v.Verify(ctx, req, sig))
	})
}
