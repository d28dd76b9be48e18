// ABOUTME: Tests for Ed25519 key and signature decoding
// ABOUTME: Covers every accepted public key encoding, signatures, and private key forms

package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestParsePublicKey_Encodings(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	authorized, err := AuthorizedKey(pub)
	require.NoError(t, err)

	encodings := map[string]string{
		"std base64":       base64.StdEncoding.EncodeToString(pub),
		"raw std base64":   base64.RawStdEncoding.EncodeToString(pub),
		"url base64":       base64.URLEncoding.EncodeToString(pub),
		"raw url base64":   base64.RawURLEncoding.EncodeToString(pub),
		"hex":              hex.EncodeToString(pub),
		"ssh-ed25519":      authorized,
		"ssh with comment": authorized + " agent@host",
		"padded with ws":   "  " + hex.EncodeToString(pub) + "\n",
	}

	for name, s := range encodings {
		t.Run(name, func(t *testing.T) {
			got, err := ParsePublicKey(s)
			require.NoError(t, err)
			assert.Equal(t, pub, got)

			canonical, err := CanonicalPublicKey(s)
			require.NoError(t, err)
			assert.Equal(t, EncodePublicKey(pub), canonical)
		})
	}
}

func TestParsePublicKey_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty":       "",
		"too short":   base64.StdEncoding.EncodeToString([]byte("short")),
		"not encoded": "!!!not a key!!!",
		"ssh garbage": "ssh-ed25519 AAAAnotvalid",
	}
	for name, s := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePublicKey(s)
			assert.ErrorIs(t, err, ErrInvalidPublicKey)
		})
	}
}

func TestDecodeSignature(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	sig := ed25519.Sign(priv, []byte("hello"))

	for _, s := range []string{
		base64.StdEncoding.EncodeToString(sig),
		base64.RawURLEncoding.EncodeToString(sig),
		hex.EncodeToString(sig),
	} {
		got, err := DecodeSignature(s)
		require.NoError(t, err)
		assert.Equal(t, sig, got)
	}

	_, err = DecodeSignature(base64.StdEncoding.EncodeToString(sig[:10]))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestFingerprint_MatchesSSH(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	fp, err := Fingerprint(pub)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(fp, "SHA256:"), fp)
	assert.NotContains(t, fp, "=", "ssh-keygen prints unpadded base64")

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	sum := sha256.Sum256(sshPub.Marshal())
	assert.Equal(t, "SHA256:"+base64.RawStdEncoding.EncodeToString(sum[:]), fp)
}

func TestParsePrivateKey_Forms(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	forms := map[string]string{
		"seed base64":     base64.StdEncoding.EncodeToString(priv.Seed()),
		"seed hex":        hex.EncodeToString(priv.Seed()),
		"expanded base64": base64.StdEncoding.EncodeToString(priv),
		"openssh pem":     string(pem.EncodeToMemory(block)),
	}
	for name, s := range forms {
		t.Run(name, func(t *testing.T) {
			got, err := ParsePrivateKey(s)
			require.NoError(t, err)
			assert.Equal(t, pub, got.Public())
		})
	}
}

func TestSign_VerifiesWithEd25519Verifier(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	sig, err := DecodeSignature(Sign(priv, "agentgate:auth:agent_1:2026-01-01T00:00:00.000Z"))
	require.NoError(t, err)

	ok, err := Ed25519Verifier{}.Verify(context.Background(), []byte("agentgate:auth:agent_1:2026-01-01T00:00:00.000Z"), sig, pub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Ed25519Verifier{}.Verify(context.Background(), []byte("tampered"), sig, pub)
	require.NoError(t, err)
	assert.False(t, ok)
}

type slowVerifier struct{}

func (slowVerifier) Verify(ctx context.Context, _, _ []byte, _ ed25519.PublicKey) (bool, error) {
	select {
	case <-time.After(time.Second):
		return true, nil
	case <-ctx.Done():
		return true, nil // a late "yes" must still be ignored
	}
}

func TestVerifyBounded_FailsClosedOnTimeout(t *testing.T) {
	ok, err := verifyBounded(context.Background(), slowVerifier{}, 10*time.Millisecond, nil, nil, nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessages(t *testing.T) {
	ts := FormatTimestamp(time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.FixedZone("X", 3600)))
	assert.Equal(t, "2026-01-02T02:04:05.006Z", ts)

	parsed, err := ParseTimestamp(ts)
	require.NoError(t, err)
	assert.Equal(t, ts, FormatTimestamp(parsed))

	_, err = ParseTimestamp("2026-01-02T02:04:05+01:00")
	assert.NoError(t, err, "any RFC 3339 time is accepted")
	_, err = ParseTimestamp("yesterday")
	assert.Error(t, err)

	assert.Equal(t, "agentgate:register:agent_1:"+ts+":abcd", RegistrationMessage("agentgate", "agent_1", ts, "abcd"))
	assert.Equal(t, "agentgate:auth:agent_1:"+ts, ReauthMessage("agentgate", "agent_1", ts))
}

func TestAPIKey(t *testing.T) {
	key, hash, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, IsAPIKey(key))
	assert.Len(t, key, len(APIKeyPrefix)+43)
	assert.Equal(t, HashAPIKey(key), hash)
	assert.NotContains(t, hash, key)

	other, _, _ := GenerateAPIKey()
	assert.NotEqual(t, key, other)
}
