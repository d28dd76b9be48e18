// ABOUTME: Signature verification collaborator and random/hash helpers
// ABOUTME: Verification runs under a deadline and fails closed on timeout

package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultVerifyTimeout bounds a single signature verification.
const DefaultVerifyTimeout = 2 * time.Second

// SignatureVerifier checks a signature over message for publicKey.
type SignatureVerifier interface {
	Verify(ctx context.Context, message, signature []byte, publicKey ed25519.PublicKey) (bool, error)
}

// Ed25519Verifier is the default SignatureVerifier.
type Ed25519Verifier struct{}

// Verify reports whether signature is a valid Ed25519 signature of message.
func (Ed25519Verifier) Verify(ctx context.Context, message, signature []byte, publicKey ed25519.PublicKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: key is %d bytes", ErrInvalidPublicKey, len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(publicKey, message, signature), nil
}

// verifyBounded runs v under timeout. Anything other than a positive answer
// within the deadline is a rejection.
func verifyBounded(ctx context.Context, v SignatureVerifier, timeout time.Duration, message, signature []byte, pub ed25519.PublicKey) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		ok, err := v.Verify(ctx, message, signature, pub)
		ch <- answer{ok, err}
	}()

	select {
	case a := <-ch:
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("signature verification: %w", err)
		}
		return a.ok && a.err == nil, a.err
	case <-ctx.Done():
		return false, fmt.Errorf("signature verification: %w", ctx.Err())
	}
}

// randomHex returns n random bytes, hex encoded.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
