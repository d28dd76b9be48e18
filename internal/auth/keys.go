// ABOUTME: Ed25519 public key and signature decoding for agent identities
// ABOUTME: Accepts raw base64/hex encodings and OpenSSH ssh-ed25519 authorized-key lines

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Key errors.
var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature encoding")
)

// ParsePublicKey decodes an Ed25519 public key given as base64 (standard or
// URL alphabet, padded or not), hex, or an OpenSSH "ssh-ed25519 AAAA..." line.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPublicKey)
	}

	if strings.HasPrefix(s, ssh.KeyAlgoED25519+" ") {
		return parseAuthorizedKey(s)
	}

	raw, err := decodeBinary(s, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return ed25519.PublicKey(raw), nil
}

func parseAuthorizedKey(s string) (ed25519.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	cpk, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported ssh key", ErrInvalidPublicKey)
	}
	edpk, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrInvalidPublicKey)
	}
	return edpk, nil
}

// DecodeSignature decodes a 64-byte Ed25519 signature given as base64 or hex.
func DecodeSignature(s string) ([]byte, error) {
	raw, err := decodeBinary(strings.TrimSpace(s), ed25519.SignatureSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return raw, nil
}

// decodeBinary tries hex first when the length fits, then every base64
// variant, and insists on exactly size bytes.
func decodeBinary(s string, size int) ([]byte, error) {
	if len(s) == hex.EncodedLen(size) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if len(b) != size {
			return nil, fmt.Errorf("decoded %d bytes, want %d", len(b), size)
		}
		return b, nil
	}
	return nil, errors.New("not hex or base64")
}

// EncodePublicKey returns the canonical form stored for a key: standard
// padded base64 of the raw 32 bytes.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// CanonicalPublicKey parses s in any accepted form and returns its canonical
// encoding.
func CanonicalPublicKey(s string) (string, error) {
	pub, err := ParsePublicKey(s)
	if err != nil {
		return "", err
	}
	return EncodePublicKey(pub), nil
}

// Fingerprint returns the key's "SHA256:<base64>" fingerprint as printed by
// ssh-keygen -l.
func Fingerprint(pub ed25519.PublicKey) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return ssh.FingerprintSHA256(sshPub), nil
}

// AuthorizedKey formats pub as an OpenSSH authorized-key line.
func AuthorizedKey(pub ed25519.PublicKey) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))), nil
}

// GenerateKeyPair creates a fresh Ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// ParsePrivateKey decodes a private key given as base64 or hex of either the
// 32-byte seed or the 64-byte expanded key, or as an OpenSSH PEM block.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-----BEGIN") {
		raw, err := ssh.ParseRawPrivateKey([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		switch k := raw.(type) {
		case ed25519.PrivateKey:
			return k, nil
		case *ed25519.PrivateKey:
			return *k, nil
		}
		return nil, errors.New("private key is not ed25519")
	}
	if b, err := decodeBinary(s, ed25519.SeedSize); err == nil {
		return ed25519.NewKeyFromSeed(b), nil
	}
	b, err := decodeBinary(s, ed25519.PrivateKeySize)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return ed25519.PrivateKey(b), nil
}

// Sign signs message with priv and returns the base64 signature.
func Sign(priv ed25519.PrivateKey, message string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(message)))
}
