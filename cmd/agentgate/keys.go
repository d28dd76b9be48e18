// ABOUTME: Client-side helpers for agents: key generation and challenge signing
// ABOUTME: Produces the same canonical messages and encodings the server verifies

package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/2389/agentgate/internal/auth"
	"github.com/2389/agentgate/internal/config"
)

// defaultKeyEnv holds a private key when --key is not given.
const defaultKeyEnv = "AGENTGATE_PRIVATE_KEY"

type keygenOutput struct {
	PublicKey     string `json:"public_key"`
	Fingerprint   string `json:"fingerprint"`
	AuthorizedKey string `json:"authorized_key"`
	PrivateKey    string `json:"private_key,omitempty"`
	PrivateKeyOut string `json:"private_key_file,omitempty"`
}

func runKeygen(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	outPath := fs.StringP("out", "o", "", "write the private key seed to this file (mode 0600) instead of stdout")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := auth.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	fingerprint, err := auth.Fingerprint(pub)
	if err != nil {
		return err
	}
	authorized, err := auth.AuthorizedKey(pub)
	if err != nil {
		return err
	}

	res := keygenOutput{
		PublicKey:     auth.EncodePublicKey(pub),
		Fingerprint:   fingerprint,
		AuthorizedKey: authorized,
	}
	seed := base64.StdEncoding.EncodeToString(priv.Seed())
	if *outPath != "" {
		if err := os.WriteFile(*outPath, []byte(seed+"\n"), 0600); err != nil {
			return fmt.Errorf("writing private key: %w", err)
		}
		res.PrivateKeyOut = *outPath
	} else {
		res.PrivateKey = seed
	}

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintf(out, "public_key:     %s\n", res.PublicKey)
	fmt.Fprintf(out, "fingerprint:    %s\n", res.Fingerprint)
	fmt.Fprintf(out, "authorized_key: %s\n", res.AuthorizedKey)
	if res.PrivateKey != "" {
		fmt.Fprintf(out, "private_key:    %s\n", res.PrivateKey)
	} else {
		fmt.Fprintf(out, "private_key written to %s\n", res.PrivateKeyOut)
	}
	return nil
}

// loadPrivateKey reads a key from path, or from the named environment
// variable when path is empty.
func loadPrivateKey(path, envName string) (ed25519.PrivateKey, error) {
	var raw string
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		raw = string(data)
	} else {
		raw = os.Getenv(envName)
		if raw == "" {
			return nil, fmt.Errorf("no private key: pass --key or set %s", envName)
		}
	}
	return auth.ParsePrivateKey(strings.TrimSpace(raw))
}

type reauthOutput struct {
	AgentID   string `json:"agent_id"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

// runSign signs either an exact challenge message or, with --reauth, builds
// and signs the re-auth message for the current time.
func runSign(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("sign", pflag.ContinueOnError)
	keyPath := fs.StringP("key", "k", "", "private key file (default: $"+defaultKeyEnv+")")
	message := fs.StringP("message", "m", "", "challenge message to sign exactly as issued")
	reauth := fs.Bool("reauth", false, "build a signed re-auth request body")
	agentID := fs.String("agent-id", "", "agent ID for --reauth")
	protocol := fs.String("protocol", config.Default().Protocol, "protocol name for --reauth")
	timestamp := fs.String("timestamp", "", "timestamp for --reauth (default: now)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *reauth == (*message != "") {
		return errors.New("pass exactly one of --message or --reauth")
	}

	priv, err := loadPrivateKey(*keyPath, defaultKeyEnv)
	if err != nil {
		return err
	}

	if *message != "" {
		fmt.Fprintln(out, auth.Sign(priv, *message))
		return nil
	}

	if *agentID == "" {
		return errors.New("--agent-id is required with --reauth")
	}
	ts := *timestamp
	if ts == "" {
		ts = auth.FormatTimestamp(time.Now())
	} else if _, err := auth.ParseTimestamp(ts); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(reauthOutput{
		AgentID:   *agentID,
		Timestamp: ts,
		Signature: auth.Sign(priv, auth.ReauthMessage(*protocol, *agentID, ts)),
	})
}
