// Package notary holds the service-side signing: the soft ed25519 keypair,
// the institutional re-signing of finalized bundles, and the best-effort
// transparency log publication.
package notary

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"veridoc/internal/platform/config"
)

// Keypair is a soft ed25519 signing key held in memory.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// KeypairFromConfig loads the service key from the injected SigningConfig.
// Returns (nil, nil) when no seed is configured; callers decide whether that
// degrades or is fatal.
func KeypairFromConfig(cfg config.Signing) (*Keypair, error) {
	if cfg.PrivateKeySeedHex == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(cfg.PrivateKeySeedHex)
	if err != nil {
		return nil, fmt.Errorf("decode signing key seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// GenerateKeypair creates an ephemeral keypair, used when certification runs
// without configured key material.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{priv: priv, pub: pub}, nil
}

// Sign returns the base64 signature over payload.
func (k *Keypair) Sign(payload []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(k.priv, payload))
}

// PublicKeyBase64 returns the base64 encoded public key.
func (k *Keypair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.pub)
}

// Verify checks a base64 signature over payload against this keypair.
func (k *Keypair) Verify(payload []byte, signatureB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(k.pub, payload, sig)
}
