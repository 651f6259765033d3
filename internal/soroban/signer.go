package soroban

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/mbd888/stellarcredit/internal/strkey"
)

// Signer signs prepared transactions on behalf of the contract authority.
type Signer interface {
	PublicKey() string
	Sign(tx *UnsignedTx) (*SignedTx, error)
}

// KeypairSigner signs with an ed25519 key derived from an S... seed.
type KeypairSigner struct {
	priv    ed25519.PrivateKey
	address string
}

// NewKeypairSigner decodes seed and derives the key pair.
func NewKeypairSigner(seed string) (*KeypairSigner, error) {
	raw, err := strkey.Decode(strkey.VersionSeed, seed)
	if err != nil {
		return nil, fmt.Errorf("soroban: invalid secret seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(raw)
	pub := priv.Public().(ed25519.PublicKey)
	addr, err := strkey.Encode(strkey.VersionAccountID, pub)
	if err != nil {
		return nil, err
	}
	return &KeypairSigner{priv: priv, address: addr}, nil
}

// PublicKey returns the G... address of the signer.
func (s *KeypairSigner) PublicKey() string {
	return s.address
}

// Sign signs the transaction hash.
func (s *KeypairSigner) Sign(tx *UnsignedTx) (*SignedTx, error) {
	payload, err := hex.DecodeString(tx.Hash)
	if err != nil || len(payload) == 0 {
		return nil, fmt.Errorf("soroban: transaction hash %q is not hex", tx.Hash)
	}
	sig := ed25519.Sign(s.priv, payload)
	return &SignedTx{
		Envelope:  tx.Envelope,
		Hash:      tx.Hash,
		PublicKey: s.address,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifySignature checks a SignedTx against the G... key it names.
func VerifySignature(tx *SignedTx) error {
	pub, err := strkey.Decode(strkey.VersionAccountID, tx.PublicKey)
	if err != nil {
		return fmt.Errorf("soroban: signer key: %w", err)
	}
	payload, err := hex.DecodeString(tx.Hash)
	if err != nil {
		return fmt.Errorf("soroban: transaction hash: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(tx.Signature)
	if err != nil {
		return fmt.Errorf("soroban: signature encoding: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return fmt.Errorf("soroban: bad signature for %s", tx.Hash)
	}
	return nil
}
