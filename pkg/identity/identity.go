// Package identity provides each Meridian node with a stable Ed25519
// keypair. The public key doubles as the node's 32-byte NodeID; the
// private key signs layout commitments.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// NodeID is a node's stable identity: its Ed25519 public key.
type NodeID [ed25519.PublicKeySize]byte

// String renders the NodeID as lowercase hex, the form used in logs and RPC wire messages.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseNodeID decodes a hex-encoded NodeID.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("identity: invalid node id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("identity: node id %q has %d bytes, want %d", s, len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

// Identity holds a node's keypair and exposes it as a NodeID.
type Identity struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Generate creates a fresh random keypair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: key generation failed: %w", err)
	}
	return &Identity{public: pub, private: priv}, nil
}

// LoadOrGenerate reads a private key from path, generating and persisting
// a new one if the file does not yet exist. The file is written with
// mode 0600 since it holds key material.
func LoadOrGenerate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity: key file %s has %d bytes, want %d", path, len(data), ed25519.PrivateKeySize)
		}
		priv := ed25519.PrivateKey(data)
		pub, ok := priv.Public().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("identity: key file %s did not yield an ed25519 public key", path)
		}
		return &Identity{public: pub, private: priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: failed to read key file %s: %w", path, err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("identity: failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, id.private, 0600); err != nil {
		return nil, fmt.Errorf("identity: failed to persist key file %s: %w", path, err)
	}
	return id, nil
}

// NodeID returns this identity's public key as a NodeID.
func (id *Identity) NodeID() NodeID {
	var n NodeID
	copy(n[:], id.public)
	return n
}

// Sign produces a detached signature over msg.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.private, msg)
}

// Verify checks a signature produced by the node identified by nodeID.
func Verify(nodeID NodeID, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(nodeID[:]), msg, sig)
}
