package identity

import (
	"path/filepath"
	"testing"
)

func TestGenerateProducesDistinctIdentities(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if a.NodeID() == b.NodeID() {
		t.Error("Generate() produced identical node ids")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	msg := []byte("layout-version-7")
	sig := id.Sign(msg)

	if !Verify(id.NodeID(), msg, sig) {
		t.Error("Verify() = false for a valid signature")
	}
	if Verify(id.NodeID(), []byte("tampered"), sig) {
		t.Error("Verify() = true for a tampered message")
	}

	other, _ := Generate()
	if Verify(other.NodeID(), msg, sig) {
		t.Error("Verify() = true against the wrong node id")
	}
}

func TestNodeIDStringRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	s := id.NodeID().String()
	parsed, err := ParseNodeID(s)
	if err != nil {
		t.Fatalf("ParseNodeID(%q) error = %v", s, err)
	}
	if parsed != id.NodeID() {
		t.Errorf("ParseNodeID round trip = %v, want %v", parsed, id.NodeID())
	}
}

func TestParseNodeIDRejectsBadInput(t *testing.T) {
	if _, err := ParseNodeID("not-hex"); err == nil {
		t.Error("ParseNodeID() accepted non-hex input")
	}
	if _, err := ParseNodeID("aabb"); err == nil {
		t.Error("ParseNodeID() accepted a too-short key")
	}
}

func TestLoadOrGeneratePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate() error = %v", err)
	}

	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate() on existing file error = %v", err)
	}

	if first.NodeID() != second.NodeID() {
		t.Error("LoadOrGenerate() did not return the same identity on reload")
	}
}
