package ledger

import (
	"bytes"
	"testing"
	"time"
)

func testRootID(b byte) ObjectID {
	var id ObjectID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestNewCommitRootGeneration(t *testing.T) {
	c, err := NewCommit(nil, testRootID(1), time.Now())
	if err != nil {
		t.Fatalf("NewCommit failed: %v", err)
	}
	if c.Generation() != 0 {
		t.Errorf("root commit generation = %d, want 0", c.Generation())
	}
	if len(c.ParentIDs()) != 0 {
		t.Errorf("root commit has %d parents, want 0", len(c.ParentIDs()))
	}
	if c.IsMerge() {
		t.Error("root commit reported as merge")
	}
}

func TestNewCommitGenerationIsOnePlusMaxParent(t *testing.T) {
	root, err := NewCommit(nil, testRootID(1), time.Now())
	if err != nil {
		t.Fatalf("NewCommit failed: %v", err)
	}
	a, err := NewCommit([]*Commit{root}, testRootID(2), time.Now())
	if err != nil {
		t.Fatalf("NewCommit failed: %v", err)
	}
	if a.Generation() != 1 {
		t.Errorf("child generation = %d, want 1", a.Generation())
	}

	b, err := NewCommit([]*Commit{a}, testRootID(3), time.Now())
	if err != nil {
		t.Fatalf("NewCommit failed: %v", err)
	}
	merge, err := NewCommit([]*Commit{a, b}, testRootID(4), time.Now())
	if err != nil {
		t.Fatalf("NewCommit failed: %v", err)
	}
	if want := b.Generation() + 1; merge.Generation() != want {
		t.Errorf("merge generation = %d, want %d", merge.Generation(), want)
	}
	if !merge.IsMerge() {
		t.Error("two-parent commit not reported as merge")
	}
}

func TestNewCommitCanonicalParentOrder(t *testing.T) {
	root, _ := NewCommit(nil, testRootID(1), time.Now())
	a, _ := NewCommit([]*Commit{root}, testRootID(2), time.Unix(0, 1))
	b, _ := NewCommit([]*Commit{root}, testRootID(3), time.Unix(0, 2))

	m1, err := NewCommit([]*Commit{a, b}, testRootID(4), time.Unix(0, 3))
	if err != nil {
		t.Fatalf("NewCommit failed: %v", err)
	}
	m2, err := NewCommit([]*Commit{b, a}, testRootID(4), time.Unix(0, 3))
	if err != nil {
		t.Fatalf("NewCommit failed: %v", err)
	}

	if m1.ID() != m2.ID() {
		t.Error("merge ID depends on parent argument order")
	}
	parents := m1.ParentIDs()
	if compareCommitIDs(parents[0], parents[1]) >= 0 {
		t.Error("parents not in canonical order")
	}
}

func TestNewCommitRejectsTooManyParents(t *testing.T) {
	root, _ := NewCommit(nil, testRootID(1), time.Now())
	a, _ := NewCommit([]*Commit{root}, testRootID(2), time.Unix(0, 1))
	b, _ := NewCommit([]*Commit{root}, testRootID(3), time.Unix(0, 2))

	if _, err := NewCommit([]*Commit{root, a, b}, testRootID(4), time.Now()); err == nil {
		t.Fatal("expected error for three parents")
	}
}

func TestCommitStorageBytesRoundTrip(t *testing.T) {
	root, _ := NewCommit(nil, testRootID(1), time.Unix(123, 456))
	child, err := NewCommit([]*Commit{root}, testRootID(2), time.Unix(789, 12))
	if err != nil {
		t.Fatalf("NewCommit failed: %v", err)
	}

	for _, c := range []*Commit{root, child} {
		decoded, err := DecodeCommit(c.StorageBytes())
		if err != nil {
			t.Fatalf("DecodeCommit failed: %v", err)
		}
		if decoded.ID() != c.ID() {
			t.Errorf("round-trip ID mismatch: got %s, want %s", decoded.ID(), c.ID())
		}
		if decoded.Generation() != c.Generation() {
			t.Errorf("round-trip generation mismatch: got %d, want %d", decoded.Generation(), c.Generation())
		}
		if decoded.RootID() != c.RootID() {
			t.Error("round-trip root ID mismatch")
		}
		if !decoded.Timestamp().Equal(c.Timestamp()) {
			t.Errorf("round-trip timestamp mismatch: got %v, want %v", decoded.Timestamp(), c.Timestamp())
		}
		if !bytes.Equal(decoded.StorageBytes(), c.StorageBytes()) {
			t.Error("re-encoded bytes differ")
		}
	}
}

func TestDecodeCommitRejectsCorruptEncodings(t *testing.T) {
	root, _ := NewCommit(nil, testRootID(1), time.Now())
	valid := root.StorageBytes()

	cases := map[string][]byte{
		"empty":     nil,
		"short":     valid[:10],
		"bad magic": append([]byte("XXXX"), valid[4:]...),
		"trailing":  append(append([]byte(nil), valid...), 0),
	}
	for name, data := range cases {
		if _, err := DecodeCommit(data); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}

	// Nonzero generation on a parentless commit violates the DAG invariant.
	bad := append([]byte(nil), valid...)
	bad[12] = 7
	if _, err := DecodeCommit(bad); err == nil {
		t.Error("expected error for root commit with nonzero generation")
	}
}

func TestParseCommitID(t *testing.T) {
	root, _ := NewCommit(nil, testRootID(1), time.Now())
	id, err := ParseCommitID(root.ID().String())
	if err != nil {
		t.Fatalf("ParseCommitID failed: %v", err)
	}
	if id != root.ID() {
		t.Error("parsed ID differs from original")
	}

	if _, err := ParseCommitID("zz"); err == nil {
		t.Error("expected error for non-hex input")
	}
	if _, err := ParseCommitID("abcd"); err == nil {
		t.Error("expected error for short input")
	}
}
