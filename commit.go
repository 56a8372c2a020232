package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// CommitID uniquely names a commit within a page. It is the SHA-256 digest of
// the commit's canonical encoding, so equal content always yields equal IDs.
type CommitID [32]byte

// ObjectID names a content-addressed tree object.
type ObjectID [32]byte

func (id CommitID) String() string { return hex.EncodeToString(id[:]) }
func (id ObjectID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether the ID is the all-zero value.
func (id CommitID) IsZero() bool { return id == CommitID{} }

// ParseCommitID parses a hex-encoded commit ID.
func ParseCommitID(s string) (CommitID, error) {
	var id CommitID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse commit id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("parse commit id: expected %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// compareCommitIDs orders commit IDs lexicographically.
func compareCommitIDs(a, b CommitID) int {
	return bytes.Compare(a[:], b[:])
}

const (
	commitMagic   = "LCMT"
	commitVersion = 1

	// maxCommitParents bounds the parent list: 0 for the root commit, 1 for a
	// normal descendant, 2 for a merge commit.
	maxCommitParents = 2
)

// Commit is an immutable node of a page's DAG. It captures a full versioned
// snapshot (via RootID) plus parent linkage. The store owns the canonical
// copy; callers receive read-only views and must not mutate the slices.
type Commit struct {
	id        CommitID
	parents   []CommitID
	timestamp time.Time
	gen       uint64
	rootID    ObjectID
	encoded   []byte
}

// NewCommit builds a commit from its parts, deriving the generation from the
// parents and the ID from the canonical encoding. Merge parents are stored in
// canonical (lexicographic) order so the same logical merge always serializes
// identically.
func NewCommit(parents []*Commit, rootID ObjectID, timestamp time.Time) (*Commit, error) {
	if len(parents) > maxCommitParents {
		return nil, newStoreError(StoreErrorTypeInvariant,
			fmt.Sprintf("commit cannot have %d parents", len(parents)), "", ErrInvalidCommit)
	}

	var gen uint64
	parentIDs := make([]CommitID, 0, len(parents))
	for _, p := range parents {
		parentIDs = append(parentIDs, p.ID())
		if g := p.Generation() + 1; g > gen {
			gen = g
		}
	}
	if len(parentIDs) == 2 && compareCommitIDs(parentIDs[0], parentIDs[1]) > 0 {
		parentIDs[0], parentIDs[1] = parentIDs[1], parentIDs[0]
	}

	c := &Commit{
		parents:   parentIDs,
		timestamp: timestamp.UTC().Truncate(time.Nanosecond),
		gen:       gen,
		rootID:    rootID,
	}
	c.encoded = c.encode()
	c.id = sha256.Sum256(c.encoded)
	return c, nil
}

// ID returns the commit's content-derived identifier.
func (c *Commit) ID() CommitID { return c.id }

// ParentIDs returns the ordered parent IDs. The slice must not be modified.
func (c *Commit) ParentIDs() []CommitID { return c.parents }

// Timestamp returns the advisory wall-clock instant of creation. It carries
// no ordering guarantees.
func (c *Commit) Timestamp() time.Time { return c.timestamp }

// Generation is the DAG's logical clock: 0 for the root commit, otherwise
// 1 + max over the parents' generations.
func (c *Commit) Generation() uint64 { return c.gen }

// RootID points to the root of the versioned key/value tree representing the
// commit's full content.
func (c *Commit) RootID() ObjectID { return c.rootID }

// StorageBytes returns the canonical serialization used for persistence and
// sync. The commit is reconstructible byte-for-byte from this alone.
func (c *Commit) StorageBytes() []byte { return c.encoded }

// IsMerge reports whether the commit has two parents.
func (c *Commit) IsMerge() bool { return len(c.parents) == 2 }

// encode produces the canonical binary form:
//
//	magic(4) version(1) generation(8) timestamp(8) rootID(32)
//	parentCount(1) parentID(32)...
func (c *Commit) encode() []byte {
	buf := make([]byte, 0, 4+1+8+8+32+1+len(c.parents)*32)
	buf = append(buf, commitMagic...)
	buf = append(buf, commitVersion)
	buf = binary.BigEndian.AppendUint64(buf, c.gen)
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.timestamp.UnixNano()))
	buf = append(buf, c.rootID[:]...)
	buf = append(buf, byte(len(c.parents)))
	for _, p := range c.parents {
		buf = append(buf, p[:]...)
	}
	return buf
}

// DecodeCommit reconstructs a commit from its storage bytes and verifies the
// generation and parent-ordering invariants it can check in isolation.
func DecodeCommit(data []byte) (*Commit, error) {
	const fixed = 4 + 1 + 8 + 8 + 32 + 1
	if len(data) < fixed {
		return nil, newStoreError(StoreErrorTypeInvariant, "commit encoding too short", "", ErrInvalidCommit)
	}
	if string(data[:4]) != commitMagic {
		return nil, newStoreError(StoreErrorTypeInvariant, "bad commit magic", "", ErrInvalidCommit)
	}
	if data[4] != commitVersion {
		return nil, newStoreError(StoreErrorTypeInvariant,
			fmt.Sprintf("unsupported commit version %d", data[4]), "", ErrInvalidCommit)
	}

	gen := binary.BigEndian.Uint64(data[5:13])
	ts := int64(binary.BigEndian.Uint64(data[13:21]))
	var rootID ObjectID
	copy(rootID[:], data[21:53])

	parentCount := int(data[53])
	if parentCount > maxCommitParents {
		return nil, newStoreError(StoreErrorTypeInvariant,
			fmt.Sprintf("commit has %d parents", parentCount), "", ErrInvalidCommit)
	}
	if len(data) != fixed+parentCount*32 {
		return nil, newStoreError(StoreErrorTypeInvariant, "commit encoding length mismatch", "", ErrInvalidCommit)
	}

	parents := make([]CommitID, parentCount)
	for i := 0; i < parentCount; i++ {
		copy(parents[i][:], data[fixed+i*32:fixed+(i+1)*32])
	}
	if parentCount == 0 && gen != 0 {
		return nil, newStoreError(StoreErrorTypeInvariant, "root commit with nonzero generation", "", ErrInvalidCommit)
	}
	if parentCount > 0 && gen == 0 {
		return nil, newStoreError(StoreErrorTypeInvariant, "non-root commit with zero generation", "", ErrInvalidCommit)
	}
	if parentCount == 2 && compareCommitIDs(parents[0], parents[1]) > 0 {
		return nil, newStoreError(StoreErrorTypeInvariant, "merge parents out of canonical order", "", ErrInvalidCommit)
	}

	c := &Commit{
		parents:   parents,
		timestamp: time.Unix(0, ts).UTC(),
		gen:       gen,
		rootID:    rootID,
		encoded:   append([]byte(nil), data...),
	}
	c.id = sha256.Sum256(c.encoded)
	return c, nil
}
