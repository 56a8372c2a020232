package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

// Priority controls eviction behavior for a key's value object. It mirrors
// the priorities applications attach to entries; the ledger core treats it
// as an opaque byte that must survive commits and merges intact.
type Priority byte

const (
	// PriorityEager marks values that should always be kept locally.
	PriorityEager Priority = 0
	// PriorityLazy marks values that may be fetched on demand.
	PriorityLazy Priority = 1
)

// TreeEntry is one key's value reference inside a versioned tree.
type TreeEntry struct {
	ObjectID ObjectID
	Priority Priority
}

// Tree is an immutable snapshot of a page's key/value state. Trees are
// content-addressed: structurally equal trees share one ObjectID, so
// unrelated commits share them by reference.
type Tree struct {
	entries map[string]TreeEntry
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{entries: make(map[string]TreeEntry)}
}

// Get returns the entry for key, if present.
func (t *Tree) Get(key string) (TreeEntry, bool) {
	e, ok := t.entries[key]
	return e, ok
}

// Len returns the number of entries.
func (t *Tree) Len() int { return len(t.entries) }

// Keys returns all keys in sorted order.
func (t *Tree) Keys() []string {
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// clone returns a mutable copy of the tree.
func (t *Tree) clone() *Tree {
	entries := make(map[string]TreeEntry, len(t.entries))
	for k, v := range t.entries {
		entries[k] = v
	}
	return &Tree{entries: entries}
}

const (
	treeMagic   = "LTRE"
	treeVersion = 1

	// maxTreeKeyLen bounds key length to what the uint16 length prefix can carry.
	maxTreeKeyLen = 1<<16 - 1
)

// Encode produces the canonical binary form. Entries are sorted by key so
// structurally equal trees encode identically:
//
//	magic(4) version(1) count(4) [keyLen(2) key objectID(32) priority(1)]...
func (t *Tree) Encode() ([]byte, error) {
	keys := t.Keys()
	buf := make([]byte, 0, 4+1+4+len(keys)*40)
	buf = append(buf, treeMagic...)
	buf = append(buf, treeVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		if len(k) > maxTreeKeyLen {
			return nil, fmt.Errorf("tree key too long: %d bytes", len(k))
		}
		e := t.entries[k]
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(k)))
		buf = append(buf, k...)
		buf = append(buf, e.ObjectID[:]...)
		buf = append(buf, byte(e.Priority))
	}
	return buf, nil
}

// ID returns the tree's content address.
func (t *Tree) ID() (ObjectID, error) {
	data, err := t.Encode()
	if err != nil {
		return ObjectID{}, err
	}
	return sha256.Sum256(data), nil
}

// DecodeTree reconstructs a tree from its canonical encoding.
func DecodeTree(data []byte) (*Tree, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("tree encoding too short")
	}
	if string(data[:4]) != treeMagic {
		return nil, fmt.Errorf("bad tree magic")
	}
	if data[4] != treeVersion {
		return nil, fmt.Errorf("unsupported tree version %d", data[4])
	}

	count := binary.BigEndian.Uint32(data[5:9])
	t := NewTree()
	off := 9
	for i := uint32(0); i < count; i++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("tree encoding truncated at entry %d", i)
		}
		keyLen := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+keyLen+33 > len(data) {
			return nil, fmt.Errorf("tree encoding truncated at entry %d", i)
		}
		key := string(data[off : off+keyLen])
		off += keyLen
		var e TreeEntry
		copy(e.ObjectID[:], data[off:off+32])
		off += 32
		e.Priority = Priority(data[off])
		off++
		t.entries[key] = e
	}
	if off != len(data) {
		return nil, fmt.Errorf("trailing bytes in tree encoding")
	}
	return t, nil
}

// ChangeOp classifies a single key's change between two trees.
type ChangeOp int

const (
	// ChangePut records an added or updated entry.
	ChangePut ChangeOp = iota
	// ChangeDelete records a removed entry.
	ChangeDelete
)

// Change is one key's difference relative to a base tree.
type Change struct {
	Key   string
	Op    ChangeOp
	Entry TreeEntry // valid when Op == ChangePut
}

// ChangeSet maps keys to their change relative to a common base.
type ChangeSet map[string]Change

// diffTrees computes the change set transforming base into target.
func diffTrees(base, target *Tree) ChangeSet {
	changes := make(ChangeSet)
	for k, e := range target.entries {
		if b, ok := base.entries[k]; !ok || b != e {
			changes[k] = Change{Key: k, Op: ChangePut, Entry: e}
		}
	}
	for k := range base.entries {
		if _, ok := target.entries[k]; !ok {
			changes[k] = Change{Key: k, Op: ChangeDelete}
		}
	}
	return changes
}

// applyChange applies a single change to a mutable tree.
func applyChange(t *Tree, c Change) {
	switch c.Op {
	case ChangePut:
		t.entries[c.Key] = c.Entry
	case ChangeDelete:
		delete(t.entries, c.Key)
	}
}
