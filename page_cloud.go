package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
)

// CloudRecord associates one cloud-held commit with its remote sequencing
// token: an opaque, monotonically-meaningful watermark the watcher uses to
// resume a stream after reconnect without re-delivering seen commits.
type CloudRecord struct {
	// ID is the hex commit ID, usable as an idempotency key.
	ID string `json:"id"`
	// Payload is the encoded record container (commit bytes plus bundled
	// objects), snappy-compressed and then AEAD-encrypted when sync
	// encryption is enabled.
	Payload []byte `json:"payload"`
	// Token is assigned by the cloud on upload; empty until then.
	Token string `json:"token,omitempty"`
}

// PageCloud is the cloud transport boundary for one page's commits.
type PageCloud interface {
	// AddCommits uploads records in order. The cloud assigns each a token
	// greater than every previously assigned token. Re-uploading an already
	// present commit is a no-op.
	AddCommits(ctx context.Context, records []CloudRecord) error
	// GetCommits returns all records with a token strictly greater than
	// afterToken, in increasing token order. An empty afterToken means from
	// the beginning.
	GetCommits(ctx context.Context, afterToken string) ([]CloudRecord, error)
}

// recordObject is one content-addressed object bundled with a commit in its
// cloud record: always the commit's root tree, plus any eager-priority
// values. Lazy values stay behind and are fetched on demand.
type recordObject struct {
	id   ObjectID
	data []byte
}

// Record container layout (before compression/encryption):
//
//	magic "LREC" | version u8 | commitLen u32 | commit bytes |
//	objectCount u16 | { id [32]byte | dataLen u32 | data }*
const (
	recordMagic   = "LREC"
	recordVersion = 1
)

// encodeCommitPayload prepares a commit and its bundled objects for upload:
// build the record container, snappy-compress, then encrypt when an
// encryptor is configured.
func encodeCommitPayload(c *Commit, objects []recordObject, enc *Encryptor) ([]byte, error) {
	commitBytes := c.StorageBytes()

	size := len(recordMagic) + 1 + 4 + len(commitBytes) + 2
	for _, obj := range objects {
		size += 32 + 4 + len(obj.data)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, recordMagic...)
	buf = append(buf, recordVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(commitBytes)))
	buf = append(buf, commitBytes...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(objects)))
	for _, obj := range objects {
		buf = append(buf, obj.id[:]...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(obj.data)))
		buf = append(buf, obj.data...)
	}

	payload := snappy.Encode(nil, buf)
	if enc != nil {
		encrypted, err := enc.Encrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("encrypt commit payload: %w", err)
		}
		payload = encrypted
	}
	return payload, nil
}

// decodeCommitPayload reverses encodeCommitPayload, verifying the commit's
// content address against the record ID and every bundled object against its
// own. Any failure is a protocol error, never a partial result.
func decodeCommitPayload(record CloudRecord, enc *Encryptor) (*Commit, []recordObject, error) {
	payload := record.Payload
	if enc != nil {
		decrypted, err := enc.Decrypt(payload)
		if err != nil {
			return nil, nil, newSyncError(SyncErrorTypeProtocol, "commit payload authentication failed", "", ErrMalformedNotification)
		}
		payload = decrypted
	}
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, nil, newSyncError(SyncErrorTypeProtocol, "commit payload decompression failed", "", ErrMalformedNotification)
	}

	malformed := func(msg string) (*Commit, []recordObject, error) {
		return nil, nil, newSyncError(SyncErrorTypeProtocol, msg, record.ID, ErrMalformedNotification)
	}

	if len(raw) < len(recordMagic)+1+4 || string(raw[:len(recordMagic)]) != recordMagic {
		return malformed("commit record container corrupt")
	}
	if raw[len(recordMagic)] != recordVersion {
		return malformed("commit record version unsupported")
	}
	raw = raw[len(recordMagic)+1:]

	commitLen := binary.BigEndian.Uint32(raw)
	raw = raw[4:]
	if uint32(len(raw)) < commitLen+2 {
		return malformed("commit record container truncated")
	}
	c, err := DecodeCommit(raw[:commitLen])
	if err != nil {
		return malformed("commit payload decode failed")
	}
	if record.ID != "" && c.ID().String() != record.ID {
		return malformed("commit payload id mismatch")
	}
	raw = raw[commitLen:]

	count := binary.BigEndian.Uint16(raw)
	raw = raw[2:]
	objects := make([]recordObject, 0, count)
	for i := 0; i < int(count); i++ {
		if len(raw) < 32+4 {
			return malformed("commit record object truncated")
		}
		var id ObjectID
		copy(id[:], raw[:32])
		dataLen := binary.BigEndian.Uint32(raw[32:])
		raw = raw[36:]
		if uint32(len(raw)) < dataLen {
			return malformed("commit record object truncated")
		}
		data := append([]byte(nil), raw[:dataLen]...)
		raw = raw[dataLen:]
		if ObjectID(sha256.Sum256(data)) != id {
			return malformed("commit record object address mismatch")
		}
		objects = append(objects, recordObject{id: id, data: data})
	}
	if len(raw) != 0 {
		return malformed("commit record trailing bytes")
	}
	return c, objects, nil
}
