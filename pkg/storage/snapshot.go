package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrETagMismatch = errors.New("storage: etag mismatch")

// Record is the JSON envelope written for every snapshot.
type Record struct {
	Value json.RawMessage `json:"value"`
	Meta  Meta            `json:"meta"`
}

// SaveSnapshot serialises value and writes it under ref. Meta.SnapshotID and
// Meta.UpdatedAt are filled when empty; Meta.ETag is always recomputed from
// the serialised value. When expected.ETag is set and differs from the stored
// etag the write is refused with ErrETagMismatch.
func SaveSnapshot(ctx context.Context, kv KV, ref Ref, value any, meta Meta) (Meta, error) {
	if kv == nil {
		return Meta{}, fmt.Errorf("storage: kv is required")
	}
	key, err := ref.Identifier()
	if err != nil {
		return Meta{}, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return Meta{}, fmt.Errorf("storage: marshal %q: %w", key, err)
	}

	if meta.ETag != "" {
		_, current, ok, err := LoadSnapshot(ctx, kv, ref)
		if err != nil {
			return Meta{}, err
		}
		if ok && current.ETag != meta.ETag {
			return current, fmt.Errorf("%w: expected %q, got %q", ErrETagMismatch, meta.ETag, current.ETag)
		}
	}

	saved := cloneMeta(meta)
	if saved.SnapshotID == "" {
		saved.SnapshotID = uuid.NewString()
	}
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = time.Now().UTC()
	}
	saved.ETag = etag(raw)

	encoded, err := json.Marshal(Record{Value: raw, Meta: saved})
	if err != nil {
		return Meta{}, fmt.Errorf("storage: marshal record %q: %w", key, err)
	}
	if err := kv.SetItem(ctx, key, string(encoded)); err != nil {
		return Meta{}, fmt.Errorf("storage: save %q: %w", key, err)
	}
	return cloneMeta(saved), nil
}

// LoadSnapshot reads the snapshot stored under ref. ok is false when nothing
// was persisted. Values written without an envelope are accepted as bare
// JSON.
func LoadSnapshot(ctx context.Context, kv KV, ref Ref) (value any, meta Meta, ok bool, err error) {
	if kv == nil {
		return nil, Meta{}, false, fmt.Errorf("storage: kv is required")
	}
	key, err := ref.Identifier()
	if err != nil {
		return nil, Meta{}, false, err
	}
	raw, ok, err := kv.GetItem(ctx, key)
	if err != nil {
		return nil, Meta{}, false, fmt.Errorf("storage: load %q: %w", key, err)
	}
	if !ok || raw == "" {
		return nil, Meta{}, false, nil
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err == nil && record.Value != nil && record.Meta.ETag != "" {
		if err := json.Unmarshal(record.Value, &value); err != nil {
			return nil, Meta{}, false, fmt.Errorf("storage: decode %q: %w", key, err)
		}
		return value, record.Meta, true, nil
	}

	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, Meta{}, false, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return value, Meta{}, true, nil
}

func etag(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
