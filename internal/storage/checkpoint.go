package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

const checkpointVersion = 1

// Checkpoint wraps a snapshot with enough metadata to detect corruption
type Checkpoint struct {
	Version   int             `json:"version"`
	Kind      string          `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	Checksum  string          `json:"checksum"`
	Data      json.RawMessage `json:"data"`
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SaveCheckpoint stores v under key in area
func SaveCheckpoint(ctx context.Context, b Backend, area Area, key, kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s checkpoint: %w", kind, err)
	}
	cp := Checkpoint{
		Version:   checkpointVersion,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
		Checksum:  checksum(data),
		Data:      data,
	}
	return SetJSON(ctx, b, area, key, cp)
}

// LoadCheckpoint decodes the snapshot stored under key into v after verifying
// its checksum. It returns nil when no checkpoint exists.
func LoadCheckpoint(ctx context.Context, b Backend, area Area, key string, v interface{}) (*Checkpoint, error) {
	var cp Checkpoint
	found, err := GetJSON(ctx, b, area, key, &cp)
	if err != nil || !found {
		return nil, err
	}
	if cp.Checksum != checksum(cp.Data) {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, key)
	}
	if err := json.Unmarshal(cp.Data, v); err != nil {
		return nil, fmt.Errorf("failed to decode %s checkpoint: %w", cp.Kind, err)
	}
	return &cp, nil
}
