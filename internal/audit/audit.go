package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// ErrChainCorrupted indicates a recomputed hash does not match the stored
// chain. The entry index is carried by VerifyIntegrity's return value.
var ErrChainCorrupted = errors.New("audit chain corrupted")

// Entry is one link of a tamper-evident, per-scope hash chain. ScopeID is an
// account or family id. Entries are append-only and never mutated.
type Entry struct {
	ID        string
	ScopeID   string
	Seq       int64
	Action    string
	Actor     string
	Payload   json.RawMessage
	PrevHash  string
	Hash      string
	CreatedAt time.Time
}

// Repository persists audit entries. Appends to the same scope must
// serialize so Seq and PrevHash stay causally ordered; the backends handle
// that (mutex in memory, advisory lock in Postgres).
type Repository interface {
	// Append persists the entry after the backend fills Seq and PrevHash via
	// the supplied chain function under the scope's append lock.
	Append(ctx context.Context, scopeID string, build func(seq int64, prevHash string) (Entry, error)) (Entry, error)
	Entries(ctx context.Context, scopeID string) ([]Entry, error)
}

// Log is the hash-chained audit log.
type Log struct {
	repo Repository
}

// NewLog builds an audit log over the given repository.
func NewLog(repo Repository) *Log {
	return &Log{repo: repo}
}

// genesisHash anchors each scope's chain.
const genesisHash = ""

func chainHash(prevHash, action, actor string, payload json.RawMessage, createdAt time.Time) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(prevHash))
	h.Write([]byte(action))
	h.Write([]byte(actor))
	h.Write(payload)
	h.Write([]byte(createdAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalPayload produces a stable byte form of the payload. Go's JSON
// encoder writes map keys in sorted order, which is enough for recomputing
// the chain from storage.
func canonicalPayload(payload map[string]any) (json.RawMessage, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit payload: %w", err)
	}
	return raw, nil
}

// Append computes the next link and persists it.
func (l *Log) Append(ctx context.Context, scopeID, action, actor string, payload map[string]any) (Entry, error) {
	raw, err := canonicalPayload(payload)
	if err != nil {
		return Entry{}, err
	}

	return l.repo.Append(ctx, scopeID, func(seq int64, prevHash string) (Entry, error) {
		now := time.Now().UTC()
		e := Entry{
			ID:        uuid.NewString(),
			ScopeID:   scopeID,
			Seq:       seq,
			Action:    action,
			Actor:     actor,
			Payload:   raw,
			PrevHash:  prevHash,
			CreatedAt: now,
		}
		e.Hash = chainHash(prevHash, action, actor, raw, now)
		return e, nil
	})
}

// Entries returns the scope's chain in append order.
func (l *Log) Entries(ctx context.Context, scopeID string) ([]Entry, error) {
	return l.repo.Entries(ctx, scopeID)
}

// VerifyIntegrity walks the chain recomputing every hash. It returns -1 on a
// clean chain, or the index of the first corrupted entry along with
// ErrChainCorrupted.
func (l *Log) VerifyIntegrity(ctx context.Context, scopeID string) (int, error) {
	entries, err := l.repo.Entries(ctx, scopeID)
	if err != nil {
		return -1, err
	}

	prev := genesisHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return i, fmt.Errorf("entry %d prev-hash mismatch: %w", i, ErrChainCorrupted)
		}
		if chainHash(e.PrevHash, e.Action, e.Actor, e.Payload, e.CreatedAt) != e.Hash {
			return i, fmt.Errorf("entry %d hash mismatch: %w", i, ErrChainCorrupted)
		}
		prev = e.Hash
	}
	return -1, nil
}
