package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
)

var (
	// ErrKeyConflict indicates the key was reused with a different request
	// payload. Caller error, surfaced immediately.
	ErrKeyConflict = errors.New("idempotency key reused with different payload")

	// ErrInProgress indicates another attempt holding the same key has begun
	// but not yet completed.
	ErrInProgress = errors.New("duplicate request currently processing")
)

// Result statuses stored for replay.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Scope identifies one logical operation attempt: keys are scoped to
// account and operation so the same client key may be reused across
// operation types without colliding.
type Scope struct {
	AccountID string
	Operation string
	Key       string
}

// Result is the stored outcome of a completed attempt. Failed attempts store
// the error kind so a retry surfaces the original failure instead of
// re-running side effects.
type Result struct {
	Fingerprint string          `json:"fingerprint"`
	Status      string          `json:"status"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Index is the single choke point enforcing at-most-one effect per key.
// Begin returns (nil, nil) when the attempt is fresh and reserved — the
// caller must then Complete or Abandon. A non-nil Result is a replay of a
// finished attempt.
type Index interface {
	Begin(ctx context.Context, scope Scope, fingerprint string) (*Result, error)
	Complete(ctx context.Context, scope Scope, result Result) error
	Abandon(ctx context.Context, scope Scope) error
}

// Fingerprint derives a stable hash of the request payload for key-reuse
// detection.
func Fingerprint(payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(err.Error())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
