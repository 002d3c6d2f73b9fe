// Package idempotency stores batch move responses so a retried request with
// the same key replays the original outcome instead of moving items twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/stagetrack/model"
)

// Response is the recorded outcome of one request.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store provides deduplication for batch moves. A request first reserves its
// key, runs, then saves its response over the reservation.
type Store interface {
	// Check looks up a previous response by key. If the key exists and the
	// input hash matches, it returns the stored response. If the key exists
	// but the hash differs, or the first request is still running, it
	// returns a CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (resp *Response, found bool, err error)

	// Reserve claims an unused key with a pending marker that lives for ttl.
	// It reports false when the key is already taken.
	Reserve(ctx context.Context, key string, inputHash string, ttl time.Duration) (bool, error)

	// Release drops a reservation whose request produced no response.
	Release(ctx context.Context, key string) error

	// Save records a response under key for ttl.
	Save(ctx context.Context, key string, inputHash string, resp Response, ttl time.Duration) error

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	InputHash string   `json:"input_hash"`
	Pending   bool     `json:"pending,omitempty"`
	Response  Response `json:"response"`
}

// lookup applies the Check rules to a stored entry.
func (e entry) lookup(key, inputHash string) (*Response, bool, error) {
	switch {
	case e.InputHash != inputHash:
		return nil, true, conflict(key)
	case e.Pending:
		return nil, true, inProgress(key)
	}
	return &e.Response, true, nil
}

// FormatKey scopes a client supplied key to the caller so two organizations
// can never replay each other's responses.
func FormatKey(organizationID, subjectID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", organizationID, subjectID, key)
}

// HashInput returns a stable digest of a request body.
func HashInput(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func conflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

func inProgress(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("a request with idempotency key %q is still being processed", key),
	)
}
