package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTTL is the minimum useful lifetime for cached action results. A
// shorter TTL would let a retried activation re-invoke an action whose
// side effect already happened.
const DefaultTTL = 24 * time.Hour

// Cache stores slim action results keyed by idempotency key. A hit means
// the external side effect already happened and must not be repeated.
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
}

// NodeKey derives the idempotency key for one action invocation. Two
// attempts of the same node with identical rendered arguments share a key;
// a loop iteration that renders different arguments gets its own.
func NodeKey(runID, nodeID string, renderedArgs map[string]any) string {
	sum := sha256.Sum256([]byte(runID + ":" + nodeID + ":" + ArgsDigest(renderedArgs)))
	return hex.EncodeToString(sum[:])
}

// ScheduleKey derives the exactly-once key for one planned schedule
// emission, stable across restarts and concurrent scans.
func ScheduleKey(scheduleID string, runAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", scheduleID, runAt.Unix())))
	return hex.EncodeToString(sum[:])
}

// ArgsDigest produces a stable digest of rendered arguments. Map keys are
// sorted by the JSON encoder, so equal argument sets always collide.
func ArgsDigest(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
