// Package capacity implements the platform-wide concurrent-call capacity
// store backed by a shared Redis instance.
//
// The store holds three key shapes:
//
//	concurrent:global:active   — integer counter, 0 <= value <= global cap
//	concurrent:plan:<PLAN>     — per-plan counter for telemetry
//	concurrent:active_calls    — hash call_id -> JSON slot metadata
//
// All mutations go through Lua scripts so check-and-increment and
// floored-decrement are single-round-trip atomic operations. A naive
// read-then-write would admit more than the cap under concurrent acquires.
package capacity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voiceops/callgate/pkg/models"
)

const (
	keyGlobalActive = "concurrent:global:active"
	keyActiveCalls  = "concurrent:active_calls"
	planKeyPrefix   = "concurrent:plan:"
)

// acquireScript implements check-and-increment with the predicate
// current < cap as one indivisible operation. If the call id already holds
// a slot the existing record wins and counters are untouched, which makes
// webhook retries safe.
//
// KEYS: global counter, active-calls hash, plan counter
// ARGV: call_id, cap, metadata JSON
// Returns {admitted, current, idempotent}.
var acquireScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[2], ARGV[1])
if existing then
  local current = tonumber(redis.call('GET', KEYS[1]) or '0')
  return {1, current, 1}
end
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[2]) then
  return {0, current, 0}
end
current = redis.call('INCR', KEYS[1])
redis.call('INCR', KEYS[3])
local meta = cjson.decode(ARGV[3])
meta.slot_index = current
redis.call('HSET', KEYS[2], ARGV[1], cjson.encode(meta))
return {1, current, 0}
`)

// releaseScript implements decrement-floored-at-zero. Releasing an unknown
// call id succeeds without touching counters. The plan counter key is
// derived inside the script from the stored slot metadata; the store targets
// a single logical Redis instance, not a cluster.
//
// KEYS: global counter, active-calls hash
// ARGV: call_id, plan key prefix
// Returns {ok, current, released}.
var releaseScript = redis.NewScript(`
local entry = redis.call('HGET', KEYS[2], ARGV[1])
if not entry then
  local current = tonumber(redis.call('GET', KEYS[1]) or '0')
  return {1, current, 0}
end
redis.call('HDEL', KEYS[2], ARGV[1])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current > 0 then
  current = redis.call('DECR', KEYS[1])
end
local ok, meta = pcall(cjson.decode, entry)
if ok and meta.plan then
  local plankey = ARGV[2] .. meta.plan
  local pc = tonumber(redis.call('GET', plankey) or '0')
  if pc > 0 then
    redis.call('DECR', plankey)
  end
end
return {1, current, 1}
`)

// SlotMeta is the metadata tuple stored per active call.
type SlotMeta struct {
	TenantID   int64       `json:"tenant_id"`
	Plan       models.Plan `json:"plan"`
	SlotIndex  int         `json:"slot_index"`
	AcquiredAt time.Time   `json:"acquired_at"`
}

// Capacity is an advisory snapshot of global headroom. It may race with
// concurrent writes and must never be used as the admission gate.
type Capacity struct {
	Available bool `json:"available"`
	Current   int  `json:"current"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
}

// AcquireResult reports the outcome of an atomic slot acquisition.
type AcquireResult struct {
	Success    bool
	Current    int
	Idempotent bool
	Meta       SlotMeta
}

// ReleaseResult reports the outcome of a slot release.
type ReleaseResult struct {
	Success  bool
	Current  int
	Released bool
}

// LookupResult reports whether a call id currently holds a slot.
type LookupResult struct {
	Found   bool
	Current int
	Meta    SlotMeta
}

// Snapshot is the full store state for telemetry and dashboards.
type Snapshot struct {
	Active  int                 `json:"active"`
	Limit   int                 `json:"limit"`
	PerPlan map[models.Plan]int `json:"per_plan"`
	Calls   map[string]SlotMeta `json:"active_calls"`
}

// Store is the global capacity store. All operations are safe for
// concurrent use; coordination happens in Redis, not in process memory.
type Store struct {
	rdb       redis.UniversalClient
	globalCap int
}

// NewStore wraps an existing Redis client.
func NewStore(rdb redis.UniversalClient, globalCap int) *Store {
	return &Store{rdb: rdb, globalCap: globalCap}
}

// NewStoreFromURL connects to the store at the given redis:// URL.
func NewStoreFromURL(ctx context.Context, url string, globalCap int) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid store URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping capacity store: %w", err)
	}
	return &Store{rdb: rdb, globalCap: globalCap}, nil
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Limit returns the configured global cap.
func (s *Store) Limit() int {
	return s.globalCap
}

// Ping checks store reachability, for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// CheckCapacity returns advisory headroom. On store unreachability it fails
// open (Available=true) so the per-tenant counter still bounds admission;
// the error is returned for logging.
func (s *Store) CheckCapacity(ctx context.Context) (Capacity, error) {
	current, err := s.rdb.Get(ctx, keyGlobalActive).Int()
	if err != nil && err != redis.Nil {
		slog.Warn("Capacity store unreachable, failing open for check", "error", err)
		return Capacity{Available: true, Current: -1, Limit: s.globalCap, Remaining: -1}, err
	}
	remaining := s.globalCap - current
	if remaining < 0 {
		remaining = 0
	}
	return Capacity{
		Available: current < s.globalCap,
		Current:   current,
		Limit:     s.globalCap,
		Remaining: remaining,
	}, nil
}

// AcquireSlot atomically claims one global slot for callID. A second acquire
// for the same call id returns the existing record with Idempotent=true and
// does not re-increment.
func (s *Store) AcquireSlot(ctx context.Context, callID string, plan models.Plan, tenantID int64) (AcquireResult, error) {
	meta := SlotMeta{
		TenantID:   tenantID,
		Plan:       plan,
		AcquiredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("failed to marshal slot metadata: %w", err)
	}

	res, err := acquireScript.Run(ctx, s.rdb,
		[]string{keyGlobalActive, keyActiveCalls, planKeyPrefix + string(plan)},
		callID, s.globalCap, string(payload),
	).Int64Slice()
	if err != nil {
		return AcquireResult{}, fmt.Errorf("acquire script failed: %w", err)
	}
	if len(res) != 3 {
		return AcquireResult{}, fmt.Errorf("acquire script returned %d values, want 3", len(res))
	}

	out := AcquireResult{
		Success:    res[0] == 1,
		Current:    int(res[1]),
		Idempotent: res[2] == 1,
		Meta:       meta,
	}
	out.Meta.SlotIndex = out.Current
	return out, nil
}

// Lookup reports whether callID currently holds a slot, without changing
// any counter. Read-only, so callers may use it to short-circuit retried
// acquires before the capacity gates.
func (s *Store) Lookup(ctx context.Context, callID string) (LookupResult, error) {
	raw, err := s.rdb.HGet(ctx, keyActiveCalls, callID).Result()
	if err == redis.Nil {
		return LookupResult{}, nil
	}
	if err != nil {
		return LookupResult{}, fmt.Errorf("failed to look up slot: %w", err)
	}
	var meta SlotMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return LookupResult{}, fmt.Errorf("failed to decode slot metadata: %w", err)
	}
	current, err := s.rdb.Get(ctx, keyGlobalActive).Int()
	if err != nil && err != redis.Nil {
		return LookupResult{}, fmt.Errorf("failed to read global counter: %w", err)
	}
	return LookupResult{Found: true, Current: current, Meta: meta}, nil
}

// ReleaseSlot atomically frees the slot held by callID. Unknown ids succeed
// without changing counters; under no schedule does the global counter go
// below zero. Store errors are returned so the caller may retry (release
// fails closed).
func (s *Store) ReleaseSlot(ctx context.Context, callID string) (ReleaseResult, error) {
	res, err := releaseScript.Run(ctx, s.rdb,
		[]string{keyGlobalActive, keyActiveCalls},
		callID, planKeyPrefix,
	).Int64Slice()
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("release script failed: %w", err)
	}
	if len(res) != 3 {
		return ReleaseResult{}, fmt.Errorf("release script returned %d values, want 3", len(res))
	}
	return ReleaseResult{
		Success:  res[0] == 1,
		Current:  int(res[1]),
		Released: res[2] == 1,
	}, nil
}

// GlobalStatus returns the full store snapshot.
func (s *Store) GlobalStatus(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Limit:   s.globalCap,
		PerPlan: make(map[models.Plan]int, len(models.AllPlans)),
		Calls:   make(map[string]SlotMeta),
	}

	current, err := s.rdb.Get(ctx, keyGlobalActive).Int()
	if err != nil && err != redis.Nil {
		return snap, fmt.Errorf("failed to read global counter: %w", err)
	}
	snap.Active = current

	for _, plan := range models.AllPlans {
		n, err := s.rdb.Get(ctx, planKeyPrefix+string(plan)).Int()
		if err != nil && err != redis.Nil {
			return snap, fmt.Errorf("failed to read plan counter %s: %w", plan, err)
		}
		snap.PerPlan[plan] = n
	}

	entries, err := s.rdb.HGetAll(ctx, keyActiveCalls).Result()
	if err != nil {
		return snap, fmt.Errorf("failed to read active calls: %w", err)
	}
	for callID, raw := range entries {
		var meta SlotMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			slog.Warn("Skipping unparsable active-call entry", "call_id", callID, "error", err)
			continue
		}
		snap.Calls[callID] = meta
	}
	return snap, nil
}

// ActiveCallIDs returns the call ids currently holding a slot.
func (s *Store) ActiveCallIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.HKeys(ctx, keyActiveCalls).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active calls: %w", err)
	}
	return ids, nil
}

// ForceReset clears every capacity key. Administrative; counters are rebuilt
// from the session registry by the reconciliation worker.
func (s *Store) ForceReset(ctx context.Context) error {
	keys := []string{keyGlobalActive, keyActiveCalls}
	for _, plan := range models.AllPlans {
		keys = append(keys, planKeyPrefix+string(plan))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset capacity store: %w", err)
	}
	return nil
}

// CleanupStuck releases every slot whose call id is not in activeIDs, the
// authoritative set of live calls sourced from the session registry.
// Returns the ids that were released.
func (s *Store) CleanupStuck(ctx context.Context, activeIDs []string) ([]string, error) {
	held, err := s.ActiveCallIDs(ctx)
	if err != nil {
		return nil, err
	}

	live := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		live[id] = struct{}{}
	}

	var released []string
	for _, id := range held {
		if _, ok := live[id]; ok {
			continue
		}
		if _, err := s.ReleaseSlot(ctx, id); err != nil {
			return released, fmt.Errorf("failed to release stuck slot %s: %w", id, err)
		}
		slog.Warn("Released stuck capacity slot", "call_id", id)
		released = append(released, id)
	}
	return released, nil
}
