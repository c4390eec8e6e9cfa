/*
Package resultstore holds job outcomes and makes them retrievable by the
owner who requested the work.

Purpose:
	- Store small results inline and large results as a pointer into a
	  blob backend, transparently to callers
	- Cache recently stored/fetched results so a poll loop hitting the
	  same task repeatedly doesn't round-trip to the backing store
	- Enforce ownership: a result can only be read back by the owner it
	  was stored for

Idea:
	Store is the façade callers use. It composes a PersistentStore (the
	durable record of "what result belongs to what task, and where is its
	data") with a BlobBackend (used only when a result's data exceeds
	InlineThresholdBytes) and an in-process LRU cache in front of both.
*/
package resultstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// InlineThresholdBytes is the largest result payload stored directly in
// the persistent record. Anything larger is written to the blob backend
// and the persistent record holds only a pointer.
const InlineThresholdBytes = 64 * 1024

// Kind discriminates how a result's body is stored and what it means:
// inline and pointer both carry an artifact, error carries a typed
// failure instead.
type Kind string

const (
	KindInline  Kind = "inline"
	KindPointer Kind = "pointer"
	KindError   Kind = "error"
)

// PutRequest describes one successful result to store.
type PutRequest struct {
	TaskID string
	Owner  string
	Data   json.RawMessage
}

// PutErrorRequest describes a terminal failure to record as a result, so
// a caller polling Get sees the typed failure instead of ErrNotFound.
type PutErrorRequest struct {
	TaskID  string
	Owner   string
	Message json.RawMessage
}

// Result is a stored outcome as returned to a caller that already proved
// ownership.
type Result struct {
	TaskID    string
	Owner     string
	Kind      Kind
	Data      json.RawMessage
	StoredAt  time.Time
	Size      int64
	Checksum  string
	IsPointer bool
}

// ErrNotFound is returned by Get for a missing result or one whose owner
// does not match the caller. The two cases are deliberately
// indistinguishable to the caller: leaking "this result exists but isn't
// yours" is itself an information disclosure.
var ErrNotFound = fmt.Errorf("resultstore: result not found")

// Store is the façade callers depend on.
type Store interface {
	Put(ctx context.Context, req PutRequest) (ref string, err error)
	// PutError records a terminal failure as a kind=error result, so a
	// caller polling Get after a failed/timed-out/cancelled job sees the
	// typed failure instead of ErrNotFound.
	PutError(ctx context.Context, req PutErrorRequest) (ref string, err error)
	Get(ctx context.Context, taskID, owner string) (Result, error)
	// PurgeExpired deletes every result older than retention and returns
	// the number of rows removed. A zero or negative retention is a no-op,
	// since an unbounded retention period means "never purge."
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// record is what PersistentStore actually holds: inline data, a pointer
// key into a BlobBackend, or an error message, never more than one.
type record struct {
	TaskID     string
	Owner      string
	Kind       Kind
	InlineData json.RawMessage
	BlobKey    string
	Size       int64
	Checksum   string
	StoredAt   time.Time
}

func (r record) isPointer() bool { return r.Kind == KindPointer }

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PersistentStore is the durable backing store for result records.
type PersistentStore interface {
	Save(ctx context.Context, rec record) error
	Load(ctx context.Context, taskID string) (record, bool, error)
	// DeleteExpired removes every record stored before olderThan and
	// returns how many rows were deleted. Called periodically by a
	// retention sweep, not on the request path.
	DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error)
}

// BlobBackend stores and retrieves large result payloads out of line from
// the persistent record. internal/resultstore ships an in-memory
// implementation for tests and single-process deployments; a production
// deployment backs this with object storage.
type BlobBackend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// resultCache is the caching layer in front of PersistentStore. lruCache
// satisfies it for single-process deployments; redisCache satisfies it
// when results need to be shared across orchestrator replicas.
type resultCache interface {
	get(ctx context.Context, key string) (record, bool)
	put(ctx context.Context, key string, rec record)
}

// store is the default Store implementation: PersistentStore +
// BlobBackend + a cache in front of both.
type store struct {
	persistent PersistentStore
	blobs      BlobBackend
	cache      resultCache
}

// New builds a Store backed by an in-process LRU cache. cacheCapacity
// bounds the number of entries kept in memory; cacheTTL bounds how long a
// cached entry is served before the persistent store is consulted again.
func New(persistent PersistentStore, blobs BlobBackend, cacheCapacity int, cacheTTL time.Duration) Store {
	return NewWithCache(persistent, blobs, newLRUCache(cacheCapacity, cacheTTL))
}

// NewWithCache builds a Store with a caller-supplied cache, letting a
// multi-replica deployment plug in a shared cache (see NewRedisCache)
// instead of each replica's local LRU.
func NewWithCache(persistent PersistentStore, blobs BlobBackend, cache resultCache) Store {
	return &store{
		persistent: persistent,
		blobs:      blobs,
		cache:      cache,
	}
}

func (s *store) Put(ctx context.Context, req PutRequest) (string, error) {
	rec := record{
		TaskID:   req.TaskID,
		Owner:    req.Owner,
		Size:     int64(len(req.Data)),
		Checksum: checksumOf(req.Data),
		StoredAt: time.Now(),
	}

	if len(req.Data) > InlineThresholdBytes {
		key := blobKey(req.TaskID)
		if err := s.blobs.Put(ctx, key, req.Data); err != nil {
			return "", fmt.Errorf("resultstore: blob put failed: %w", err)
		}
		rec.Kind = KindPointer
		rec.BlobKey = key
	} else {
		rec.Kind = KindInline
		rec.InlineData = req.Data
	}

	if err := s.persistent.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("resultstore: save failed: %w", err)
	}

	s.cache.put(ctx, req.TaskID, rec)
	return req.TaskID, nil
}

// PutError always stores inline: a typed failure message is small by
// construction and never worth a blob round trip.
func (s *store) PutError(ctx context.Context, req PutErrorRequest) (string, error) {
	rec := record{
		TaskID:     req.TaskID,
		Owner:      req.Owner,
		Kind:       KindError,
		InlineData: req.Message,
		Size:       int64(len(req.Message)),
		Checksum:   checksumOf(req.Message),
		StoredAt:   time.Now(),
	}

	if err := s.persistent.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("resultstore: save failed: %w", err)
	}

	s.cache.put(ctx, req.TaskID, rec)
	return req.TaskID, nil
}

func (s *store) Get(ctx context.Context, taskID, owner string) (Result, error) {
	rec, ok := s.cache.get(ctx, taskID)
	if !ok {
		var err error
		rec, ok, err = s.persistent.Load(ctx, taskID)
		if err != nil {
			return Result{}, fmt.Errorf("resultstore: load failed: %w", err)
		}
		if ok {
			s.cache.put(ctx, taskID, rec)
		}
	}
	if !ok || rec.Owner != owner {
		return Result{}, ErrNotFound
	}

	data := rec.InlineData
	if rec.isPointer() {
		blob, err := s.blobs.Get(ctx, rec.BlobKey)
		if err != nil {
			return Result{}, fmt.Errorf("resultstore: blob get failed: %w", err)
		}
		data = blob
	}

	return Result{
		TaskID:    rec.TaskID,
		Owner:     rec.Owner,
		Kind:      rec.Kind,
		Data:      data,
		StoredAt:  rec.StoredAt,
		Size:      rec.Size,
		Checksum:  rec.Checksum,
		IsPointer: rec.isPointer(),
	}, nil
}

func (s *store) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := s.persistent.DeleteExpired(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("resultstore: purge expired failed: %w", err)
	}
	return n, nil
}

func blobKey(taskID string) string {
	return "results/" + taskID
}
