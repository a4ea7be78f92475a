package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tessera.world/internal/protocol"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
	// ErrLockTimeout means the per-document write lock could not be taken
	// within the configured bound. Safe to retry client-side.
	ErrLockTimeout = errors.New("document lock wait exceeded")
	// ErrVersionMismatch means the caller's expected base version is stale.
	ErrVersionMismatch = errors.New("document version mismatch")
)

// Backend persists document trees. Load returns a private copy; Save must be
// atomic so readers observe a write all-at-once or not at all.
type Backend interface {
	Load(ctx context.Context, ref DocRef) (map[string]any, int64, error)
	Save(ctx context.Context, ref DocRef, doc map[string]any, version int64) error
	Close() error
}

// Store is the versioned state store. Writers to the same document are
// serialized through a per-document advisory lock with a bounded wait; every
// successful ApplyPatch bumps the version by exactly one and yields the flat
// change records the delta publisher consumes.
type Store struct {
	backend  Backend
	lockWait time.Duration
	log      *logrus.Entry

	mu    sync.Mutex
	locks map[string]chan struct{}

	applies atomic.Int64
}

const DefaultLockWait = 2 * time.Second

func NewStore(backend Backend, lockWait time.Duration, log *logrus.Entry) *Store {
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	return &Store{
		backend:  backend,
		lockWait: lockWait,
		log:      log,
		locks:    make(map[string]chan struct{}),
	}
}

// Read returns the committed document and its version.
func (s *Store) Read(ctx context.Context, ref DocRef) (map[string]any, int64, error) {
	return s.backend.Load(ctx, ref)
}

// ApplyPatch applies a nested merge patch atomically. expectedBase <= 0 skips
// the base-version check. On success the new document, its version, and one
// change record per terminal patch operation are returned.
func (s *Store) ApplyPatch(ctx context.Context, ref DocRef, patch map[string]any, expectedBase int64) (map[string]any, int64, []protocol.ChangeRecord, error) {
	release, err := s.acquire(ctx, ref)
	if err != nil {
		return nil, 0, nil, err
	}
	defer release()

	doc, version, err := s.backend.Load(ctx, ref)
	if err != nil {
		return nil, 0, nil, err
	}
	if expectedBase > 0 && version != expectedBase {
		return nil, 0, nil, ErrVersionMismatch
	}

	changes, err := applyPatch(doc, patch)
	if err != nil {
		return nil, 0, nil, err
	}

	newVersion := version + 1
	stampMetadata(doc, newVersion, time.Now())
	if err := s.backend.Save(ctx, ref, doc, newVersion); err != nil {
		return nil, 0, nil, err
	}
	s.applies.Add(1)
	return doc, newVersion, changes, nil
}

// Create writes a fresh document at version 1.
func (s *Store) Create(ctx context.Context, ref DocRef, doc map[string]any) error {
	release, err := s.acquire(ctx, ref)
	if err != nil {
		return err
	}
	defer release()

	if _, _, err := s.backend.Load(ctx, ref); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	doc = CopyDoc(doc)
	stampMetadata(doc, 1, time.Now())
	return s.backend.Save(ctx, ref, doc, 1)
}

// Ensure returns the document, building and creating it first if absent.
// Used at connection bootstrap so reconnects are idempotent.
func (s *Store) Ensure(ctx context.Context, ref DocRef, build func() map[string]any) (map[string]any, int64, error) {
	doc, version, err := s.backend.Load(ctx, ref)
	if err == nil {
		return doc, version, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, 0, err
	}
	if err := s.Create(ctx, ref, build()); err != nil && !errors.Is(err, ErrExists) {
		return nil, 0, err
	}
	return s.backend.Load(ctx, ref)
}

// Applies reports the number of successful patch applications, for metrics.
func (s *Store) Applies() int64 { return s.applies.Load() }

func (s *Store) acquire(ctx context.Context, ref DocRef) (func(), error) {
	key := ref.String()
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[key] = l
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()
	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-timer.C:
		if s.log != nil {
			s.log.WithField("doc", key).Warn("write lock wait exceeded")
		}
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
