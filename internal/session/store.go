package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/remembr/memorial-call/internal/model"
)

const (
	DefaultTTL               = 3600 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// Store holds live session records. Every read-modify-write of one key is
// serialized; different keys never contend on a shared lock.
type Store interface {
	Create(ctx context.Context, key string, memorialID, callerID int64, contactName string) (*model.Session, error)
	Get(ctx context.Context, key string) (*model.Session, error)
	Put(ctx context.Context, sess *model.Session) error
	Delete(ctx context.Context, key string) error
	ListExpired(ctx context.Context, now time.Time) (iter.Seq[string], error)

	// Update applies fn to a copy of the record and commits it. The record is
	// left untouched when fn returns an error.
	Update(ctx context.Context, key string, fn func(*model.Session) error) (*model.Session, error)
	// Take removes the record once fn accepts the final snapshot.
	Take(ctx context.Context, key string, fn func(*model.Session) error) (*model.Session, error)
	// Reclaim removes a record that is still expired at now, marking a
	// non-terminal session as ERROR first.
	Reclaim(ctx context.Context, key string, now time.Time) (*model.Session, error)
	Stats(ctx context.Context) (map[model.SessionStatus]int, error)
}

type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	// mu guards membership of records only; record contents use record.mu.
	mu      sync.RWMutex
	records map[string]*record
}

type record struct {
	mu        sync.Mutex
	sess      model.Session
	expiresAt atomic.Int64
	deleted   atomic.Bool
}

func (r *record) expired(now time.Time) bool {
	return now.UnixNano() >= r.expiresAt.Load()
}

func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     now,
		records: make(map[string]*record),
	}
}

func (s *MemoryStore) TTL() time.Duration {
	return s.ttl
}

func (s *MemoryStore) Create(ctx context.Context, key string, memorialID, callerID int64, contactName string) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		key = uuid.NewString()
	}
	now := s.now().UTC()
	sess := model.Session{
		Key:          key,
		MemorialID:   memorialID,
		CallerID:     callerID,
		ContactName:  contactName,
		Status:       model.SessionWaiting,
		CreatedAt:    now,
		LastActivity: now,
	}
	rec := &record{sess: sess}
	rec.expiresAt.Store(now.Add(s.ttl).UnixNano())

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[key]; ok {
		if !prev.deleted.Load() && !prev.expired(now) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}
		prev.deleted.Store(true)
	}
	s.records[key] = rec
	out := sess
	return &out, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.lookup(key)
	if !ok {
		return nil, notFound(key)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted.Load() || rec.expired(s.now()) {
		return nil, notFound(key)
	}
	out := rec.sess
	return &out, nil
}

func (s *MemoryStore) Put(ctx context.Context, sess *model.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sess == nil {
		return errors.New("nil session")
	}
	rec, ok := s.lookup(sess.Key)
	if !ok {
		return notFound(sess.Key)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted.Load() || rec.expired(s.now()) {
		return notFound(sess.Key)
	}
	next := *sess
	return s.commit(rec, &next)
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	rec, ok := s.records[key]
	if ok {
		delete(s.records, key)
	}
	s.mu.Unlock()
	if ok {
		rec.mu.Lock()
		rec.deleted.Store(true)
		rec.mu.Unlock()
	}
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) (iter.Seq[string], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]string, 0)
	for key, rec := range s.records {
		if !rec.deleted.Load() && rec.expired(now) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	var used atomic.Bool
	return func(yield func(string) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		for _, key := range keys {
			if !yield(key) {
				return
			}
		}
	}, nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, fn func(*model.Session) error) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.lookup(key)
	if !ok {
		return nil, notFound(key)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted.Load() || rec.expired(s.now()) {
		return nil, notFound(key)
	}
	next := rec.sess
	if err := fn(&next); err != nil {
		return nil, err
	}
	if err := s.commit(rec, &next); err != nil {
		return nil, err
	}
	out := next
	return &out, nil
}

func (s *MemoryStore) Take(ctx context.Context, key string, fn func(*model.Session) error) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.lookup(key)
	if !ok {
		return nil, notFound(key)
	}
	rec.mu.Lock()
	if rec.deleted.Load() || rec.expired(s.now()) {
		rec.mu.Unlock()
		return nil, notFound(key)
	}
	snapshot := rec.sess
	if fn != nil {
		if err := fn(&snapshot); err != nil {
			rec.mu.Unlock()
			return nil, err
		}
	}
	rec.deleted.Store(true)
	rec.mu.Unlock()

	s.forget(key, rec)
	return &snapshot, nil
}

func (s *MemoryStore) Reclaim(ctx context.Context, key string, now time.Time) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.lookup(key)
	if !ok {
		return nil, notFound(key)
	}
	rec.mu.Lock()
	if rec.deleted.Load() {
		rec.mu.Unlock()
		return nil, notFound(key)
	}
	if !rec.expired(now) {
		rec.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotExpired, key)
	}
	snapshot := rec.sess
	var failErr error
	failed := !snapshot.Status.Terminal()
	if failed {
		var to model.SessionStatus
		if to, failErr = nextStatus(snapshot.Status, EventFail); failErr == nil {
			snapshot.Status = to
		}
	}
	rec.deleted.Store(true)
	rec.mu.Unlock()

	s.forget(key, rec)
	if failed {
		countTransition(string(EventFail), failErr)
	}
	return &snapshot, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (map[model.SessionStatus]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	now := s.now()
	out := make(map[model.SessionStatus]int, len(model.AllStatuses))
	for _, status := range model.AllStatuses {
		out[status] = 0
	}
	for _, rec := range recs {
		if rec.deleted.Load() || rec.expired(now) {
			continue
		}
		rec.mu.Lock()
		out[rec.sess.Status]++
		rec.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) lookup(key string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

func (s *MemoryStore) forget(key string, rec *record) {
	s.mu.Lock()
	if s.records[key] == rec {
		delete(s.records, key)
	}
	s.mu.Unlock()
}

// commit must be called with rec.mu held.
func (s *MemoryStore) commit(rec *record, next *model.Session) error {
	prev := rec.sess
	if next.Key != prev.Key || next.MemorialID != prev.MemorialID || next.CallerID != prev.CallerID ||
		next.ContactName != prev.ContactName || !next.CreatedAt.Equal(prev.CreatedAt) {
		return fmt.Errorf("%w: session identity is immutable", ErrInvalidTransition)
	}
	if next.ReconnectCount < prev.ReconnectCount {
		return fmt.Errorf("%w: reconnect count cannot decrease", ErrInvalidTransition)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	rec.sess = *next
	rec.expiresAt.Store(next.LastActivity.Add(s.ttl).UnixNano())
	return nil
}

func notFound(key string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}
