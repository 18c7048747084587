package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"vodforge/internal/kv"
	"vodforge/internal/models"
)

// sessionKeyPrefix is the session-store key convention for upload sessions.
const sessionKeyPrefix = "upload:video:"

const (
	defaultActiveTTL    = 24 * time.Hour
	defaultRetentionTTL = 7 * 24 * time.Hour
)

// SessionStoreConfig configures a SessionStore.
type SessionStoreConfig struct {
	Store kv.Store
	// ActiveTTL is the rolling expiry applied while a session is live; every
	// update rewrites the record with this TTL.
	ActiveTTL time.Duration
	// RetentionTTL is applied once a session reaches a terminal state so
	// operators can audit what happened before the record expires.
	RetentionTTL time.Duration
	Clock        func() time.Time
}

// SessionStore owns UploadSession records in the key/value store. All
// read-modify-write cycles for one session are serialized through an
// in-process mutex keyed by session id; concurrent chunk arrivals for the
// same session therefore cannot lose counter updates.
type SessionStore struct {
	kv           kv.Store
	activeTTL    time.Duration
	retentionTTL time.Duration
	now          func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessionStore constructs a SessionStore with defaulted TTLs.
func NewSessionStore(cfg SessionStoreConfig) *SessionStore {
	store := &SessionStore{
		kv:           cfg.Store,
		activeTTL:    cfg.ActiveTTL,
		retentionTTL: cfg.RetentionTTL,
		now:          cfg.Clock,
		locks:        make(map[string]*sync.Mutex),
	}
	if store.activeTTL <= 0 {
		store.activeTTL = defaultActiveTTL
	}
	if store.retentionTTL <= 0 {
		store.retentionTTL = defaultRetentionTTL
	}
	if store.now == nil {
		store.now = time.Now
	}
	return store
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func sessionIDFromKey(key string) string {
	return strings.TrimPrefix(key, sessionKeyPrefix)
}

func (s *SessionStore) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

func (s *SessionStore) releaseLock(id string) {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}

// Create persists a brand-new session record with the active TTL.
func (s *SessionStore) Create(ctx context.Context, session models.UploadSession) error {
	if err := session.Validate(); err != nil {
		return err
	}
	mu := s.lock(session.ID)
	mu.Lock()
	defer mu.Unlock()
	if _, ok, err := s.kv.Get(ctx, sessionKey(session.ID)); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("upload session %s already exists", session.ID)
	}
	return s.persist(ctx, session)
}

// Get loads a session record, returning ErrSessionNotFound for expired or
// unknown sessions.
func (s *SessionStore) Get(ctx context.Context, id string) (models.UploadSession, error) {
	payload, ok, err := s.kv.Get(ctx, sessionKey(id))
	if err != nil {
		return models.UploadSession{}, err
	}
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}
	return decodeSession(id, payload)
}

// Update applies fn to the current record under the session's mutex,
// refreshes updated_at, and persists the result. The TTL rolls while the
// session is live and switches to the retention window on terminal states.
func (s *SessionStore) Update(ctx context.Context, id string, fn func(*models.UploadSession) error) (models.UploadSession, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.Get(ctx, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	if err := fn(&session); err != nil {
		return models.UploadSession{}, err
	}
	session.Touch(s.now())
	if err := s.persist(ctx, session); err != nil {
		return models.UploadSession{}, err
	}
	if session.Status.Terminal() {
		// Terminal sessions take no further writes; drop the keyed mutex so
		// the lock table does not grow with session churn.
		defer s.releaseLock(id)
	}
	return session, nil
}

// WithSession runs fn while holding the session's mutex without touching the
// record. The orchestrator uses this to serialize chunk filesystem writes
// with the metadata updates they precede.
func (s *SessionStore) WithSession(id string, fn func() error) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// List loads every known session record. Records that disappear between the
// key scan and the read (store eviction racing the sweep) are skipped.
func (s *SessionStore) List(ctx context.Context) ([]models.UploadSession, error) {
	keys, err := s.kv.Keys(ctx, sessionKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	sessions := make([]models.UploadSession, 0, len(keys))
	for _, key := range keys {
		payload, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		session, err := decodeSession(sessionIDFromKey(key), payload)
		if err != nil {
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// Ping reports the health of the backing store.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

func (s *SessionStore) persist(ctx context.Context, session models.UploadSession) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	ttl := s.activeTTL
	if session.Status.Terminal() {
		ttl = s.retentionTTL
	}
	return s.kv.Set(ctx, sessionKey(session.ID), payload, ttl)
}

func decodeSession(id string, payload []byte) (models.UploadSession, error) {
	var session models.UploadSession
	decoder := json.NewDecoder(strings.NewReader(string(payload)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&session); err != nil {
		return models.UploadSession{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	if session.ID == "" {
		session.ID = id
	}
	return session, nil
}
