package patrol

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/store"
)

// Key layout in the durable store.
const (
	ActiveKeyPrefix  = "active_patrol:" // + guard id
	HistoryKeyPrefix = "patrol_"        // + session id
)

func activeKey(guardID string) string    { return ActiveKeyPrefix + guardID }
func historyKey(sessionID string) string { return HistoryKeyPrefix + sessionID }

// Registry maps guards to their active patrol and keeps sealed patrols,
// all on top of a durable key-value store. Unreadable records are skipped
// and logged, never returned as errors.
type Registry struct {
	kv  store.KV
	log zerolog.Logger
}

func NewRegistry(kv store.KV) *Registry {
	return &Registry{
		kv:  kv,
		log: logging.With().Str("component", "patrol-registry").Logger(),
	}
}

// Active returns the guard's active patrol, or nil if none is stored.
func (r *Registry) Active(ctx context.Context, guardID string) (*Session, error) {
	key := activeKey(guardID)
	s, err := r.load(ctx, key)
	if err != nil || s == nil {
		return nil, err
	}
	if !s.Active() || s.GuardID != guardID {
		r.log.Warn().Str("key", key).Str("status", string(s.Status)).Msg("ignoring inconsistent active patrol record")
		return nil, nil
	}
	return s, nil
}

// SaveActive writes s as the guard's active patrol.
func (r *Registry) SaveActive(ctx context.Context, s *Session) error {
	return r.save(ctx, activeKey(s.GuardID), s)
}

// Seal moves a finished patrol into history and clears the guard's active
// slot. The history write happens first so a crash in between leaves the
// patrol recoverable rather than lost.
func (r *Registry) Seal(ctx context.Context, s *Session) error {
	if s.Active() {
		return fmt.Errorf("seal %s: session is still active", s.ID)
	}
	if err := r.save(ctx, historyKey(s.ID), s); err != nil {
		return err
	}
	if err := r.kv.Delete(ctx, activeKey(s.GuardID)); err != nil {
		return fmt.Errorf("clear active patrol for %s: %w", s.GuardID, err)
	}
	return nil
}

// Get returns a sealed patrol by id, or nil if it is not in history.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	s, err := r.load(ctx, historyKey(sessionID))
	if err != nil || s == nil {
		return nil, err
	}
	if s.Active() {
		return nil, nil
	}
	return s, nil
}

// History lists sealed patrols, newest first.
func (r *Registry) History(ctx context.Context) ([]*Session, error) {
	sessions, err := r.list(ctx, HistoryKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := sessions[:0]
	for _, s := range sessions {
		if !s.Active() {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime > out[j].StartTime
	})
	return out, nil
}

// ActiveSessions lists every stored active patrol.
func (r *Registry) ActiveSessions(ctx context.Context) ([]*Session, error) {
	sessions, err := r.list(ctx, ActiveKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := sessions[:0]
	for _, s := range sessions {
		if s.Active() {
			out = append(out, s)
		}
	}
	return out, nil
}

// ActiveGuards lists guards with a stored active patrol.
func (r *Registry) ActiveGuards(ctx context.Context) ([]string, error) {
	keys, err := r.kv.Keys(ctx, ActiveKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list active patrols: %w", err)
	}
	guards := make([]string, 0, len(keys))
	for _, k := range keys {
		if id := strings.TrimPrefix(k, ActiveKeyPrefix); id != "" {
			guards = append(guards, id)
		}
	}
	return guards, nil
}

func (r *Registry) list(ctx context.Context, prefix string) ([]*Session, error) {
	keys, err := r.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", prefix, err)
	}
	sessions := make([]*Session, 0, len(keys))
	for _, k := range keys {
		s, err := r.load(ctx, k)
		if err != nil {
			r.log.Warn().Err(err).Str("key", k).Msg("skipping unreadable patrol record")
			continue
		}
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

// load returns nil for missing or malformed records; only store failures
// are errors.
func (r *Registry) load(ctx context.Context, key string) (*Session, error) {
	raw, ok, err := r.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}

	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("skipping malformed patrol record")
		return nil, nil
	}
	if err := s.validate(); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("skipping invalid patrol record")
		return nil, nil
	}
	return &s, nil
}

func (r *Registry) save(ctx context.Context, key string, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal patrol %s: %w", s.ID, err)
	}
	if err := r.kv.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
