package camera

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// RegistryPolicy は新しいセッションを登録したときの既存セッションの扱い
type RegistryPolicy int

const (
	// RegistryPerClient は同じpidのセッションだけを置き換える
	RegistryPerClient RegistryPolicy = iota
	// RegistryEvictAll は他の全てのセッションを解放する
	RegistryEvictAll
)

// ParseRegistryPolicy は設定値からRegistryPolicyを返す
func ParseRegistryPolicy(s string) (RegistryPolicy, error) {
	switch s {
	case "", "per_client":
		return RegistryPerClient, nil
	case "evict_all":
		return RegistryEvictAll, nil
	default:
		return 0, fmt.Errorf("不明なセッションポリシー %q: %w", s, ErrInvalidArgument)
	}
}

// SessionRegistry はpidごとのセッションを管理する
type SessionRegistry struct {
	mu       sync.Mutex
	policy   RegistryPolicy
	sessions map[int]*CaptureSession
	logger   *zap.Logger
}

// NewSessionRegistry は新しいSessionRegistryを作成する
func NewSessionRegistry(policy RegistryPolicy, logger *zap.Logger) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRegistry{
		policy:   policy,
		sessions: make(map[int]*CaptureSession),
		logger:   logger,
	}
}

// register はセッションを登録し、ポリシーに従って既存のセッションを解放する
func (r *SessionRegistry) register(s *CaptureSession) {
	r.mu.Lock()
	var evicted []*CaptureSession
	for pid, old := range r.sessions {
		if pid == s.pid || r.policy == RegistryEvictAll {
			evicted = append(evicted, old)
			delete(r.sessions, pid)
		}
	}
	r.sessions[s.pid] = s
	r.mu.Unlock()

	for _, old := range evicted {
		r.logger.Info("既存のセッションを解放します",
			zap.String("session_id", old.ID()), zap.Int("pid", old.PID()), zap.Int("new_pid", s.pid))
		if err := old.Release(); err != nil {
			r.logger.Warn("セッションの解放に失敗", zap.String("session_id", old.ID()), zap.Error(err))
		}
	}
}

// unregister はsが登録中のセッションであれば取り除く
func (r *SessionRegistry) unregister(s *CaptureSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.pid] == s {
		delete(r.sessions, s.pid)
	}
}

// Lookup はpidのセッションを返す
func (r *SessionRegistry) Lookup(pid int) (*CaptureSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[pid]
	return s, ok
}

// LookupByID はセッションIDからセッションを返す
func (r *SessionRegistry) LookupByID(id string) (*CaptureSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// Release はpidのセッションを解放する。登録がなければ何もしない
func (r *SessionRegistry) Release(pid int) error {
	s, ok := r.Lookup(pid)
	if !ok {
		return nil
	}
	return s.Release()
}

// ReleaseAll は全てのセッションを解放する
func (r *SessionRegistry) ReleaseAll() error {
	r.mu.Lock()
	sessions := make([]*CaptureSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Release(); err != nil {
			errs = append(errs, fmt.Errorf("セッション %s の解放に失敗: %w", s.ID(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("一部のセッション解放に失敗: %w", errors.Join(errs...))
	}
	return nil
}

// Len は登録中のセッション数を返す
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Policy はポリシーを返す
func (r *SessionRegistry) Policy() RegistryPolicy {
	return r.policy
}
