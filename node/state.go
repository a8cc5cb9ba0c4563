package node

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/KeychainMDIP/kc-sub000"
)

// State holds shared state between the Ingestor, the workers and the Server.
type State struct {
	ready atomic.Bool

	mu                    sync.RWMutex
	startTime             time.Time
	lastImportedEventTime time.Time
	lastCheck             *mdip.CheckDIDsResult
	lastVerify            *mdip.VerifyDbResult
}

func NewState() *State {
	return &State{startTime: time.Now()}
}

// SetReady marks the node as ready to serve, after the startup sweep has finished
func (s *State) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *State) IsReady() bool {
	return s.ready.Load()
}

func (s *State) SetLastImportedEventTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.lastImportedEventTime) {
		s.lastImportedEventTime = t
	}
}

func (s *State) GetLastImportedEventTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastImportedEventTime
}

func (s *State) SetLastCheck(res *mdip.CheckDIDsResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheck = res
}

func (s *State) SetLastVerify(res *mdip.VerifyDbResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastVerify = res
}

// Status is the body of GET /api/v1/status
type Status struct {
	UptimeSeconds     int64                 `json:"uptimeSeconds"`
	LastImportedEvent string                `json:"lastImportedEvent,omitempty"`
	DIDs              *mdip.CheckDIDsResult `json:"dids,omitempty"`
	LastVerify        *mdip.VerifyDbResult  `json:"lastVerify,omitempty"`
}

func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		DIDs:          s.lastCheck,
		LastVerify:    s.lastVerify,
	}
	if !s.lastImportedEventTime.IsZero() {
		st.LastImportedEvent = s.lastImportedEventTime.UTC().Format(time.RFC3339Nano)
	}
	return st
}
