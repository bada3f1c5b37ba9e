package multipart

import (
	"fmt"
	"sync"

	"github.com/tbumi/glacier-upload/pkg/treehash"
	"github.com/tbumi/glacier-upload/pkg/vault"
)

// State is the lifecycle state of an upload.
type State int

const (
	StateInit State = iota
	StateSessionReady
	StateDispatching
	StateFinalizing
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSessionReady:
		return "session_ready"
	case StateDispatching:
		return "dispatching"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Session is a multipart upload on the vault service together with the
// parts confirmed so far. The confirmed set only grows; each index is
// confirmed at most once.
type Session struct {
	ID          string
	Vault       string
	Description string
	PartSize    int64

	mu        sync.RWMutex
	state     State
	confirmed *treehash.Tree
	bytes     int64
	result    *vault.ArchiveResult
}

func newSession(id, vaultName, description string, partSize int64) *Session {
	return &Session{
		ID:          id,
		Vault:       vaultName,
		Description: description,
		PartSize:    partSize,
		state:       StateSessionReady,
		confirmed:   treehash.NewTree(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = state
}

// IsConfirmed reports whether part index has been accepted by the service.
func (s *Session) IsConfirmed(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.confirmed.Get(index)
	return ok
}

// Hash returns the confirmed tree hash of part index.
func (s *Session) Hash(index int) (treehash.Hash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmed.Get(index)
}

// ConfirmedCount returns the number of confirmed parts.
func (s *Session) ConfirmedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmed.Len()
}

// ConfirmedBytes returns the total length of confirmed parts.
func (s *Session) ConfirmedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}

// Confirmed returns the confirmed part indices in ascending order.
func (s *Session) Confirmed() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmed.Indices()
}

// Result returns the archive created by a completed upload.
func (s *Session) Result() *vault.ArchiveResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// confirm records part p as accepted with hash p.Hash.
func (s *Session) confirm(p Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.confirmed.Get(p.Index); ok {
		return fmt.Errorf("multipart: part %d confirmed twice", p.Index)
	}
	if err := s.confirmed.Set(p.Index, p.Hash); err != nil {
		return err
	}
	s.bytes += p.Length
	return nil
}

// root merges the hashes of parts [0, n).
func (s *Session) root(n int) (treehash.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmed.Root(n)
}

// beyond returns confirmed indices >= n.
func (s *Session) beyond(n int) []int {
	var out []int
	for _, i := range s.Confirmed() {
		if i >= n {
			out = append(out, i)
		}
	}
	return out
}

func (s *Session) complete(res *vault.ArchiveResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = res
	s.state = StateCompleted
}
