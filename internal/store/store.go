package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vaultflow/internal/models"
)

// maxHistoryPerUser bounds how many superseded processes are kept around
// for listing before the oldest are dropped.
const maxHistoryPerUser = 20

var (
	// ErrNotFound is returned when no process exists for the given id.
	ErrNotFound = errors.New("process not found")
	// ErrTerminal is returned when a mutation targets a terminal process.
	ErrTerminal = errors.New("process is terminal")
	// ErrStaleState is returned when the process is no longer in any of the
	// states a transition expects, i.e. the triggering event is stale.
	ErrStaleState = errors.New("process state changed since event was observed")
)

// Store is the in-memory repository for deposit processes, keyed by user
// address. It owns every record mutation: all writes go through guarded
// transitions that re-read the current state immediately before mutating,
// and terminal processes are immutable. State lives only for the duration
// of one session; there is no durable persistence.
type Store struct {
	mu           sync.RWMutex
	byID         map[string]*models.DepositProcess
	byUser       map[string][]string // newest last
	activeByUser map[string]string
	logger       *zap.Logger
}

// New creates an empty process store.
func New(logger *zap.Logger) *Store {
	return &Store{
		byID:         make(map[string]*models.DepositProcess),
		byUser:       make(map[string][]string),
		activeByUser: make(map[string]string),
		logger:       logger.Named("store"),
	}
}

// Create inserts a new process record, assigning its id and creation time.
// The caller must have cancelled any still-active process for the user
// first; Create refuses to produce a second active process.
func (s *Store) Create(p *models.DepositProcess) (*models.DepositProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if activeID, ok := s.activeByUser[p.UserAddress]; ok {
		return nil, fmt.Errorf("user %s already has active process %s", p.UserAddress, activeID)
	}

	rec := p.Clone()
	rec.ID = uuid.NewString()
	rec.CreatedAt = time.Now().UTC()

	s.byID[rec.ID] = rec
	s.byUser[p.UserAddress] = append(s.byUser[p.UserAddress], rec.ID)
	if !rec.Terminal() {
		s.activeByUser[p.UserAddress] = rec.ID
	}
	s.pruneHistory(p.UserAddress)

	s.logger.Debug("Process created",
		zap.String("process_id", rec.ID),
		zap.String("user_address", rec.UserAddress),
		zap.String("kind", string(rec.Kind)),
		zap.String("state", string(rec.State)))

	return rec.Clone(), nil
}

// Get returns a snapshot of the process with the given id.
func (s *Store) Get(id string) (*models.DepositProcess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// ActiveForUser returns the user's non-terminal process, if any.
func (s *Store) ActiveForUser(user string) (*models.DepositProcess, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeByUser[user]
	if !ok {
		return nil, false
	}
	return s.byID[id].Clone(), true
}

// ListByUser returns the user's processes, newest first.
func (s *Store) ListByUser(user string, limit, offset int) []models.DepositProcess {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[user]
	out := make([]models.DepositProcess, 0, limit)
	for i := len(ids) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.byID[ids[i]].Clone())
	}
	return out
}

// Transition atomically moves a process from one of the expected states to
// the target state, applying mutate to the record while the lock is held.
// The current state is re-read under the lock, so a stale event (e.g. from
// a process that has since been cancelled) cannot force a conflicting
// transition: it gets ErrStaleState (or ErrTerminal) instead.
func (s *Store) Transition(
	id string,
	from []models.ProcessState,
	to models.ProcessState,
	mutate func(*models.DepositProcess),
) (*models.DepositProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Terminal() {
		return nil, ErrTerminal
	}
	if len(from) > 0 && !stateIn(rec.State, from) {
		return nil, fmt.Errorf("%w: have %s, want one of %v", ErrStaleState, rec.State, from)
	}

	rec.State = to
	if mutate != nil {
		mutate(rec)
	}
	if rec.Terminal() && s.activeByUser[rec.UserAddress] == rec.ID {
		delete(s.activeByUser, rec.UserAddress)
	}

	s.logger.Debug("Process transitioned",
		zap.String("process_id", id),
		zap.String("state", string(to)))

	return rec.Clone(), nil
}

// Fail moves a process from any non-terminal state to FAILED, recording a
// human-readable reason.
func (s *Store) Fail(id, reason string) (*models.DepositProcess, error) {
	return s.Transition(id, nil, models.StateFailed, func(p *models.DepositProcess) {
		p.ErrorMessage = &reason
	})
}

// Cancel moves a process from any non-terminal state to CANCELLED.
func (s *Store) Cancel(id string) (*models.DepositProcess, error) {
	return s.Transition(id, nil, models.StateCancelled, nil)
}

// RecordTransferStatus stores an advisory tracker status on a non-terminal
// process without changing its state.
func (s *Store) RecordTransferStatus(id string, status models.TransferStatus) (*models.DepositProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Terminal() {
		return nil, ErrTerminal
	}
	rec.LastTransferStatus = &status
	return rec.Clone(), nil
}

// pruneHistory drops the oldest terminal processes beyond the per-user cap.
// Caller must hold the write lock.
func (s *Store) pruneHistory(user string) {
	ids := s.byUser[user]
	for len(ids) > maxHistoryPerUser {
		oldest := ids[0]
		if rec := s.byID[oldest]; rec != nil && !rec.Terminal() {
			break
		}
		delete(s.byID, oldest)
		ids = ids[1:]
	}
	s.byUser[user] = ids
}

func stateIn(state models.ProcessState, states []models.ProcessState) bool {
	for _, s := range states {
		if state == s {
			return true
		}
	}
	return false
}
