// ABOUTME: Control-plane service wiring agents, commands, secrets, and dispatch
// ABOUTME: Holds the split DB handles so agent traffic cannot starve the API

package plane

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/trydirect/stacker-sub002/internal/dispatch"
	"github.com/trydirect/stacker-sub002/internal/secrets"
	"github.com/trydirect/stacker-sub002/internal/store"
)

// Service errors mapped to HTTP status codes by the API layer.
var (
	ErrAlreadyRegistered = errors.New("deployment already registered")
	ErrUnknownDeployment = errors.New("no agent registered for deployment")
	ErrForbidden         = errors.New("command belongs to another deployment")
	ErrInvalidStatus     = errors.New("invalid status for report")
	ErrInvalidRequest    = errors.New("invalid request")
)

// DB is the full persistence surface the service needs from one pool handle.
type DB interface {
	store.AgentStore
	store.CommandStore
	store.AuditStore
}

// RequestMeta carries client details recorded in the audit log.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Service implements the control-plane operations. Agent-facing operations
// (wait, report) go through agentDB; operator-facing operations through
// apiDB. The two handles are backed by separate connection pools.
type Service struct {
	agentDB    DB
	apiDB      DB
	secrets    secrets.Store
	dispatcher *dispatch.Dispatcher
	events     CommandEvents
	logger     *slog.Logger

	// regMu guards regLocks; one mutex per deployment hash serializes
	// racing registrations so the loser never touches the winner's
	// stored token. The map only grows with distinct attempted hashes.
	regMu    sync.Mutex
	regLocks map[string]*sync.Mutex
}

// NewService creates the control-plane service.
func NewService(agentDB, apiDB DB, secretStore secrets.Store, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		agentDB:    agentDB,
		apiDB:      apiDB,
		secrets:    secretStore,
		dispatcher: dispatcher,
		events:     NopCommandEvents{},
		logger:     logger.With("component", "plane"),
		regLocks:   make(map[string]*sync.Mutex),
	}
}

// SetCommandEvents replaces the completion-event publisher. The default is
// a no-op; a broker-backed publisher can be attached at wiring time.
func (s *Service) SetCommandEvents(events CommandEvents) {
	if events == nil {
		events = NopCommandEvents{}
	}
	s.events = events
}

// registerLock returns the mutex serializing registrations for one hash.
func (s *Service) registerLock(deploymentHash string) *sync.Mutex {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	l, ok := s.regLocks[deploymentHash]
	if !ok {
		l = &sync.Mutex{}
		s.regLocks[deploymentHash] = l
	}
	return l
}

func strPtr(s string) *string {
	return &s
}
