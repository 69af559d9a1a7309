// ABOUTME: Data types and capability interfaces for control-plane persistence
// ABOUTME: Defines Agent, Command, queue entry and audit structs plus the store interfaces

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when an agent already exists for a deployment hash.
var ErrDuplicateAgent = errors.New("agent already registered for deployment")

// ErrTerminalCommand is returned when an update targets a command that already
// reached a terminal status.
var ErrTerminalCommand = errors.New("command is in a terminal status")

// ErrInvalidTransition is returned when a status change is not permitted by the
// command state machine.
var ErrInvalidTransition = errors.New("invalid command status transition")

// ErrNotCancellable is returned when cancel targets a command that is no longer
// queued or sent.
var ErrNotCancellable = errors.New("command can no longer be cancelled")

// AgentStatus constants for agent liveness.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

// Agent represents the one registered agent for a deployment.
type Agent struct {
	ID                   string
	DeploymentHash       string
	Capabilities         []string
	Version              string
	SystemInfo           json.RawMessage
	PublicKeyFingerprint string // SHA256 fingerprint of the agent's public key, empty if none was supplied
	Status               string // "online" or "offline"
	LastHeartbeat        *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CommandStatus is the closed set of command lifecycle states.
type CommandStatus string

const (
	StatusQueued    CommandStatus = "queued"
	StatusSent      CommandStatus = "sent"
	StatusExecuting CommandStatus = "executing"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
	StatusCancelled CommandStatus = "cancelled"
)

// allowedTransitions is the single source of truth for the command state
// machine. Terminal states have no outgoing edges.
var allowedTransitions = map[CommandStatus][]CommandStatus{
	StatusQueued:    {StatusSent, StatusCancelled},
	StatusSent:      {StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled},
	StatusExecuting: {StatusCompleted, StatusFailed},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s CommandStatus) IsTerminal() bool {
	return len(allowedTransitions[s]) == 0 && s.Valid()
}

// Valid reports whether s is a known command status.
func (s CommandStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether the state machine permits moving from s to next.
func (s CommandStatus) CanTransition(next CommandStatus) bool {
	for _, t := range allowedTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ParseStatus converts a wire string into a CommandStatus.
// Returns false for anything outside the closed set.
func ParseStatus(s string) (CommandStatus, bool) {
	cs := CommandStatus(s)
	return cs, cs.Valid()
}

// CommandPriority orders commands within a deployment's queue.
type CommandPriority string

const (
	PriorityLow      CommandPriority = "low"
	PriorityNormal   CommandPriority = "normal"
	PriorityHigh     CommandPriority = "high"
	PriorityCritical CommandPriority = "critical"
)

// Ordinal returns the integer queue ordering for a priority (low=0 .. critical=3).
func (p CommandPriority) Ordinal() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// ParsePriority converts a wire string into a CommandPriority.
// Unknown values fall back to normal, matching lenient enqueue behavior.
func ParsePriority(s string) CommandPriority {
	switch CommandPriority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return CommandPriority(s)
	default:
		return PriorityNormal
	}
}

// Command represents one requested action for a deployment's agent.
type Command struct {
	ID             string
	CommandID      string // client-facing correlation id ("cmd_<uuid>")
	DeploymentHash string
	Type           string
	Status         CommandStatus
	Priority       CommandPriority
	Parameters     json.RawMessage
	Result         json.RawMessage
	Error          json.RawMessage
	CreatedBy      string
	TimeoutSeconds int
	Metadata       json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CommandError is the structured error payload attached to a failed command.
type CommandError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// CommandQueueEntry is the denormalized index row used for ordered polling.
// Derived from Command; removed once the command is claimed or terminal.
type CommandQueueEntry struct {
	CommandID      string
	DeploymentHash string
	Priority       int
	CreatedAt      time.Time
}

// AuditAction represents an auditable control-plane or agent action.
type AuditAction string

const (
	AuditAgentRegistered     AuditAction = "agent.registered"
	AuditAgentPolled         AuditAction = "agent.command_polled"
	AuditCommandEnqueued     AuditAction = "command.enqueued"
	AuditCommandCancelled    AuditAction = "command.cancelled"
	AuditCommandReported     AuditAction = "agent.command_reported"
	AuditCommandReportFailed AuditAction = "agent.command_report_failed"
	AuditCommandTimedOut     AuditAction = "command.timed_out"
	AuditTokenCleanup        AuditAction = "agent.token_cleanup"
)

// AuditEntry is a single append-only audit log record.
type AuditEntry struct {
	ID             string
	AgentID        *string
	DeploymentHash *string
	Action         AuditAction
	Status         string
	Detail         map[string]any
	IPAddress      string
	UserAgent      string
	CreatedAt      time.Time
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	DeploymentHash string
	Action         AuditAction
	Since          *time.Time
	Limit          int
}

// AgentStore defines agent registry persistence.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByDeployment(ctx context.Context, deploymentHash string) (*Agent, error)
	UpdateHeartbeat(ctx context.Context, agentID, status string) error
	MarkAgentsOffline(ctx context.Context, staleBefore time.Time) (int, error)
}

// CommandStore defines command and queue-index persistence.
type CommandStore interface {
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, commandID string) (*Command, error)
	ListCommands(ctx context.Context, deploymentHash string, limit int, includeResults bool) ([]*Command, error)
	ClaimNext(ctx context.Context, deploymentHash string) (*Command, error)
	MarkExecuting(ctx context.Context, commandID string) error
	CompleteCommand(ctx context.Context, commandID string, status CommandStatus, result, cmdErr json.RawMessage) (*Command, error)
	CancelCommand(ctx context.Context, commandID string) (*Command, error)
	RemoveFromQueue(ctx context.Context, commandID string) error
	ReapStale(ctx context.Context, now time.Time) ([]*Command, error)
}

// AuditStore defines the append-only audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}
