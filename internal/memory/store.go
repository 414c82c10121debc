package memory

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxMessages bounds history when no limit is configured.
const DefaultMaxMessages = 50

// Store is the in-process view of one session's memory. It is not safe
// for concurrent use; the turn controller owns it for the duration of a
// turn.
type Store struct {
	session     string
	backend     Backend
	maxMessages int
	logger      *slog.Logger
	now         func() time.Time

	mem AgentMemory
}

// NewStore returns an empty store for session. Call Load to populate it
// from the backend.
func NewStore(session string, backend Backend, maxMessages int, logger *slog.Logger) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		session:     session,
		backend:     backend,
		maxMessages: maxMessages,
		logger:      logger.With("session", session),
		now:         time.Now,
	}
}

// Session returns the session name.
func (s *Store) Session() string { return s.session }

// MaxMessages returns the persistence bound.
func (s *Store) MaxMessages() int { return s.maxMessages }

// Load replaces the in-memory state with the backend's. A missing or
// unreadable record yields an empty memory; the failure is logged, not
// returned.
func (s *Store) Load(ctx context.Context) {
	s.mem = AgentMemory{}
	if s.backend == nil {
		return
	}
	mem, err := s.backend.Load(ctx, s.session)
	if err != nil {
		s.logger.Warn("memory load failed, starting empty", "error", err)
		return
	}
	s.mem = mem
	s.logger.Debug("memory loaded", "messages", len(mem.Messages))
}

// Append adds msg to the end of the log, assigning an ID and timestamp
// when they are unset, and returns the stored copy.
func (s *Store) Append(msg Message) Message {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	s.mem.Messages = append(s.mem.Messages, msg)
	s.mem.LastUpdated = msg.Timestamp
	return msg
}

// History returns a copy of the log in order.
func (s *Store) History() []Message {
	return slices.Clone(s.mem.Messages)
}

// Last returns the most recent message with the given role.
func (s *Store) Last(role Role) (Message, bool) {
	for i := len(s.mem.Messages) - 1; i >= 0; i-- {
		if s.mem.Messages[i].Role == role {
			return s.mem.Messages[i], true
		}
	}
	return Message{}, false
}

// Snapshot returns a copy of the full memory state.
func (s *Store) Snapshot() AgentMemory {
	return AgentMemory{Messages: s.History(), LastUpdated: s.mem.LastUpdated}
}

// Persist drops the oldest messages beyond the bound and writes the
// result to the backend. The truncation applies to the in-memory log
// even when the write fails.
func (s *Store) Persist(ctx context.Context) error {
	if over := len(s.mem.Messages) - s.maxMessages; over > 0 {
		s.mem.Messages = slices.Clone(s.mem.Messages[over:])
		s.logger.Debug("memory truncated", "dropped", over)
	}
	if s.mem.LastUpdated.IsZero() {
		s.mem.LastUpdated = s.now()
	}
	if s.backend == nil {
		return nil
	}
	return s.backend.Save(ctx, s.session, s.Snapshot())
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
