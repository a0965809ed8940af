// Package session holds per-user chat state: the current project, the live
// transcript and the display counters. Each Session processes one turn at a
// time; sessions are never shared between users.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/valhalla/internal/errors"
	"github.com/p-blackswan/valhalla/internal/llm"
	"github.com/p-blackswan/valhalla/internal/project"
)

// Store is the persistence the session needs. *project.Store implements it.
type Store interface {
	ProjectContext(ctx context.Context, name string) project.Project
	SaveConversation(ctx context.Context, project string, messages []llm.Message) bool
	LastConversation(ctx context.Context, project string) []llm.Message
	LogExecution(ctx context.Context, project, action, result string, cost float64, metadata map[string]any) bool
	Online() bool
}

// Model is the chat endpoint the session needs. *llm.Gateway implements it.
type Model interface {
	Chat(ctx context.Context, req llm.ChatRequest) llm.ChatResult
	Configured() bool
	Info() llm.EndpointInfo
}

// ConnectionStatus reports which collaborators have a handle. It does not
// contact them; use the gateways' health checks for that.
type ConnectionStatus struct {
	Model     bool      `json:"vertex_ai"`
	Store     bool      `json:"firestore"`
	ProjectID string    `json:"project_id"`
	CheckedAt time.Time `json:"checked_at"`
}

// TurnResult is what one user turn produced.
type TurnResult struct {
	Reply        llm.Message `json:"reply"`
	Outcome      llm.Outcome `json:"outcome"`
	Cost         float64     `json:"cost"`
	Saved        bool        `json:"saved"`
	RequestCount int         `json:"request_count"`
	TotalCost    float64     `json:"total_cost"`
}

// Snapshot is a copy of the session state for rendering.
type Snapshot struct {
	ID           string           `json:"id"`
	Project      string           `json:"project"`
	Messages     []llm.Message    `json:"messages"`
	RequestCount int              `json:"request_count"`
	TotalCost    float64          `json:"total_cost"`
	Connection   ConnectionStatus `json:"connection"`
	CreatedAt    time.Time        `json:"created_at"`
	LastActive   time.Time        `json:"last_active"`
}

// Greeting is the assistant message that opens an empty transcript.
func Greeting(projectName string) llm.Message {
	return llm.AssistantMessage(fmt.Sprintf(`⚡ **Valhalla V2 AI Hub Initialized**

Connected to **%s**

I'm Claude, your AI co-founder. How can I help you build today?

**Quick Commands:**
- Ask about project status
- Request code generation
- Discuss architecture
- Get deployment help
`, projectName))
}

// Session is one user's chat state.
type Session struct {
	id     string
	store  Store
	model  Model
	now    func() time.Time
	logger zerolog.Logger

	mu           sync.Mutex
	project      string
	messages     []llm.Message
	requestCount int
	totalCost    float64
	conn         ConnectionStatus
	createdAt    time.Time
	lastActive   time.Time
}

// New creates a session on projectName with a greeting in the transcript.
func New(id, projectName string, store Store, model Model, logger zerolog.Logger, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	s := &Session{
		id:      id,
		store:   store,
		model:   model,
		now:     now,
		project: projectName,
		logger:  logger.With().Str("component", "session").Str("session", id).Logger(),
	}
	s.createdAt = now()
	s.lastActive = s.createdAt
	s.conn = s.checkConnections()
	s.ensureGreeting()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ensureGreeting seeds the greeting when the transcript is empty. Caller holds mu
// or owns s exclusively.
func (s *Session) ensureGreeting() {
	if len(s.messages) == 0 {
		s.messages = append(s.messages, Greeting(s.project))
	}
}

// Send processes one user turn: append the message, fetch project context,
// call the model with the full transcript, append the reply, update the
// counters when the endpoint was reached, and save the transcript.
// The reply is appended even when it is a formatted error message.
func (s *Session) Send(ctx context.Context, text string) (TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return TurnResult{}, fmt.Errorf("empty message: %w", perrors.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureGreeting()
	s.messages = append(s.messages, llm.UserMessage(text))

	pc := s.store.ProjectContext(ctx, s.project)

	history := make([]llm.Message, len(s.messages))
	copy(history, s.messages)

	res := s.model.Chat(ctx, llm.ChatRequest{
		Message: text,
		Context: pc.ContextFields(),
		History: history,
	})

	reply := llm.AssistantMessage(res.Text)
	s.messages = append(s.messages, reply)

	if res.Reached() {
		s.requestCount++
		s.totalCost += res.Cost
		s.store.LogExecution(ctx, s.project, "chat", string(res.Outcome), res.Cost, map[string]any{
			"attempts":   res.Attempts,
			"elapsed_ms": res.Elapsed.Milliseconds(),
			"session":    s.id,
		})
	}

	saved := s.store.SaveConversation(ctx, s.project, s.messages)
	if saved {
		s.logger.Info().Str("project", s.project).Msg("conversation auto-saved")
	} else {
		s.logger.Warn().Str("project", s.project).Msg("auto-save failed")
	}
	s.lastActive = s.now()

	return TurnResult{
		Reply:        reply,
		Outcome:      res.Outcome,
		Cost:         res.Cost,
		Saved:        saved,
		RequestCount: s.requestCount,
		TotalCost:    s.totalCost,
	}, nil
}

// SwitchProject changes the current project. The transcript is kept: it
// belongs to the session, not to a project.
func (s *Session) SwitchProject(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("empty project name: %w", perrors.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project != name {
		s.logger.Info().Str("from", s.project).Str("to", name).Msg("project switched")
	}
	s.project = name
	s.lastActive = s.now()
	return nil
}

// Clear empties the transcript and re-seeds the greeting for the current project.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.ensureGreeting()
	s.lastActive = s.now()
}

// Save persists the transcript under the current project.
func (s *Session) Save(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()
	return s.store.SaveConversation(ctx, s.project, s.messages)
}

// Resume replaces the transcript with the last saved conversation of the
// current project. It reports false and keeps the transcript when nothing is saved.
func (s *Session) Resume(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()

	msgs := s.store.LastConversation(ctx, s.project)
	if len(msgs) == 0 {
		return false
	}
	s.messages = append([]llm.Message(nil), msgs...)
	s.logger.Info().Str("project", s.project).Int("messages", len(msgs)).Msg("conversation resumed")
	return true
}

// RefreshHealth recomputes the connection status.
func (s *Session) RefreshHealth(_ context.Context) ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = s.checkConnections()
	return s.conn
}

func (s *Session) checkConnections() ConnectionStatus {
	st := ConnectionStatus{
		Model:     s.model.Configured(),
		Store:     s.store.Online(),
		ProjectID: s.model.Info().ProjectID,
		CheckedAt: s.now(),
	}
	if st.ProjectID == "" {
		st.ProjectID = "Not Set"
	}
	return st
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.id,
		Project:      s.project,
		Messages:     append([]llm.Message(nil), s.messages...),
		RequestCount: s.requestCount,
		TotalCost:    s.totalCost,
		Connection:   s.conn,
		CreatedAt:    s.createdAt,
		LastActive:   s.lastActive,
	}
}
