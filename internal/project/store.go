package project

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/valhalla/internal/llm"
	"github.com/p-blackswan/valhalla/internal/metrics"
	"github.com/p-blackswan/valhalla/internal/store"
	"github.com/p-blackswan/valhalla/lru"
)

const (
	missionID        = "bootstrap"
	defaultCacheTTL  = 300 * time.Second
	defaultCacheSize = 256
)

// Normalize converts a project name into its document key: lower case with
// spaces replaced by underscores. Names that differ only in case map to the
// same key and therefore share one document.
func Normalize(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

func cacheKey(name string) string {
	return "project_" + name
}

// Backend is the document store the gateway reads and writes.
// *store.Store implements it.
type Backend interface {
	Get(ctx context.Context, collection, id string, dst any) (bool, error)
	Set(ctx context.Context, collection, id string, doc any) error
	SetIfAbsent(ctx context.Context, collection, id string, doc any) (bool, error)
	Merge(ctx context.Context, collection, id string, fields map[string]any) error
	Add(ctx context.Context, collection string, doc any) (string, error)
	Query(ctx context.Context, collection string, q store.Query) ([]store.Document, error)
	Ping(ctx context.Context) error
}

// Config holds gateway settings.
type Config struct {
	ProjectID string
	CacheTTL  time.Duration
	CacheSize int
	Seed      *Seed // nil means DefaultSeed
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for cache ages and record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics records persistence and cache metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is the persistence gateway. Every public method converts backend
// failures into a documented fallback value and logs them; none returns an error.
type Store struct {
	backend   Backend
	projectID string
	seed      Seed
	cache     *lru.Cache[string, Project]
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewStore creates the gateway. A nil backend runs the gateway offline. When
// the backend answers a ping, the mission and seed projects are created if absent.
func NewStore(ctx context.Context, backend Backend, cfg Config, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		projectID: cfg.ProjectID,
		now:       time.Now,
		logger:    logger.With().Str("component", "project.store").Logger(),
	}
	for _, o := range opts {
		o(s)
	}

	if cfg.Seed != nil {
		s.seed = *cfg.Seed
	} else {
		s.seed = DefaultSeed()
	}

	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	size := cfg.CacheSize
	if size < 1 {
		size = defaultCacheSize
	}
	s.cache = lru.New[string, Project](size, ttl, lru.WithClock(func() time.Time { return s.now() }))

	if s.backend == nil {
		s.logger.Warn().Msg("document store not configured - running in offline mode")
		return s
	}
	if err := s.backend.Ping(ctx); err != nil {
		s.logger.Error().Err(err).Msg("document store unreachable - running in offline mode")
		s.backend = nil
		return s
	}
	s.Bootstrap(ctx)
	return s
}

// Online reports whether a backend is attached.
func (s *Store) Online() bool {
	return s.backend != nil
}

// Bootstrap writes the mission singleton and each seed project only if its
// document does not exist yet. Existing data is never overwritten.
func (s *Store) Bootstrap(ctx context.Context) {
	if s.backend == nil {
		return
	}

	now := s.now()
	mission := s.seed.Mission
	mission.CreatedAt = &now
	mission.UpdatedAt = &now
	created, err := s.backend.SetIfAbsent(ctx, store.CollectionMission, missionID, mission)
	s.metrics.RecordPersistence("bootstrap", err == nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("mission context initialization failed")
	} else if created {
		s.logger.Info().Msg("mission context initialized")
	}

	for _, p := range s.seed.Projects {
		p.CreatedAt = &now
		p.UpdatedAt = &now
		created, err := s.backend.SetIfAbsent(ctx, store.CollectionProjects, Normalize(p.Name), p)
		s.metrics.RecordPersistence("bootstrap", err == nil)
		if err != nil {
			s.logger.Error().Err(err).Str("project", p.Name).Msg("project initialization failed")
			continue
		}
		if created {
			s.logger.Info().Str("project", p.Name).Msg("project initialized")
		}
	}
}

// ProjectContext returns the project record for name. A cached copy younger
// than the cache TTL is returned as-is; otherwise the store is queried. Misses
// and failures yield DefaultContext(name).
func (s *Store) ProjectContext(ctx context.Context, name string) Project {
	key := cacheKey(name)
	if p, ok := s.cache.Get(key); ok {
		s.metrics.RecordCacheLookup(true)
		s.logger.Debug().Str("project", name).Msg("cache hit")
		return p
	}
	s.metrics.RecordCacheLookup(false)

	if s.backend == nil {
		return DefaultContext(name)
	}

	docID := Normalize(name)
	var raw json.RawMessage
	found, err := s.backend.Get(ctx, store.CollectionProjects, docID, &raw)
	s.metrics.RecordPersistence("get_project", err == nil)
	if err != nil {
		s.logger.Error().Err(err).Str("project", name).Msg("error fetching project context")
		return DefaultContext(name)
	}
	if !found {
		s.logger.Warn().Str("project", name).Msg("project not found")
		return DefaultContext(name)
	}

	p, err := decodeProject(raw)
	if err != nil {
		s.logger.Error().Err(err).Str("project", name).Msg("error decoding project context")
		return DefaultContext(name)
	}
	p.Key = docID

	s.cache.Put(key, p)
	return p
}

// ListProjects returns every stored project ordered by priority, then name.
// Offline or on failure it returns the seed projects marked offline with
// status Unknown.
func (s *Store) ListProjects(ctx context.Context) []Project {
	if s.backend == nil {
		return s.offlineProjects()
	}

	docs, err := s.backend.Query(ctx, store.CollectionProjects, store.Query{})
	s.metrics.RecordPersistence("list_projects", err == nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("error listing projects")
		return s.offlineProjects()
	}

	projects := make([]Project, 0, len(docs))
	for _, d := range docs {
		p, err := decodeProject(d.Data)
		if err != nil {
			s.logger.Warn().Err(err).Str("id", d.ID).Msg("skipping unreadable project")
			continue
		}
		p.Key = d.ID
		projects = append(projects, p)
	}
	sortProjects(projects)
	return projects
}

func (s *Store) offlineProjects() []Project {
	out := make([]Project, 0, len(s.seed.Projects))
	for _, p := range s.seed.Projects {
		d := DefaultContext(p.Name)
		d.Priority = p.Priority
		out = append(out, d)
	}
	sortProjects(out)
	return out
}

func sortProjects(ps []Project) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority < ps[j].Priority
		}
		return ps[i].Name < ps[j].Name
	})
}

// Mission returns the mission singleton and whether it was found.
func (s *Store) Mission(ctx context.Context) (Mission, bool) {
	if s.backend == nil {
		return Mission{}, false
	}
	var m Mission
	found, err := s.backend.Get(ctx, store.CollectionMission, missionID, &m)
	s.metrics.RecordPersistence("get_mission", err == nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("error loading mission")
		return Mission{}, false
	}
	return m, found
}

// SaveConversation overwrites the project's conversation document with the
// full message list, then appends a best-effort backup to the history
// collection. It returns true only if the primary write succeeded.
func (s *Store) SaveConversation(ctx context.Context, project string, messages []llm.Message) bool {
	if s.backend == nil {
		s.logger.Warn().Str("project", project).Msg("cannot save conversation - document store not available")
		return false
	}

	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)
	now := s.now()

	conv := Conversation{
		Project:      project,
		Messages:     msgs,
		MessageCount: len(msgs),
		LastUpdated:  now,
		Version:      ConversationVersion,
	}
	err := s.backend.Set(ctx, store.CollectionConversations, Normalize(project), conv)
	s.metrics.RecordPersistence("save_conversation", err == nil)
	if err != nil {
		s.logger.Error().Err(err).Str("project", project).Msg("error saving conversation")
		return false
	}
	s.logger.Info().Str("project", project).Int("messages", len(msgs)).Msg("conversation saved")

	s.saveHistory(ctx, project, msgs, now)
	return true
}

func (s *Store) saveHistory(ctx context.Context, project string, msgs []llm.Message, now time.Time) {
	_, err := s.backend.Add(ctx, store.CollectionConversationHistory, HistoryEntry{
		Project:      project,
		Messages:     msgs,
		MessageCount: len(msgs),
		SavedAt:      now,
	})
	s.metrics.RecordPersistence("save_history", err == nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("project", project).Msg("history save failed (non-critical)")
	}
}

// LastConversation returns the stored messages for project, or an empty
// slice when none exist or the store fails.
func (s *Store) LastConversation(ctx context.Context, project string) []llm.Message {
	if s.backend == nil {
		return []llm.Message{}
	}

	var conv Conversation
	found, err := s.backend.Get(ctx, store.CollectionConversations, Normalize(project), &conv)
	s.metrics.RecordPersistence("get_conversation", err == nil)
	if err != nil {
		s.logger.Error().Err(err).Str("project", project).Msg("error loading conversation")
		return []llm.Message{}
	}
	if !found || conv.Messages == nil {
		s.logger.Info().Str("project", project).Msg("no saved conversation")
		return []llm.Message{}
	}
	s.logger.Info().Str("project", project).Int("messages", len(conv.Messages)).Msg("loaded conversation")
	return conv.Messages
}

// UpdateProjectStatus merges status and any extra fields into an existing
// project document and drops the cached copy on success.
func (s *Store) UpdateProjectStatus(ctx context.Context, project string, status Status, updates map[string]any) bool {
	if s.backend == nil {
		return false
	}

	fields := map[string]any{
		"status":     status,
		"updated_at": s.now(),
	}
	for k, v := range updates {
		fields[k] = v
	}

	err := s.backend.Merge(ctx, store.CollectionProjects, Normalize(project), fields)
	s.metrics.RecordPersistence("update_project", err == nil)
	if err != nil {
		s.logger.Error().Err(err).Str("project", project).Msg("error updating project")
		return false
	}
	s.logger.Info().Str("project", project).Str("status", string(status)).Msg("project updated")

	s.cache.Delete(cacheKey(project))
	return true
}

// LogExecution appends one execution log entry under a fresh identifier.
func (s *Store) LogExecution(ctx context.Context, project, action, result string, cost float64, metadata map[string]any) bool {
	if s.backend == nil {
		return false
	}
	if cost < 0 || math.IsNaN(cost) {
		s.logger.Error().Float64("cost", cost).Str("action", action).Msg("refusing to log execution with invalid cost")
		return false
	}

	entry := Execution{
		Project:   project,
		Action:    action,
		Result:    result,
		Cost:      cost,
		Metadata:  metadata,
		Timestamp: s.now(),
	}
	id, err := s.backend.Add(ctx, store.CollectionExecutions, entry)
	s.metrics.RecordPersistence("log_execution", err == nil)
	if err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("error logging execution")
		return false
	}
	s.logger.Debug().Str("id", id).Str("action", action).Float64("cost", cost).Msg("execution logged")
	return true
}

// UsageStats sums cost and counts actions over execution entries created in
// the last days days, optionally for one project. days < 1 is treated as 1.
func (s *Store) UsageStats(ctx context.Context, project string, days int) UsageStats {
	if days < 1 {
		days = 1
	}
	label := project
	if label == "" {
		label = "all"
	}

	if s.backend == nil {
		return UsageStats{PeriodDays: days, Project: label, ActionCounts: map[string]int{},
			Error: "document store not available"}
	}

	q := store.Query{Since: s.now().Add(-time.Duration(days) * 24 * time.Hour)}
	if project != "" {
		q.Filters = []store.Filter{{Field: "project", Value: project}}
	}
	docs, err := s.backend.Query(ctx, store.CollectionExecutions, q)
	s.metrics.RecordPersistence("usage_stats", err == nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("error getting usage stats")
		return UsageStats{PeriodDays: days, Project: label, ActionCounts: map[string]int{},
			Error: err.Error()}
	}

	stats := UsageStats{
		ActionCounts: make(map[string]int),
		PeriodDays:   days,
		Project:      label,
	}
	var total float64
	for _, d := range docs {
		var e Execution
		if err := d.Decode(&e); err != nil {
			s.logger.Warn().Err(err).Str("id", d.ID).Msg("skipping unreadable execution")
			continue
		}
		total += e.Cost
		stats.TotalRequests++
		action := e.Action
		if action == "" {
			action = "unknown"
		}
		stats.ActionCounts[action]++
	}
	stats.TotalCost = round(total, 4)
	return stats
}

// ClearCache drops every cached project.
func (s *Store) ClearCache() {
	s.cache.Clear()
	s.logger.Info().Msg("cache cleared")
}

// HealthCheck performs one trivial read and reports the result.
func (s *Store) HealthCheck(ctx context.Context) StoreHealth {
	h := StoreHealth{
		ProjectConfigured: s.projectID != "",
		ClientInitialized: s.backend != nil,
		Timestamp:         s.now(),
	}
	if s.backend == nil {
		return h
	}

	exists, err := s.backend.Get(ctx, store.CollectionMission, missionID, nil)
	if err != nil {
		h.Error = err.Error()
		s.logger.Error().Err(err).Msg("health check failed")
		return h
	}
	h.Healthy = true
	h.MissionExists = &exists
	return h
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

var _ Backend = (*store.Store)(nil)
