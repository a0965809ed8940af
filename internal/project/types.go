package project

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/p-blackswan/valhalla/internal/llm"
)

// Status is the lifecycle stage of a project.
type Status string

const (
	StatusLive     Status = "Live"
	StatusBuilding Status = "Building"
	StatusPlanning Status = "Planning"
	StatusUnknown  Status = "Unknown"
)

// ParseStatus matches s case-insensitively; anything unrecognized is StatusUnknown.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live":
		return StatusLive
	case "building":
		return StatusBuilding
	case "planning":
		return StatusPlanning
	default:
		return StatusUnknown
	}
}

// UnmarshalJSON maps legacy or missing values to StatusUnknown.
func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		*s = StatusUnknown
		return nil
	}
	*s = ParseStatus(raw)
	return nil
}

// Mission is the singleton program-level record, seeded once.
type Mission struct {
	StartDate       string     `json:"start_date" yaml:"start_date"`
	Deadline        string     `json:"deadline" yaml:"deadline"`
	GoalRevenue     float64    `json:"goal_revenue" yaml:"goal_revenue"`
	Currency        string     `json:"currency" yaml:"currency"`
	PrimaryStream   string     `json:"primary_stream" yaml:"primary_stream"`
	SecondaryStream string     `json:"secondary_stream" yaml:"secondary_stream"`
	TertiaryStream  string     `json:"tertiary_stream" yaml:"tertiary_stream"`
	Founder         string     `json:"founder" yaml:"founder"`
	CoFounder       string     `json:"co_founder" yaml:"co_founder"`
	Philosophy      string     `json:"philosophy" yaml:"philosophy"`
	TechStack       []string   `json:"tech_stack" yaml:"tech_stack"`
	CreatedAt       *time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Project is a named initiative. Documents written by older versions may
// lack any of these fields; they decode to zero values.
type Project struct {
	Key           string     `json:"-" yaml:"-"`
	Name          string     `json:"name" yaml:"name"`
	Status        Status     `json:"status" yaml:"status"`
	Description   string     `json:"description" yaml:"description"`
	TechStack     []string   `json:"tech_stack,omitempty" yaml:"tech_stack"`
	Priority      int        `json:"priority,omitempty" yaml:"priority"`
	RevenueTarget float64    `json:"revenue_target,omitempty" yaml:"revenue_target"`
	LaunchDate    string     `json:"launch_date,omitempty" yaml:"launch_date"`
	Features      []string   `json:"features,omitempty" yaml:"features"`
	CreatedAt     *time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty" yaml:"-"`
	// Offline marks a default context returned when the store could not answer.
	Offline bool `json:"offline_mode,omitempty" yaml:"-"`
	// Extra holds fields merged in by status updates that have no struct field.
	Extra map[string]any `json:"-" yaml:"-"`
}

var knownProjectFields = map[string]bool{
	"name": true, "status": true, "description": true, "tech_stack": true,
	"priority": true, "revenue_target": true, "launch_date": true, "features": true,
	"created_at": true, "updated_at": true, "offline_mode": true,
}

// timestampFields are internal bookkeeping and never shown to the model.
var timestampFields = map[string]bool{
	"created_at": true, "updated_at": true, "last_updated": true,
}

// DefaultContext is returned whenever a project cannot be read from the store.
func DefaultContext(name string) Project {
	return Project{
		Key:         Normalize(name),
		Name:        name,
		Status:      StatusUnknown,
		Description: "Context unavailable - document store not connected",
		Offline:     true,
	}
}

// decodeProject reads a stored document, keeping unknown fields in Extra.
func decodeProject(raw json.RawMessage) (Project, error) {
	var p Project
	if err := json.Unmarshal(raw, &p); err != nil {
		return Project{}, fmt.Errorf("decode project: %w", err)
	}
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return Project{}, fmt.Errorf("decode project fields: %w", err)
	}
	for k, v := range all {
		if knownProjectFields[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		p.Extra[k] = v
	}
	if p.Status == "" {
		p.Status = StatusUnknown
	}
	return p, nil
}

// ContextFields renders the project as ordered prompt lines. Empty values
// and timestamp fields are skipped; extra fields follow in key order.
func (p Project) ContextFields() []llm.ContextField {
	var out []llm.ContextField
	add := func(k, v string) {
		if v != "" {
			out = append(out, llm.ContextField{Key: k, Value: v})
		}
	}

	add("name", p.Name)
	add("status", string(p.Status))
	add("description", p.Description)
	add("tech_stack", strings.Join(p.TechStack, ", "))
	if p.Priority != 0 {
		add("priority", strconv.Itoa(p.Priority))
	}
	if p.RevenueTarget != 0 {
		add("revenue_target", strconv.FormatFloat(p.RevenueTarget, 'f', -1, 64))
	}
	add("launch_date", p.LaunchDate)
	add("features", strings.Join(p.Features, ", "))

	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		if !timestampFields[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k, fmt.Sprint(p.Extra[k]))
	}

	if p.Offline {
		add("offline_mode", "true")
	}
	return out
}

// ConversationVersion tags the conversation document format.
const ConversationVersion = 2

// Conversation is the stored transcript for one project, overwritten on every save.
type Conversation struct {
	Project      string        `json:"project"`
	Messages     []llm.Message `json:"messages"`
	MessageCount int           `json:"message_count"`
	LastUpdated  time.Time     `json:"last_updated"`
	Version      int           `json:"version"`
}

// HistoryEntry is an append-only backup copy of a saved conversation.
type HistoryEntry struct {
	Project      string        `json:"project"`
	Messages     []llm.Message `json:"messages"`
	MessageCount int           `json:"message_count"`
	SavedAt      time.Time     `json:"saved_at"`
}

// Execution is one append-only execution log entry.
type Execution struct {
	ID        string         `json:"-"`
	Project   string         `json:"project"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	Cost      float64        `json:"cost"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// UsageStats aggregates execution log entries over a period.
type UsageStats struct {
	TotalCost     float64        `json:"total_cost"`
	TotalRequests int            `json:"total_requests"`
	ActionCounts  map[string]int `json:"actions"`
	PeriodDays    int            `json:"period_days"`
	Project       string         `json:"project"`
	Error         string         `json:"error,omitempty"`
}

// StoreHealth reports whether the document store answers.
type StoreHealth struct {
	Healthy           bool      `json:"healthy"`
	ProjectConfigured bool      `json:"project_configured"`
	ClientInitialized bool      `json:"client_initialized"`
	MissionExists     *bool     `json:"mission_exists,omitempty"`
	Error             string    `json:"error,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}
