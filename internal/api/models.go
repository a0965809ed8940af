// Package api exposes the chat service over HTTP for the UI.
package api

import (
	"time"

	"github.com/p-blackswan/valhalla/internal/health"
	"github.com/p-blackswan/valhalla/internal/llm"
	"github.com/p-blackswan/valhalla/internal/project"
	"github.com/p-blackswan/valhalla/internal/session"
)

// --- Request DTOs ---

// SendMessageRequest is the payload for POST /api/v1/sessions/:id/messages.
type SendMessageRequest struct {
	Message string `json:"message"`
}

// SwitchProjectRequest is the payload for PUT /api/v1/sessions/:id/project.
type SwitchProjectRequest struct {
	Project string `json:"project"`
}

// UpdateStatusRequest is the payload for PATCH /api/v1/projects/:name/status.
type UpdateStatusRequest struct {
	Status  string         `json:"status"`
	Updates map[string]any `json:"updates,omitempty"`
}

// --- Response DTOs ---

// SessionResponse wraps a session snapshot. Token is set on creation in jwt mode.
type SessionResponse struct {
	Session session.Snapshot `json:"session"`
	Token   string           `json:"token,omitempty"`
}

// SaveResponse is the response for POST /api/v1/sessions/:id/save.
type SaveResponse struct {
	Saved bool `json:"saved"`
}

// ResumeResponse is the response for POST /api/v1/sessions/:id/resume.
type ResumeResponse struct {
	Resumed bool             `json:"resumed"`
	Session session.Snapshot `json:"session"`
}

// ProjectView is a project with its document key and merged extra fields.
type ProjectView struct {
	Key string `json:"key"`
	project.Project
	Extra map[string]any `json:"extra,omitempty"`
}

func newProjectView(p project.Project) ProjectView {
	return ProjectView{Key: p.Key, Project: p, Extra: p.Extra}
}

// ProjectListResponse wraps the project list.
type ProjectListResponse struct {
	Projects []ProjectView `json:"projects"`
	Total    int           `json:"total"`
}

// HealthDetailResponse is the response for GET /api/v1/health.
type HealthDetailResponse struct {
	Status string                   `json:"status"`
	Store  project.StoreHealth      `json:"store"`
	Model  llm.ModelHealth          `json:"model"`
	Checks map[string]health.Status `json:"checks"`
	Uptime string                   `json:"uptime"`
	Time   time.Time                `json:"time"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
