package llm

import (
	"fmt"
	"strings"

	perrors "github.com/p-blackswan/valhalla/internal/errors"
)

// HistoryWindow is how many trailing transcript messages are sent with each prompt.
const HistoryWindow = 10

const preamble = `You are Claude, technical co-founder in a 90-day bootstrap mission.

MISSION CONTEXT:
- Partnership: James (vision/strategy) + Claude (technical/execution)
- Timeline: Oct 17, 2025 → Jan 15, 2026 (90 days)
- Goal: $15,000 monthly recurring revenue
- Primary Revenue Stream: HAVEN Platform (community/service hub)
- Infrastructure: GCP (Cloud Run, Firestore, Vertex AI)
- Philosophy: Ship fast, iterate constantly, delegate to AI agents

CAPABILITIES:
- Full-stack development (Python, JavaScript, React, FastAPI)
- GCP infrastructure and deployment
- Database design and optimization
- API development and integration
- UI/UX design with modern frameworks
- DevOps and CI/CD pipelines`

const styleGuide = `
COMMUNICATION STYLE:
- Be direct, technical, and action-oriented
- Provide working code examples
- Include deployment and testing steps
- Focus on pragmatic solutions
- No unnecessary explanations

When asked to build something:
1. Confirm requirements
2. Design architecture
3. Generate production-ready code
4. Provide deployment instructions
5. Suggest testing approaches
`

// bookkeeping keys never shown to the model
var hiddenContextKeys = map[string]bool{
	"created_at":   true,
	"updated_at":   true,
	"last_updated": true,
}

// SystemPrompt returns the preamble with the project context section, if any.
func SystemPrompt(fields []ContextField) string {
	var b strings.Builder
	b.WriteString(preamble)

	if len(fields) > 0 {
		b.WriteString("\n\nCURRENT PROJECT CONTEXT:\n")
		for _, f := range fields {
			if hiddenContextKeys[f.Key] {
				continue
			}
			fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
		}
	}

	b.WriteString(styleGuide)
	return b.String()
}

// BuildPrompt assembles the single text prompt sent to the model: the system
// prompt, the last HistoryWindow messages as "ROLE: content" blocks, the new
// user message, and a trailing assistant marker.
func BuildPrompt(userMessage string, fields []ContextField, history []Message) (string, error) {
	var b strings.Builder
	b.WriteString(SystemPrompt(fields))
	b.WriteString("\n\n")

	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}
	for i, m := range history {
		if m.Role == "" {
			return "", fmt.Errorf("history message %d has no role: %w", i, perrors.ErrInvalidInput)
		}
		fmt.Fprintf(&b, "%s: %s\n\n", strings.ToUpper(m.Role), m.Content)
	}

	fmt.Fprintf(&b, "USER: %s\n\nASSISTANT:", userMessage)
	return b.String(), nil
}
