package notifications

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/fusebox-dev/fusebox/pkg/resilience"
)

// TemplateManager renders notification messages from state change events
type TemplateManager interface {
	RenderStateChange(event resilience.StateChangeEvent, format string) (NotificationMessage, error)
}

// DefaultTemplateManager implements the TemplateManager interface
type DefaultTemplateManager struct {
	templates map[string]*template.Template
}

// NewDefaultTemplateManager creates a template manager with default templates
func NewDefaultTemplateManager() *DefaultTemplateManager {
	tm := &DefaultTemplateManager{
		templates: make(map[string]*template.Template),
	}

	tm.loadDefaultTemplates()
	return tm
}

// RenderStateChange renders a circuit breaker transition notification
func (tm *DefaultTemplateManager) RenderStateChange(event resilience.StateChangeEvent, format string) (NotificationMessage, error) {
	data := map[string]interface{}{
		"EventID":    event.ID,
		"Dependency": event.Dependency,
		"From":       event.From.String(),
		"To":         event.To.String(),
		"Reason":     event.Reason,
		"Emoji":      stateEmoji(event.To),
		"Timestamp":  event.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"),
	}

	subject, body, err := tm.renderTemplate("state_change", format, data)
	if err != nil {
		return NotificationMessage{}, err
	}

	return NotificationMessage{
		Subject: subject,
		Body:    body,
		Format:  format,
		Metadata: map[string]interface{}{
			"event_id":   event.ID,
			"dependency": event.Dependency,
			"from_state": event.From.String(),
			"to_state":   event.To.String(),
			"reason":     event.Reason,
			"severity":   stateSeverity(event.To),
		},
	}, nil
}

// renderTemplate renders a template with the given data
func (tm *DefaultTemplateManager) renderTemplate(templateName, format string, data map[string]interface{}) (string, string, error) {
	switch format {
	case "markdown", "text":
	default:
		return "", "", fmt.Errorf("unsupported format: %s", format)
	}

	subjectTemplate, exists := tm.templates[templateName+"_subject"]
	if !exists {
		return "", "", fmt.Errorf("subject template not found: %s", templateName)
	}

	bodyTemplate, exists := tm.templates[templateName+"_body"]
	if !exists {
		return "", "", fmt.Errorf("body template not found: %s", templateName)
	}

	var subjectBuf, bodyBuf bytes.Buffer
	if err := subjectTemplate.Execute(&subjectBuf, data); err != nil {
		return "", "", fmt.Errorf("failed to execute subject template: %w", err)
	}
	if err := bodyTemplate.Execute(&bodyBuf, data); err != nil {
		return "", "", fmt.Errorf("failed to execute body template: %w", err)
	}

	return strings.TrimSpace(subjectBuf.String()), bodyBuf.String(), nil
}

// loadDefaultTemplates loads the default notification templates
func (tm *DefaultTemplateManager) loadDefaultTemplates() {
	tm.templates["state_change_subject"] = template.Must(template.New("state_change_subject").Parse(
		"{{.Emoji}} Circuit breaker {{.Dependency}} is now {{.To}}",
	))

	tm.templates["state_change_body"] = template.Must(template.New("state_change_body").Parse(
		`**Circuit Breaker State Change**

Dependency: {{.Dependency}}
Transition: {{.From}} -> {{.To}}
Reason: {{.Reason}}

Occurred at {{.Timestamp}}`,
	))
}

func stateEmoji(state resilience.State) string {
	switch state {
	case resilience.StateOpen:
		return "🚨"
	case resilience.StateHalfOpen:
		return "⚠️"
	default:
		return "✅"
	}
}

func stateSeverity(state resilience.State) string {
	switch state {
	case resilience.StateOpen:
		return "high"
	case resilience.StateHalfOpen:
		return "medium"
	default:
		return "low"
	}
}
