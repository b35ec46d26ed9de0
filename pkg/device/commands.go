package device

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/planforge/planforge/pkg/engine"
)

// CommandTemplate is a whitelisted device command. Callers never submit
// free-form command strings; they pick a template by ID and supply values
// for its declared parameters only.
type CommandTemplate struct {
	// ID is the stable identifier callers use to pick the template.
	ID string

	// Command is the command text with {name} placeholders.
	Command string

	// Params lists the parameter names the template accepts. Every
	// placeholder in Command must appear here.
	Params []string

	// Description says what the command does, for operator listings.
	Description string
}

var paramValuePattern = regexp.MustCompile(`^[A-Za-z0-9._:/\-]+$`)

// CommandRegistry holds the set of command templates a deployment allows.
type CommandRegistry struct {
	mu        sync.RWMutex
	templates map[string]CommandTemplate
}

// NewCommandRegistry creates a registry preloaded with the built-in
// diagnostic templates.
func NewCommandRegistry() *CommandRegistry {
	r := &CommandRegistry{templates: make(map[string]CommandTemplate)}
	for _, t := range builtinTemplates {
		r.templates[t.ID] = t
	}
	return r
}

var builtinTemplates = []CommandTemplate{
	{
		ID:          "show-resource",
		Command:     "show {resource}",
		Params:      []string{"resource"},
		Description: "display the running configuration of one resource",
	},
	{
		ID:          "ping-host",
		Command:     "ping {host} count 3",
		Params:      []string{"host"},
		Description: "probe reachability of a host from the device",
	},
	{
		ID:          "show-version",
		Command:     "show version",
		Description: "display device software version",
	},
}

// Register adds or replaces a template.
func (r *CommandRegistry) Register(t CommandTemplate) error {
	if t.ID == "" || t.Command == "" {
		return engine.NewValidationError("command template needs an ID and command text", nil).
			WithCode(engine.ErrCodeValidation)
	}
	declared := make(map[string]bool, len(t.Params))
	for _, p := range t.Params {
		declared[p] = true
	}
	for _, name := range placeholderNames(t.Command) {
		if !declared[name] {
			return engine.NewValidationError(
				fmt.Sprintf("template %q uses undeclared parameter %q", t.ID, name), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = t
	return nil
}

// List returns all registered templates sorted by ID.
func (r *CommandRegistry) List() []CommandTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CommandTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve expands a template with the supplied parameters and returns the
// final command string. Unknown templates, missing parameters, extra
// parameters, and parameter values with shell-significant characters are
// all validation errors.
func (r *CommandRegistry) Resolve(templateID string, params map[string]string) (string, error) {
	r.mu.RLock()
	t, ok := r.templates[templateID]
	r.mu.RUnlock()
	if !ok {
		return "", engine.NewValidationError(
			fmt.Sprintf("unknown command template %q", templateID), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	declared := make(map[string]bool, len(t.Params))
	for _, p := range t.Params {
		declared[p] = true
	}
	for name := range params {
		if !declared[name] {
			return "", engine.NewValidationError(
				fmt.Sprintf("template %q does not accept parameter %q", templateID, name), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}

	command := t.Command
	for _, name := range t.Params {
		value, ok := params[name]
		if !ok {
			return "", engine.NewValidationError(
				fmt.Sprintf("template %q requires parameter %q", templateID, name), nil).
				WithCode(engine.ErrCodeValidation)
		}
		if !paramValuePattern.MatchString(value) {
			return "", engine.NewValidationError(
				fmt.Sprintf("parameter %q has an invalid value", name), nil).
				WithCode(engine.ErrCodeValidation)
		}
		command = strings.ReplaceAll(command, "{"+name+"}", value)
	}
	return command, nil
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

func placeholderNames(command string) []string {
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(command, -1) {
		names = append(names, m[1])
	}
	return names
}
