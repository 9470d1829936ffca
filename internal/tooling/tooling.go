// Package tooling dispatches model-issued function calls to local side
// effects.
//
// Each registered tool name maps to a typed argument record: arbitrary
// argument maps are narrowed at the dispatch boundary, so the rest of the
// client never touches untyped payloads. Unknown tool names produce an error
// result and no action record; the model always receives exactly one result
// per request id.
package tooling

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Moasy1/LIA-Sales-Agent/pkg/realtime"
)

// Tool names are stable wire identifiers shared with the model.
const (
	ToolStartOutboundCall = "start_outbound_call"
	ToolSubmitLeadForm    = "submit_lead_form"
)

// Kind classifies an action record by the tool that produced it.
type Kind string

const (
	KindCall Kind = "CALL"
	KindLead Kind = "LEAD"
)

// StatusCompleted is the only status this client produces: side effects are
// instantaneous from the channel's perspective, real-world execution belongs
// to the registered callbacks.
const StatusCompleted = "completed"

// Action is an immutable record of one handled tool call.
type Action struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Detail    string    `json:"detail"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// CallRequest is the typed argument record of a start_outbound_call.
type CallRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Reason      string `json:"reason"`
}

// Lead is the typed argument record of a submit_lead_form.
type Lead struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Email    string `json:"email,omitempty"`
	Interest string `json:"interest,omitempty"`
}

// Hooks are the external collaborators that perform the real side effects.
// Nil hooks are allowed; the action record is produced either way.
type Hooks struct {
	OnCall func(CallRequest)
	OnLead func(Lead)
}

// Dispatcher routes tool call batches and accumulates the session's actions
// and leads.
type Dispatcher struct {
	hooks Hooks
	now   func() time.Time

	mu      sync.Mutex
	actions []Action
	leads   []Lead
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithNow overrides the timestamp source. Used in tests.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher with the given side-effect hooks.
func New(hooks Hooks, opts ...Option) *Dispatcher {
	d := &Dispatcher{hooks: hooks, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Definitions returns the tool declarations announced to the model at
// connect time.
func Definitions() []realtime.ToolDefinition {
	return []realtime.ToolDefinition{
		{
			Name:        ToolStartOutboundCall,
			Description: "Place an outbound phone call to the given number on behalf of the user.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"phoneNumber": map[string]any{
						"type":        "string",
						"description": "Phone number to call, in international format.",
					},
					"reason": map[string]any{
						"type":        "string",
						"description": "Short reason for the call.",
					},
				},
				"required": []string{"phoneNumber"},
			},
		},
		{
			Name:        ToolSubmitLeadForm,
			Description: "Save the contact details and interest of a prospective customer.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":  map[string]any{"type": "string", "description": "Full name of the customer."},
					"phone": map[string]any{"type": "string", "description": "Customer phone number."},
					"email": map[string]any{"type": "string", "description": "Customer email address."},
					"interest": map[string]any{
						"type":        "string",
						"description": "What the customer is interested in.",
					},
				},
				"required": []string{"name", "phone"},
			},
		},
	}
}

// Dispatch handles one inbound batch of tool calls and returns exactly one
// result per request id, in request order. Known tools produce an action
// record (and, for leads, a Lead payload); unknown tools produce an error
// result and nothing else.
func (d *Dispatcher) Dispatch(calls []realtime.ToolCallRequest) []realtime.ToolCallResult {
	results := make([]realtime.ToolCallResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, d.dispatchOne(call))
	}
	return results
}

func (d *Dispatcher) dispatchOne(call realtime.ToolCallRequest) realtime.ToolCallResult {
	switch call.Name {
	case ToolStartOutboundCall:
		req := CallRequest{
			PhoneNumber: stringArg(call.Args, "phoneNumber"),
			Reason:      stringArg(call.Args, "reason"),
		}
		d.record(Action{
			ID:     call.ID,
			Kind:   KindCall,
			Detail: callDetail(req),
		})
		if d.hooks.OnCall != nil {
			d.hooks.OnCall(req)
		}
		slog.Info("tooling: outbound call requested", "id", call.ID, "phone", req.PhoneNumber)
		return success(call, "Call initiated.")

	case ToolSubmitLeadForm:
		lead := Lead{
			Name:     stringArg(call.Args, "name"),
			Phone:    stringArg(call.Args, "phone"),
			Email:    stringArg(call.Args, "email"),
			Interest: stringArg(call.Args, "interest"),
		}
		d.record(Action{
			ID:     call.ID,
			Kind:   KindLead,
			Detail: leadDetail(lead),
		})
		d.mu.Lock()
		d.leads = append(d.leads, lead)
		d.mu.Unlock()
		if d.hooks.OnLead != nil {
			d.hooks.OnLead(lead)
		}
		slog.Info("tooling: lead captured", "id", call.ID, "name", lead.Name)
		return success(call, "Lead saved.")

	default:
		slog.Warn("tooling: unknown tool", "id", call.ID, "name", call.Name)
		return realtime.ToolCallResult{
			ID:   call.ID,
			Name: call.Name,
			Response: map[string]any{
				"result": "error",
				"info":   "unknown tool: " + call.Name,
			},
		}
	}
}

func (d *Dispatcher) record(a Action) {
	a.Status = StatusCompleted
	a.Timestamp = d.now()
	d.mu.Lock()
	d.actions = append(d.actions, a)
	d.mu.Unlock()
}

// Actions returns a copy of all action records in dispatch order.
func (d *Dispatcher) Actions() []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Action, len(d.actions))
	copy(out, d.actions)
	return out
}

// Leads returns a copy of all captured leads in dispatch order.
func (d *Dispatcher) Leads() []Lead {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Lead, len(d.leads))
	copy(out, d.leads)
	return out
}

// Result payloads carry result plus a human-readable info line; the model
// reads both back to the user.
func success(call realtime.ToolCallRequest, info string) realtime.ToolCallResult {
	return realtime.ToolCallResult{
		ID:   call.ID,
		Name: call.Name,
		Response: map[string]any{
			"result": "success",
			"info":   info,
		},
	}
}

func callDetail(req CallRequest) string {
	detail := "Outbound call to " + req.PhoneNumber
	if req.Reason != "" {
		detail += ": " + req.Reason
	}
	return detail
}

func leadDetail(lead Lead) string {
	parts := []string{lead.Name, lead.Phone}
	if lead.Interest != "" {
		parts = append(parts, lead.Interest)
	}
	return "Lead: " + strings.Join(parts, ", ")
}

// stringArg narrows one argument to a string; anything else becomes "".
func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
