// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package store

import (
	"encoding/json"
	"time"
)

// --- Thread types ---

// Thread is a conversation. ValidationEnabled is fixed on the first turn.
type Thread struct {
	ID                string
	ValidationEnabled bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// --- Message types ---

// MessageRole identifies the sender of a message in a thread.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// EvalLog carries the validator's explanation for a score.
type EvalLog struct {
	Explanation string `json:"explanation,omitempty"`
}

// EvalResult is one named evaluation returned by the validator.
type EvalResult struct {
	Score               *float64 `json:"score,omitempty"`
	Triggered           bool     `json:"triggered,omitempty"`
	TriggeredEscalation bool     `json:"triggered_escalation,omitempty"`
	TriggeredGuardrail  bool     `json:"triggered_guardrail,omitempty"`
	Log                 *EvalLog `json:"log,omitempty"`
}

// MessageMetadata annotates an assistant message with the validation
// outcome that produced it.
type MessageMetadata struct {
	OriginalLLMResponse string                `json:"original_llm_response,omitempty"`
	IsExpertAnswer      bool                  `json:"is_expert_answer,omitempty"`
	Guardrailed         bool                  `json:"guardrailed,omitempty"`
	EscalatedToSME      bool                  `json:"escalated_to_sme,omitempty"`
	Scores              map[string]EvalResult `json:"scores,omitempty"`
	LogID               string                `json:"log_id,omitempty"`
}

// ToolCall is the content of a tool message. Result is nil until the tool
// result (real or substituted) has been observed.
type ToolCall struct {
	ToolCallID string  `json:"tool_call_id"`
	ToolName   string  `json:"tool_name"`
	Arguments  string  `json:"arguments"`
	Result     *string `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Message is one history entry. Role selects which content field is set:
// Text for user and assistant messages, ToolCall for tool messages.
type Message struct {
	ID        string
	ThreadID  string
	Role      MessageRole
	Text      string
	ToolCall  *ToolCall
	Metadata  MessageMetadata
	CreatedAt time.Time
}

// NewUserMessage builds a user message.
func NewUserMessage(threadID, text string) *Message {
	return &Message{ThreadID: threadID, Role: MessageRoleUser, Text: text}
}

// NewAssistantMessage builds an assistant message.
func NewAssistantMessage(threadID, text string, meta MessageMetadata) *Message {
	return &Message{ThreadID: threadID, Role: MessageRoleAssistant, Text: text, Metadata: meta}
}

// NewToolCallMessage builds a tool message. The call is copied.
func NewToolCallMessage(threadID string, call ToolCall) *Message {
	return &Message{ThreadID: threadID, Role: MessageRoleTool, ToolCall: &call}
}

// Clone returns a deep copy so callers can't alias stored state.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.ToolCall != nil {
		tc := *m.ToolCall
		if tc.Result != nil {
			r := *tc.Result
			tc.Result = &r
		}
		cp.ToolCall = &tc
	}
	if m.Metadata.Scores != nil {
		cp.Metadata.Scores = make(map[string]EvalResult, len(m.Metadata.Scores))
		for k, v := range m.Metadata.Scores {
			cp.Metadata.Scores[k] = v
		}
	}
	return &cp
}

type wireMessage struct {
	ID        string          `json:"id,omitempty"`
	ThreadID  string          `json:"thread_id"`
	Role      MessageRole     `json:"role"`
	Content   json.RawMessage `json:"content"`
	Metadata  MessageMetadata `json:"metadata"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
}

// MarshalJSON renders the message in its client wire form, where content
// is a string for user/assistant messages and a ToolCall object for tool
// messages.
func (m Message) MarshalJSON() ([]byte, error) {
	var content any = m.Text
	if m.Role == MessageRoleTool {
		content = m.ToolCall
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	w := wireMessage{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		Role:     m.Role,
		Content:  raw,
		Metadata: m.Metadata,
	}
	if !m.CreatedAt.IsZero() {
		ts := m.CreatedAt
		w.CreatedAt = &ts
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		ID:       w.ID,
		ThreadID: w.ThreadID,
		Role:     w.Role,
		Metadata: w.Metadata,
	}
	if w.CreatedAt != nil {
		m.CreatedAt = *w.CreatedAt
	}
	if len(w.Content) == 0 {
		return nil
	}
	if w.Role == MessageRoleTool {
		var tc ToolCall
		if err := json.Unmarshal(w.Content, &tc); err != nil {
			return err
		}
		m.ToolCall = &tc
		return nil
	}
	return json.Unmarshal(w.Content, &m.Text)
}

// TurnTrace is the validated record of one completed turn, written to a
// thread's history in a single step.
type TurnTrace struct {
	TurnID    string
	User      *Message
	ToolCalls []*Message
	Assistant *Message
}

// Messages flattens the trace in history order.
func (t TurnTrace) Messages() []*Message {
	out := make([]*Message, 0, len(t.ToolCalls)+2)
	out = append(out, t.User)
	out = append(out, t.ToolCalls...)
	return append(out, t.Assistant)
}

// --- Knowledge base types ---

// Article is a knowledge base document addressed by an absolute path.
type Article struct {
	Path    string
	Title   string
	Content string
}

// SearchResult is a knowledge base search hit.
type SearchResult struct {
	Title        string `json:"title"`
	Snippet      string `json:"snippet"`
	SnippetStart int    `json:"snippet_start"`
	SnippetEnd   int    `json:"snippet_end"`
	More         bool   `json:"more"`
	Path         string `json:"path"`
}

// --- Booking types ---

// Booking is a persisted reservation. The payload is opaque to the store.
type Booking struct {
	ID        string
	Status    string
	Payload   json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// --- Audit types ---

// AuditEntry records the outcome of one turn.
type AuditEntry struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	TurnID         string         `json:"turn_id"`
	ThreadID       string         `json:"thread_id"`
	Status         string         `json:"status"`
	ShortCircuited bool           `json:"short_circuited"`
	Guardrailed    bool           `json:"guardrailed"`
	ToolCalls      int            `json:"tool_calls"`
	DurationMS     int64          `json:"duration_ms"`
	Error          string         `json:"error,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// AuditFilter specifies criteria for querying audit entries.
type AuditFilter struct {
	ThreadID string
	Status   string
	Limit    int
}
