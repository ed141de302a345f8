package agent

import "encoding/json"

// OutputEvent is one line of claude's stream-json output.
type OutputEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Message *MessageContent `json:"message,omitempty"`

	// system/init fields
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// result fields
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
}

// MessageContent is the message body of assistant/user events.
type MessageContent struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one block of message content: text or a tool invocation.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolUse describes a tool invocation extracted from the stream, handed to
// pre-tool hooks before the dispatcher decides whether to let it proceed.
type ToolUse struct {
	Name  string
	Input json.RawMessage
}

// BashInput is the input shape of the Bash tool.
type BashInput struct {
	Command string `json:"command"`
}

// QuestionRequest is captured when the agent invokes the AskUserQuestion
// tool instead of finishing its work.
type QuestionRequest struct {
	Questions []QuestionItem `json:"questions"`
}

// QuestionItem is a single question with optional preset choices.
type QuestionItem struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}
