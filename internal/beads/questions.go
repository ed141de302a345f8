package beads

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LabelQuestion marks issues that carry an agent question awaiting a human
// answer.
const LabelQuestion = "whs:question"

// Question is a single question an agent asked before it could proceed.
type Question struct {
	Text        string   `json:"text"`
	Header      string   `json:"header,omitempty"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`
}

// QuestionData is the metadata block embedded in a question issue's
// description. It carries everything needed to resume the paused agent once
// a human answers. Context is the agent's own framing of why it is asking.
type QuestionData struct {
	Project   string     `json:"project"`
	SourceID  string     `json:"source_id"`
	EpicID    string     `json:"epic_id"`
	StepID    string     `json:"step_id"`
	Agent     string     `json:"agent"`
	SessionID string     `json:"session_id"`
	Worktree  string     `json:"worktree"`
	Context   string     `json:"context,omitempty"`
	Questions []Question `json:"questions"`
	AskedAt   time.Time  `json:"asked_at"`
}

const questionFenceOpen = "```json"
const questionFenceClose = "```"

// FormatQuestionBody renders a question issue description: the question
// text for human readers followed by the machine-readable metadata block.
func FormatQuestionBody(data QuestionData) (string, error) {
	meta, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode question metadata: %w", err)
	}

	var b strings.Builder
	for i, q := range data.Questions {
		if q.Header != "" {
			fmt.Fprintf(&b, "**%s**\n\n", q.Header)
		}
		b.WriteString(q.Text)
		b.WriteString("\n")
		for _, opt := range q.Options {
			fmt.Fprintf(&b, "- %s\n", opt)
		}
		if i < len(data.Questions)-1 {
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "\n%s\n%s\n%s\n", questionFenceOpen, meta, questionFenceClose)
	return b.String(), nil
}

// ParseQuestionData extracts the metadata block from a question issue
// description.
func ParseQuestionData(description string) (*QuestionData, error) {
	start := strings.Index(description, questionFenceOpen)
	if start == -1 {
		return nil, fmt.Errorf("no metadata block in question description")
	}
	rest := description[start+len(questionFenceOpen):]
	end := strings.Index(rest, questionFenceClose)
	if end == -1 {
		return nil, fmt.Errorf("unterminated metadata block in question description")
	}

	var data QuestionData
	if err := json.Unmarshal([]byte(rest[:end]), &data); err != nil {
		return nil, fmt.Errorf("failed to parse question metadata: %w", err)
	}
	return &data, nil
}

// CreateQuestion files a question issue in the orchestrator tracker and
// makes it block the workflow step so the step stays out of the ready set
// until the question is answered.
func CreateQuestion(exec Executor, path, title string, data QuestionData) (string, error) {
	body, err := FormatQuestionBody(data)
	if err != nil {
		return "", err
	}

	labels := []string{LabelQuestion}
	if data.Project != "" {
		labels = append(labels, "project:"+data.Project)
	}

	id, err := exec.Create(path, CreateRequest{
		Title:       title,
		Description: body,
		Type:        TypeQuestion,
		Priority:    PriorityHigh,
		Labels:      labels,
		Parent:      data.StepID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create question issue: %w", err)
	}

	if data.StepID != "" {
		if err := exec.DepAdd(path, data.StepID, id); err != nil {
			return "", fmt.Errorf("failed to block step %s on question %s: %w", data.StepID, id, err)
		}
	}
	return id, nil
}

// AnswerQuestion records the human answer as a comment and closes the
// question issue, unblocking the step it guards.
func AnswerQuestion(exec Executor, path, id, answer string) error {
	if strings.TrimSpace(answer) == "" {
		return fmt.Errorf("answer cannot be empty")
	}
	if err := exec.Comment(path, id, "Answer: "+answer); err != nil {
		return fmt.Errorf("failed to record answer: %w", err)
	}
	if err := exec.Close(path, id, "answered"); err != nil {
		return fmt.Errorf("failed to close question: %w", err)
	}
	return nil
}

// ListPendingQuestions returns open question issues awaiting answers.
func ListPendingQuestions(exec Executor, path string) ([]Issue, error) {
	return exec.List(path, ListFilter{
		Status: StatusOpen,
		Type:   TypeQuestion,
		Labels: []string{LabelQuestion},
	})
}

// LatestAnswer returns the most recent answer comment on a question issue,
// or "" when none has been recorded.
func LatestAnswer(exec Executor, path, id string) (string, error) {
	comments, err := exec.ListComments(path, id)
	if err != nil {
		return "", err
	}
	for i := len(comments) - 1; i >= 0; i-- {
		if ans, ok := strings.CutPrefix(comments[i].Text, "Answer: "); ok {
			return ans, nil
		}
	}
	return "", nil
}
