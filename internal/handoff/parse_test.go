package handoff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseTextYAMLFence(t *testing.T) {
	output := "I finished the work.\n\n```yaml\nnext_agent: quality_review\ncontext: PR 42 opened\npr_number: 42\nci_status: pending\n```\n"

	h, err := ParseText(output)
	require.NoError(t, err)
	assert.Equal(t, AgentQualityReview, h.NextAgent)
	assert.Equal(t, "PR 42 opened", h.Context)
	assert.Equal(t, 42, h.PRNumber)
	assert.Equal(t, CIPending, h.CIStatus)
}

func TestParseTextYMLAlias(t *testing.T) {
	output := "```yml\nnext_agent: DONE\ncontext: merged\n```"

	h, err := ParseText(output)
	require.NoError(t, err)
	assert.Equal(t, AgentDone, h.NextAgent)
	assert.Equal(t, "merged", h.Context)
}

func TestParseTextJSONFenceCamelCase(t *testing.T) {
	output := "Summary below.\n```json\n{\"nextAgent\": \"release_manager\", \"context\": \"ready to ship\", \"prNumber\": \"17\", \"ciStatus\": \"passed\"}\n```"

	h, err := ParseText(output)
	require.NoError(t, err)
	assert.Equal(t, AgentReleaseManager, h.NextAgent)
	assert.Equal(t, "ready to ship", h.Context)
	assert.Equal(t, 17, h.PRNumber)
	assert.Equal(t, CIPassed, h.CIStatus)
}

func TestParseTextSkipsInvalidFence(t *testing.T) {
	// An earlier code sample must not mask the real handoff.
	output := "Example config:\n```yaml\nfoo: bar\n```\n\nDone:\n```yaml\nnext_agent: DONE\ncontext: shipped\n```"

	h, err := ParseText(output)
	require.NoError(t, err)
	assert.Equal(t, AgentDone, h.NextAgent)
}

func TestParseTextInline(t *testing.T) {
	output := "All set.\n\nnext_agent: implementation\ncontext: needs a retry loop\n\ntrailing prose"

	h, err := ParseText(output)
	require.NoError(t, err)
	assert.Equal(t, AgentImplementation, h.NextAgent)
	assert.Equal(t, "needs a retry loop", h.Context)
}

func TestParseTextLooseTail(t *testing.T) {
	output := strings.Repeat("noise\n", 50) + "I think next_agent: planner makes sense here.\ncontext: break the epic into tasks"

	h, err := ParseText(output)
	require.NoError(t, err)
	assert.Equal(t, AgentPlanner, h.NextAgent)
	assert.Equal(t, "break the epic into tasks", h.Context)
}

func TestParseTextTailWindowExcludesOldMentions(t *testing.T) {
	// A next_agent mention outside the final window must not match.
	output := "next_agent: planner\n" + strings.Repeat("x", tailWindow+100)

	_, err := ParseText(output)
	assert.Error(t, err)
}

func TestParseTextNoHandoff(t *testing.T) {
	_, err := ParseText("just some chatter about the code")
	assert.Error(t, err)
}

func TestParseTextInvalidAgentRejected(t *testing.T) {
	_, err := ParseText("```yaml\nnext_agent: wizard\ncontext: abracadabra\n```")
	assert.Error(t, err)
}

func TestParseTextNonStringContextRejected(t *testing.T) {
	_, err := ParseText("```json\n{\"next_agent\": \"DONE\", \"context\": 42}\n```")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, (&Handoff{NextAgent: AgentDone}).Validate())
	assert.NoError(t, (&Handoff{NextAgent: AgentImplementation, CIStatus: CIFailed}).Validate())
	assert.Error(t, (&Handoff{NextAgent: "nobody"}).Validate())
	assert.Error(t, (&Handoff{NextAgent: AgentDone, CIStatus: "maybe"}).Validate())
	assert.Error(t, (&Handoff{}).Validate())
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, (&Handoff{NextAgent: AgentDone}).IsTerminal())
	assert.True(t, (&Handoff{NextAgent: AgentBlocked}).IsTerminal())
	assert.False(t, (&Handoff{NextAgent: AgentQualityReview}).IsTerminal())
}

func TestEncodeParseRoundTrip(t *testing.T) {
	original := &Handoff{
		NextAgent: AgentQualityReview,
		Context:   "PR 42 opened, tests green",
		PRNumber:  42,
		CIStatus:  CIPassed,
	}

	encoded, err := original.EncodeYAML()
	require.NoError(t, err)

	parsed, err := ParseText("```yaml\n" + encoded + "```")
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestEncodeParseRoundTripProperty(t *testing.T) {
	agents := make([]string, 0, len(ValidAgents))
	for a := range ValidAgents {
		agents = append(agents, a)
	}

	rapid.Check(t, func(t *rapid.T) {
		original := &Handoff{
			NextAgent: rapid.SampledFrom(agents).Draw(t, "agent"),
			Context:   rapid.StringMatching(`[a-zA-Z0-9 .,]{1,80}`).Draw(t, "context"),
			PRNumber:  rapid.IntRange(0, 9999).Draw(t, "pr"),
			CIStatus:  rapid.SampledFrom([]string{"", CIPending, CIPassed, CIFailed}).Draw(t, "ci"),
		}

		encoded, err := original.EncodeYAML()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		parsed, err := ParseText("```yaml\n" + encoded + "```")
		if err != nil {
			t.Fatalf("parse failed for %q: %v", encoded, err)
		}
		if *parsed != *original {
			t.Fatalf("round trip mismatch: %+v != %+v", parsed, original)
		}
	})
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	original := &Handoff{NextAgent: AgentDone, Context: "merged", PRNumber: 7, CIStatus: CIPassed}

	require.NoError(t, WriteFile(dir, original))

	read, err := ReadFile(dir)
	require.NoError(t, err)
	assert.Equal(t, original, read)

	require.NoError(t, RemoveFile(dir))
	_, err = ReadFile(dir)
	assert.Error(t, err)

	// Removing again is not an error.
	assert.NoError(t, RemoveFile(dir))
}

func TestWriteFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	err := WriteFile(dir, &Handoff{NextAgent: "wizard"})
	assert.Error(t, err)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", Tail("abc", 10))
	assert.Equal(t, "cde", Tail("abcde", 3))
	assert.Equal(t, "", Tail("", 5))
}
