package handoff

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// tailWindow bounds the loose final match over agent output.
const tailWindow = 2000

var (
	yamlFenceRe = regexp.MustCompile("(?s)```ya?ml\\s*\\n(.*?)```")
	jsonFenceRe = regexp.MustCompile("(?s)```json\\s*\\n(.*?)```")
	looseTailRe = regexp.MustCompile(`(?m)next_agent:\s*([A-Za-z_]+)`)
	looseCtxRe  = regexp.MustCompile(`(?m)context:\s*(.+)`)
)

// ParseText scans agent output for a handoff, trying progressively looser
// formats: fenced YAML, fenced JSON, an inline next_agent section, and
// finally a loose match over the output tail.
func ParseText(output string) (*Handoff, error) {
	if h := parseFences(output, yamlFenceRe, decodeYAMLMap); h != nil {
		return h, nil
	}
	if h := parseFences(output, jsonFenceRe, decodeJSONMap); h != nil {
		return h, nil
	}
	if h := parseInline(output); h != nil {
		return h, nil
	}
	if h := parseTail(output); h != nil {
		return h, nil
	}
	return nil, fmt.Errorf("no handoff found in agent output")
}

func decodeYAMLMap(body string) (map[string]any, error) {
	var m map[string]any
	if err := yaml.Unmarshal([]byte(body), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeJSONMap(body string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// parseFences returns the first fenced block that decodes and validates as
// a handoff. Invalid blocks are skipped so a stray code sample earlier in
// the output does not mask a real handoff later.
func parseFences(output string, re *regexp.Regexp, decode func(string) (map[string]any, error)) *Handoff {
	for _, match := range re.FindAllStringSubmatch(output, -1) {
		m, err := decode(match[1])
		if err != nil || m == nil {
			continue
		}
		h, err := fromMap(m)
		if err != nil {
			continue
		}
		return h
	}
	return nil
}

// parseInline handles a bare next_agent: section at a line start that also
// carries a context: key, without fences.
func parseInline(output string) *Handoff {
	lines := strings.Split(output, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimRight(line, " \t"), "next_agent:") {
			continue
		}

		// Collect the section up to the first blank line.
		end := len(lines)
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "" {
				end = j
				break
			}
		}
		section := strings.Join(lines[i:end], "\n")
		if !strings.Contains(section, "context:") {
			continue
		}

		m, err := decodeYAMLMap(section)
		if err != nil {
			continue
		}
		h, err := fromMap(m)
		if err != nil {
			continue
		}
		return h
	}
	return nil
}

// parseTail is the last-resort loose match over the final output window.
func parseTail(output string) *Handoff {
	tail := output
	if len(tail) > tailWindow {
		tail = tail[len(tail)-tailWindow:]
	}

	agentMatch := looseTailRe.FindStringSubmatch(tail)
	if agentMatch == nil {
		return nil
	}

	h := &Handoff{NextAgent: agentMatch[1]}
	if ctxMatch := looseCtxRe.FindStringSubmatch(tail); ctxMatch != nil {
		h.Context = strings.TrimSpace(ctxMatch[1])
	}
	if err := h.Validate(); err != nil {
		return nil
	}
	return h
}

// Tail returns the last n characters of s, on a rune boundary.
func Tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
