// Package safety implements the pre-tool hook policy guarding agent runs:
// an ordered deny list for shell commands and a path-escape check for file
// mutations. All checks are pure functions over the command text and the
// worktree root.
package safety

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Deny is the decision value for a rejected invocation. An empty decision
// means allow.
const Deny = "deny"

// HookDecision is the result of a policy check. The zero value allows.
type HookDecision struct {
	Decision string `json:"decision,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Allowed reports whether the decision permits the invocation.
func (d HookDecision) Allowed() bool { return d.Decision == "" }

func deny(reason string) HookDecision {
	return HookDecision{Decision: Deny, Message: reason}
}

type denyPattern struct {
	re     *regexp.Regexp
	reason string
}

// denyPatterns is evaluated in order; the first match wins.
var denyPatterns = []denyPattern{
	{regexp.MustCompile(`\brm\s+(?:-\w+\s+)*-\w*r\w*\s+(?:-\w+\s+)*/(?:\s|$)`), "recursive rm of filesystem root"},
	{regexp.MustCompile(`\brm\s+(?:-\w+\s+)*-\w*r\w*\s+(?:-\w+\s+)*~`), "recursive rm of home directory"},
	{regexp.MustCompile(`\brm\s+(?:-\w+\s+)*-\w*r\w*\s+(?:-\w+\s+)*\S*\*`), "recursive rm with wildcard"},
	{regexp.MustCompile(`\bgit\s+push\b.*(?:\s--force\b|\s-f\b)`), "force push"},
	{regexp.MustCompile(`\bgit\s+reset\s+--hard\b`), "hard reset discards work"},
	{regexp.MustCompile(`\bchmod\s+(?:-\w+\s+)*-R\s+(?:-\w+\s+)*0?777\b`), "recursive world-writable chmod"},
	{regexp.MustCompile(`\bmkfs(?:\.\w+)?\b`), "filesystem format"},
	{regexp.MustCompile(`\bdd\s+[^|;&]*\bof=/dev/`), "raw write to device"},
	{regexp.MustCompile(`\b(?:curl|wget)\b[^|;&]*\|\s*(?:sudo\s+)?(?:ba|z|da)?sh\b`), "piping download to shell"},
	{regexp.MustCompile(`\bkill\s+(?:-\w+\s+)*1(?:\s|$)`), "killing pid 1"},
	{regexp.MustCompile(`\bkillall\b`), "killall terminates unrelated processes"},
	{regexp.MustCompile(`\bshutdown\b`), "system shutdown"},
	{regexp.MustCompile(`\breboot\b`), "system reboot"},
}

// cdRe finds cd targets at command starts and after shell connectors.
var cdRe = regexp.MustCompile(`(?:^|&&|\|\||;|\|)\s*cd\s+("[^"]+"|'[^']+'|\S+)`)

// CheckCommand tests a shell command against the deny list and the
// worktree escape rule for cd.
func CheckCommand(command, worktree string) HookDecision {
	for _, p := range denyPatterns {
		if p.re.MatchString(command) {
			return deny(p.reason)
		}
	}

	for _, match := range cdRe.FindAllStringSubmatch(command, -1) {
		target := strings.Trim(match[1], `"'`)
		if strings.HasPrefix(target, "~") {
			return deny(fmt.Sprintf("cd escapes the worktree: %s", target))
		}
		if escapes(target, worktree) {
			return deny(fmt.Sprintf("cd escapes the worktree: %s", target))
		}
	}

	return HookDecision{}
}

// CheckFilePath tests a file write/edit target against the worktree root.
func CheckFilePath(path, worktree string) HookDecision {
	if escapes(path, worktree) {
		return deny(fmt.Sprintf("path escapes the worktree: %s", path))
	}
	return HookDecision{}
}

// escapes resolves target against the worktree and reports whether the
// result lies outside it.
func escapes(target, worktree string) bool {
	if worktree == "" {
		return false
	}

	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(worktree, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(worktree, resolved)
	if err != nil {
		return true
	}
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel)
}
