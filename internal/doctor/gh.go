package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/whs-run/whs/internal/log"
)

// ghTimeout bounds every VCS-host query.
const ghTimeout = 15 * time.Second

// cacheTTL memoizes gh responses so repeated checks within a run don't
// re-hit the network.
const cacheTTL = 5 * time.Minute

// PRState is the merge/check state of one pull request.
type PRState struct {
	Number    int    `json:"number"`
	State     string `json:"state"`
	Mergeable string `json:"mergeable"`
	Checks    string `json:"checks"`
}

// PRInfo is one entry of a PR listing.
type PRInfo struct {
	Number      int    `json:"number"`
	HeadRefName string `json:"headRefName"`
	State       string `json:"state"`
}

// GHClient queries the VCS host. Failures degrade to "unknown" rather than
// failing a doctor run.
type GHClient interface {
	PRView(repoPath string, number int) (*PRState, error)
	PRList(repoPath string) ([]PRInfo, error)
}

// CLIGHClient shells out to the gh CLI with memoized results.
type CLIGHClient struct {
	cache *gocache.Cache
}

var _ GHClient = (*CLIGHClient)(nil)

// NewGHClient creates a gh-backed client.
func NewGHClient() *CLIGHClient {
	return &CLIGHClient{cache: gocache.New(cacheTTL, cacheTTL)}
}

func (c *CLIGHClient) run(repoPath string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ghTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("gh failed: %s", stderr.String())
		}
		return nil, fmt.Errorf("gh failed: %w", err)
	}
	return stdout.Bytes(), nil
}

// PRView fetches merge and check state for one PR.
func (c *CLIGHClient) PRView(repoPath string, number int) (*PRState, error) {
	key := fmt.Sprintf("view:%s:%d", repoPath, number)
	if cached, ok := c.cache.Get(key); ok {
		return cached.(*PRState), nil
	}

	out, err := c.run(repoPath, "pr", "view", fmt.Sprintf("%d", number), "--json", "state,mergeable,statusCheckRollup")
	if err != nil {
		return nil, err
	}

	var raw struct {
		State             string `json:"state"`
		Mergeable         string `json:"mergeable"`
		StatusCheckRollup []struct {
			Conclusion string `json:"conclusion"`
			Status     string `json:"status"`
		} `json:"statusCheckRollup"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse gh pr view output: %w", err)
	}

	st := &PRState{Number: number, State: raw.State, Mergeable: raw.Mergeable, Checks: rollupSummary(len(raw.StatusCheckRollup), func(i int) (string, string) {
		return raw.StatusCheckRollup[i].Status, raw.StatusCheckRollup[i].Conclusion
	})}

	c.cache.Set(key, st, cacheTTL)
	return st, nil
}

// rollupSummary reduces check runs to passing/failing/pending.
func rollupSummary(n int, at func(int) (status, conclusion string)) string {
	if n == 0 {
		return "none"
	}
	summary := "passing"
	for i := 0; i < n; i++ {
		status, conclusion := at(i)
		if status != "COMPLETED" {
			summary = "pending"
			continue
		}
		if conclusion != "SUCCESS" && conclusion != "NEUTRAL" && conclusion != "SKIPPED" {
			return "failing"
		}
	}
	return summary
}

// PRList returns open and recently closed PRs for the repository.
func (c *CLIGHClient) PRList(repoPath string) ([]PRInfo, error) {
	key := "list:" + repoPath
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]PRInfo), nil
	}

	out, err := c.run(repoPath, "pr", "list", "--state", "all", "--json", "number,headRefName,state")
	if err != nil {
		return nil, err
	}

	var prs []PRInfo
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("failed to parse gh pr list output: %w", err)
	}

	c.cache.Set(key, prs, cacheTTL)
	return prs, nil
}

// prStateOrUnknown wraps a PRView call, degrading failures to "unknown".
func prStateOrUnknown(gh GHClient, repoPath string, number int) string {
	st, err := gh.PRView(repoPath, number)
	if err != nil {
		log.Debug(log.CatDoctor, "gh query failed", "repo", repoPath, "pr", number, "error", err.Error())
		return "unknown"
	}
	return fmt.Sprintf("state=%s mergeable=%s checks=%s", st.State, st.Mergeable, st.Checks)
}
