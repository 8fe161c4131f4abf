package clients

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"manifold/core"
	"manifold/core/log"
	"manifold/models"
)

const (
	// Hard cap on the diff patch returned from GetPRContext, to bound the
	// payload handed to AI summarization.
	maxPRContextPatchChars = 6000

	defaultAIGenerateTimeout = 15 * time.Second
)

// GitClient executes one-shot git/gh invocations against an explicit
// working directory. It holds no repository state between calls.
type GitClient struct {
	aiTimeout time.Duration
}

func NewGitClient() *GitClient {
	return &GitClient{aiTimeout: defaultAIGenerateTimeout}
}

// SetAIGenerateTimeout overrides the AIGenerate deadline. Used by tests.
func (g *GitClient) SetAIGenerateTimeout(d time.Duration) {
	g.aiTimeout = d
}

// run executes one git command in dir and returns its combined output.
func (g *GitClient) run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// Commit stages everything in the worktree and commits it. The failing
// stage's output is attached so callers can distinguish "nothing to commit"
// from real failures.
func (g *GitClient) Commit(worktreePath, message string) error {
	log.Info("📋 Starting to commit changes in %s", worktreePath)

	if output, err := g.run(worktreePath, "add", "-A"); err != nil {
		log.Error("❌ Git staging failed in %s: %v\nOutput: %s", worktreePath, err, output)
		return &core.GitCommandError{Stage: "stage", Err: err, Output: output}
	}

	if output, err := g.run(worktreePath, "commit", "-m", message); err != nil {
		log.Error("❌ Git commit failed in %s: %v\nOutput: %s", worktreePath, err, output)
		return &core.GitCommandError{Stage: "commit", Err: err, Output: output}
	}

	log.Info("✅ Successfully committed changes in %s", worktreePath)
	return nil
}

// GetAheadBehind reports how far HEAD has diverged from baseBranch. This is
// a best-effort UI signal: any failure yields {0,0} rather than an error.
func (g *GitClient) GetAheadBehind(worktreePath, baseBranch string) models.AheadBehind {
	output, err := g.run(worktreePath, "rev-list", "--left-right", "--count", baseBranch+"...HEAD")
	if err != nil {
		log.Debug("Could not compute ahead/behind for %s vs %s: %v", worktreePath, baseBranch, err)
		return models.AheadBehind{}
	}
	return parseAheadBehind(output)
}

// parseAheadBehind parses "N\tM\n" from rev-list --left-right --count,
// where the left count is commits behind and the right is commits ahead.
func parseAheadBehind(output string) models.AheadBehind {
	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) != 2 {
		return models.AheadBehind{}
	}
	behind, err1 := strconv.Atoi(fields[0])
	ahead, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return models.AheadBehind{}
	}
	return models.AheadBehind{Behind: behind, Ahead: ahead}
}

// GetStatusDetail classifies every entry of git status --porcelain into
// conflicts, staged, and unstaged paths. Failures yield empty lists.
func (g *GitClient) GetStatusDetail(worktreePath string) models.StatusDetail {
	output, err := g.run(worktreePath, "status", "--porcelain")
	if err != nil {
		log.Debug("Could not read status for %s: %v", worktreePath, err)
		return models.StatusDetail{Conflicts: []string{}, Staged: []string{}, Unstaged: []string{}}
	}
	return parseStatusPorcelain(output)
}

// GetConflicts returns only the unmerged paths from the worktree status.
func (g *GitClient) GetConflicts(worktreePath string) []string {
	return g.GetStatusDetail(worktreePath).Conflicts
}

// parseStatusPorcelain parses porcelain status lines. The first two
// characters are the index/worktree status pair: UU/AA/DD mean unmerged,
// otherwise a non-space non-? index status means staged and a non-space
// worktree status (or ??) means unstaged. A path can be both staged and
// unstaged.
func parseStatusPorcelain(output string) models.StatusDetail {
	detail := models.StatusDetail{
		Conflicts: []string{},
		Staged:    []string{},
		Unstaged:  []string{},
	}

	for _, line := range strings.Split(output, "\n") {
		if len(line) < 3 {
			continue
		}
		index := line[0]
		worktree := line[1]
		path := strings.TrimSpace(line[3:])
		if path == "" {
			continue
		}

		code := line[:2]
		if code == "UU" || code == "AA" || code == "DD" {
			detail.Conflicts = append(detail.Conflicts, path)
			continue
		}
		if code == "??" {
			detail.Unstaged = append(detail.Unstaged, path)
			continue
		}
		if index != ' ' && index != '?' {
			detail.Staged = append(detail.Staged, path)
		}
		if worktree != ' ' {
			detail.Unstaged = append(detail.Unstaged, path)
		}
	}

	return detail
}

// ResolveConflict writes resolved content to one file inside the worktree
// and stages exactly that path. The relative path is validated before any
// filesystem access so an agent-provided path can never escape the
// worktree.
func (g *GitClient) ResolveConflict(worktreePath, relativePath, content string) error {
	if err := validateRelativePath(relativePath); err != nil {
		return err
	}

	fullPath := filepath.Join(worktreePath, relativePath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", relativePath, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write resolved file %s: %w", relativePath, err)
	}

	if output, err := g.run(worktreePath, "add", "--", relativePath); err != nil {
		return &core.GitCommandError{Stage: "stage", Err: err, Output: output}
	}

	log.Info("✅ Resolved conflict in %s", relativePath)
	return nil
}

// validateRelativePath rejects absolute paths and any path containing a
// ".." segment.
func validateRelativePath(relativePath string) error {
	if filepath.IsAbs(relativePath) {
		return &core.PathTraversalError{Path: relativePath}
	}
	for _, segment := range strings.Split(filepath.ToSlash(relativePath), "/") {
		if segment == ".." {
			return &core.PathTraversalError{Path: relativePath}
		}
	}
	return nil
}

// GetPRContext gathers the commit log and diff of the branch relative to
// baseBranch for AI summarization. Any git failure yields all-empty fields.
func (g *GitClient) GetPRContext(worktreePath, baseBranch string) models.PRContext {
	commits, err := g.run(worktreePath, "log", "--oneline", baseBranch+"..HEAD")
	if err != nil {
		log.Debug("Could not read commit log for %s: %v", worktreePath, err)
		return models.PRContext{}
	}

	diffStat, err := g.run(worktreePath, "diff", "--stat", baseBranch+"...HEAD")
	if err != nil {
		log.Debug("Could not read diff stat for %s: %v", worktreePath, err)
		return models.PRContext{}
	}

	diffPatch, err := g.run(worktreePath, "diff", baseBranch+"...HEAD")
	if err != nil {
		log.Debug("Could not read diff for %s: %v", worktreePath, err)
		return models.PRContext{}
	}
	if len(diffPatch) > maxPRContextPatchChars {
		diffPatch = diffPatch[:maxPRContextPatchChars]
	}

	return models.PRContext{
		Commits:   strings.TrimSpace(commits),
		DiffStat:  strings.TrimSpace(diffStat),
		DiffPatch: diffPatch,
	}
}

// FetchAndUpdate brings the local baseBranch up to date with origin. When
// baseBranch is checked out in projectPath, it fast-forwards the working
// tree; otherwise it updates the local ref in place. Unlike the read-only
// helpers, failures here propagate: this mutates repository state.
func (g *GitClient) FetchAndUpdate(projectPath, baseBranch string) (models.FetchUpdateResult, error) {
	log.Info("📋 Starting to fetch and update %s in %s", baseBranch, projectPath)

	previousRef := ""
	if output, err := g.run(projectPath, "rev-parse", baseBranch); err == nil {
		previousRef = strings.TrimSpace(output)
	}

	if output, err := g.run(projectPath, "fetch", "origin"); err != nil {
		return models.FetchUpdateResult{}, fmt.Errorf("git fetch failed: %w\nOutput: %s", err, output)
	}

	currentBranch := ""
	if output, err := g.run(projectPath, "symbolic-ref", "--short", "HEAD"); err == nil {
		currentBranch = strings.TrimSpace(output)
	}

	if currentBranch == baseBranch {
		if output, err := g.run(projectPath, "merge", "--ff-only", "origin/"+baseBranch); err != nil {
			return models.FetchUpdateResult{}, fmt.Errorf("fast-forward merge failed: %w\nOutput: %s", err, output)
		}
	} else {
		// Base branch is not checked out (or HEAD is detached): update the
		// local ref without touching any working tree.
		if output, err := g.run(projectPath, "fetch", "origin", baseBranch+":"+baseBranch); err != nil {
			return models.FetchUpdateResult{}, fmt.Errorf("branch ref update failed: %w\nOutput: %s", err, output)
		}
	}

	currentRef := previousRef
	if output, err := g.run(projectPath, "rev-parse", baseBranch); err == nil {
		currentRef = strings.TrimSpace(output)
	}

	commitCount := 0
	if previousRef != "" && previousRef != currentRef {
		if output, err := g.run(projectPath, "rev-list", "--count", previousRef+".."+currentRef); err == nil {
			if n, convErr := strconv.Atoi(strings.TrimSpace(output)); convErr == nil {
				commitCount = n
			}
		}
	}

	log.Info("✅ Updated %s: %d new commit(s)", baseBranch, commitCount)
	return models.FetchUpdateResult{
		UpdatedBranch: baseBranch,
		PreviousRef:   previousRef,
		CurrentRef:    currentRef,
		CommitCount:   commitCount,
	}, nil
}

// AIGenerate runs an AI CLI binary with -p plus extraArgs, feeding it the
// prompt on stdin, and returns trimmed stdout regardless of exit code. A
// hung binary is killed after the configured timeout and yields ""; spawn
// errors likewise yield "" rather than an error, so this helper can never
// block or fail its caller.
func (g *GitClient) AIGenerate(binaryPath, prompt, cwd string, extraArgs ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), g.aiTimeout)
	defer cancel()

	args := append([]string{"-p"}, extraArgs...)
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Dir = cwd
	cmd.Stdin = strings.NewReader(prompt)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		log.Warn("⚠️ AI generation with %s timed out after %s", binaryPath, g.aiTimeout)
		return ""
	}
	if err != nil {
		if stdout.Len() == 0 {
			log.Debug("AI generation with %s failed: %v", binaryPath, err)
			return ""
		}
		// Some CLIs exit non-zero but still write useful output.
		log.Debug("AI generation with %s exited non-zero, using its output anyway: %v", binaryPath, err)
	}

	return strings.TrimSpace(stdout.String())
}

// ListBranches returns the short names of all local and remote branches,
// tagging each with where it was observed.
func (g *GitClient) ListBranches(repoPath string) ([]models.BranchInfo, error) {
	localOut, err := g.run(repoPath, "branch", "--format", "%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("failed to list local branches: %w\nOutput: %s", err, localOut)
	}

	remoteOut, err := g.run(repoPath, "branch", "-r", "--format", "%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("failed to list remote branches: %w\nOutput: %s", err, remoteOut)
	}

	sources := make(map[string]models.BranchSource)
	order := []string{}
	for _, line := range strings.Split(localOut, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if _, seen := sources[name]; !seen {
			order = append(order, name)
		}
		sources[name] = models.BranchSourceLocal
	}
	for _, line := range strings.Split(remoteOut, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.Contains(name, "HEAD") {
			continue
		}
		// Strip the remote prefix (origin/foo -> foo).
		if idx := strings.Index(name, "/"); idx >= 0 {
			name = name[idx+1:]
		}
		if name == "" {
			continue
		}
		if existing, seen := sources[name]; seen {
			if existing == models.BranchSourceLocal {
				sources[name] = models.BranchSourceBoth
			}
		} else {
			order = append(order, name)
			sources[name] = models.BranchSourceRemote
		}
	}

	branches := make([]models.BranchInfo, 0, len(order))
	for _, name := range order {
		branches = append(branches, models.BranchInfo{Name: name, Source: sources[name]})
	}
	return branches, nil
}

// isRecoverableGHError reports whether a gh invocation failed in a way
// worth retrying (transient network trouble rather than a real rejection).
func isRecoverableGHError(err error, output string) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	outputStr := strings.ToLower(output)

	recoverablePatterns := []string{
		"timeout",
		"i/o timeout",
		"connection timeout",
		"dial tcp",
		"context deadline exceeded",
	}

	for _, pattern := range recoverablePatterns {
		if strings.Contains(errStr, pattern) || strings.Contains(outputStr, pattern) {
			return true
		}
	}

	return false
}

// executeWithRetry runs a gh command with exponential backoff on
// recoverable network errors.
func (g *GitClient) executeWithRetry(args []string, workDir, operationName string) ([]byte, error) {
	var output []byte
	var err error

	retryBackoff := backoff.NewExponentialBackOff()
	retryBackoff.InitialInterval = 2 * time.Second
	retryBackoff.MaxInterval = 30 * time.Second
	retryBackoff.MaxElapsedTime = 2 * time.Minute
	retryBackoff.Multiplier = 2

	retryOperation := func() error {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = workDir
		output, err = cmd.CombinedOutput()

		if err != nil && isRecoverableGHError(err, string(output)) {
			log.Info("⏳ Recoverable GitHub error for %s, retrying...", operationName)
			return err
		}

		return nil
	}

	retryErr := backoff.Retry(retryOperation, retryBackoff)
	if retryErr != nil && err == nil {
		err = retryErr
	}

	return output, err
}

// CreatePullRequest opens a PR from the worktree's current branch against
// baseBranch via the gh CLI and returns the PR URL.
func (g *GitClient) CreatePullRequest(worktreePath, title, body, baseBranch string) (string, error) {
	log.Info("📋 Starting to create pull request from %s", worktreePath)

	title = ValidateAndTruncatePRTitle(title)
	args := []string{"gh", "pr", "create", "--title", title, "--body", body, "--base", baseBranch}
	output, err := g.executeWithRetry(args, worktreePath, "create pull request")
	if err != nil {
		log.Error("❌ Failed to create pull request: %v\nOutput: %s", err, string(output))
		return "", fmt.Errorf("failed to create pull request: %w\nOutput: %s", err, string(output))
	}

	url := lastNonEmptyLine(string(output))
	log.Info("✅ Created pull request: %s", url)
	return url, nil
}

// GetPRURL returns the URL of the PR associated with the worktree's current
// branch, or "" when none exists.
func (g *GitClient) GetPRURL(worktreePath string) string {
	args := []string{"gh", "pr", "view", "--json", "url", "-q", ".url"}
	output, err := g.executeWithRetry(args, worktreePath, "get PR URL")
	if err != nil {
		log.Debug("No PR found for %s: %v", worktreePath, err)
		return ""
	}
	return strings.TrimSpace(string(output))
}

// lastNonEmptyLine extracts the final line of command output, where gh
// prints the created PR's URL.
func lastNonEmptyLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
