package usecases

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"manifold/core/log"
	"manifold/models"
)

// worktreeMetaSuffix is appended to a worktree path to form its sidecar
// metadata file. The sidecar lives next to the worktree, not inside it, so
// it survives worktree deletion races and stays out of the agent's view of
// the repo.
const worktreeMetaSuffix = ".manifold.json"

// WorktreeManager creates, enumerates, and removes git worktrees, including
// bootstrapping a brand-new repository with no commits.
type WorktreeManager struct {
	branchNamer  *BranchNamer
	worktreeRoot string
	runtimeID    string
	watcher      *fsnotify.Watcher
	watcherDone  chan struct{}
}

func NewWorktreeManager(branchNamer *BranchNamer, worktreeRoot, runtimeID string) *WorktreeManager {
	return &WorktreeManager{
		branchNamer:  branchNamer,
		worktreeRoot: worktreeRoot,
		runtimeID:    runtimeID,
	}
}

// runGit executes one git command in dir and returns its combined output.
func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// CreateWorktreeOptions carries the optional parts of worktree creation.
type CreateWorktreeOptions struct {
	ExplicitBranch  string
	TaskDescription string
	AdditionalDirs  []string
	OllamaModel     string
}

// CreateWorktree creates a new worktree for the project on a fresh branch
// off baseBranch and writes its sidecar metadata. An empty repository (no
// commits at all) is bootstrapped with an initial empty commit first; a
// missing base branch in a non-empty repository is a configuration error.
func (w *WorktreeManager) CreateWorktree(repoPath, baseBranch, projectID string, opts CreateWorktreeOptions) (string, string, error) {
	log.Info("📋 Starting to create worktree for project %s (base: %s)", projectID, baseBranch)

	branchName := opts.ExplicitBranch
	if branchName == "" {
		branchName = w.branchNamer.GenerateBranchName(repoPath, opts.TaskDescription)
	}

	if _, err := runGit(repoPath, "rev-parse", "--verify", baseBranch); err != nil {
		if _, headErr := runGit(repoPath, "rev-parse", "HEAD"); headErr != nil {
			// Freshly-initialized repo with no commits: bootstrap it so
			// worktrees have something to branch from.
			log.Info("📋 Repository %s has no commits, creating initial commit", repoPath)
			if output, commitErr := runGit(repoPath, "commit", "--allow-empty", "-m", "Initial commit"); commitErr != nil {
				return "", "", fmt.Errorf("failed to create initial commit: %w\nOutput: %s", commitErr, output)
			}
			if _, err := runGit(repoPath, "rev-parse", "--verify", baseBranch); err != nil {
				return "", "", fmt.Errorf("Base branch does not exist: %s", baseBranch)
			}
		} else {
			return "", "", fmt.Errorf("Base branch does not exist: %s", baseBranch)
		}
	}

	dirName := strings.ReplaceAll(branchName, "/", "-")
	projectDir := filepath.Join(w.worktreeRoot, projectID)
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create worktree namespace directory: %w", err)
	}
	worktreePath := filepath.Join(projectDir, dirName)

	if output, err := runGit(repoPath, "worktree", "add", "-b", branchName, worktreePath, baseBranch); err != nil {
		log.Error("❌ Failed to add worktree at %s: %v\nOutput: %s", worktreePath, err, output)
		return "", "", fmt.Errorf("failed to add worktree: %w\nOutput: %s", err, output)
	}

	meta := models.WorktreeMeta{
		RuntimeID:       w.runtimeID,
		TaskDescription: opts.TaskDescription,
		AdditionalDirs:  opts.AdditionalDirs,
		OllamaModel:     opts.OllamaModel,
	}
	if err := writeWorktreeMeta(worktreePath, meta); err != nil {
		// The worktree exists but will not be recognized as managed.
		// Undo rather than leak an invisible worktree.
		_, _ = runGit(repoPath, "worktree", "remove", "--force", worktreePath)
		return "", "", fmt.Errorf("failed to write worktree metadata: %w", err)
	}

	log.Info("✅ Created worktree %s on branch %s", worktreePath, branchName)
	return worktreePath, branchName, nil
}

// RemoveWorktree removes the worktree and its sidecar metadata. The branch
// is deleted only when it is namespaced under this tool's prefix for the
// repo, and branch-delete failures are swallowed: the worktree is already
// gone and a stray branch is a harmless leftover.
func (w *WorktreeManager) RemoveWorktree(repoPath, worktreePath string) error {
	log.Info("📋 Starting to remove worktree %s", worktreePath)

	branchName := ""
	for _, wt := range w.listAllWorktrees(repoPath) {
		if wt.Path == worktreePath {
			branchName = wt.Branch
			break
		}
	}

	if output, err := runGit(repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		log.Error("❌ Failed to remove worktree %s: %v\nOutput: %s", worktreePath, err, output)
		return fmt.Errorf("failed to remove worktree: %w\nOutput: %s", err, output)
	}

	RemoveWorktreeMeta(worktreePath)

	toolPrefix := strings.ToLower(filepath.Base(repoPath)) + "/"
	if branchName != "" && strings.HasPrefix(branchName, toolPrefix) {
		if output, err := runGit(repoPath, "branch", "-D", branchName); err != nil {
			log.Warn("⚠️ Could not delete branch %s: %v\nOutput: %s", branchName, err, output)
		}
	}

	log.Info("✅ Removed worktree %s", worktreePath)
	return nil
}

// ListWorktrees returns the repo's worktrees that belong to this tool,
// identified by the presence of their sidecar metadata. Ad hoc worktrees a
// user created manually never appear here.
func (w *WorktreeManager) ListWorktrees(repoPath string) []models.Worktree {
	var managed []models.Worktree
	for _, wt := range w.listAllWorktrees(repoPath) {
		if _, err := os.Stat(wt.Path + worktreeMetaSuffix); err == nil {
			managed = append(managed, wt)
		}
	}
	return managed
}

func (w *WorktreeManager) listAllWorktrees(repoPath string) []models.Worktree {
	output, err := runGit(repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		log.Debug("Could not list worktrees in %s: %v", repoPath, err)
		return nil
	}
	return parseWorktreePorcelain(output)
}

// parseWorktreePorcelain parses git worktree list --porcelain output.
// Records are separated by blank lines; the last record has no guaranteed
// trailing blank line.
func parseWorktreePorcelain(output string) []models.Worktree {
	var worktrees []models.Worktree
	var current models.Worktree

	flush := func() {
		if current.Path != "" {
			worktrees = append(worktrees, current)
		}
		current = models.Worktree{}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch refs/heads/"):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()

	return worktrees
}

// writeWorktreeMeta persists the sidecar next to the worktree directory.
func writeWorktreeMeta(worktreePath string, meta models.WorktreeMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal worktree metadata: %w", err)
	}
	return os.WriteFile(worktreePath+worktreeMetaSuffix, data, 0644)
}

// ReadWorktreeMeta loads the sidecar for a worktree path.
func ReadWorktreeMeta(worktreePath string) (models.WorktreeMeta, error) {
	data, err := os.ReadFile(worktreePath + worktreeMetaSuffix)
	if err != nil {
		return models.WorktreeMeta{}, err
	}
	var meta models.WorktreeMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return models.WorktreeMeta{}, fmt.Errorf("failed to parse worktree metadata: %w", err)
	}
	return meta, nil
}

// RemoveWorktreeMeta deletes a worktree's sidecar, ignoring a missing file.
func RemoveWorktreeMeta(worktreePath string) {
	if err := os.Remove(worktreePath + worktreeMetaSuffix); err != nil && !os.IsNotExist(err) {
		log.Warn("⚠️ Could not remove worktree metadata for %s: %v", worktreePath, err)
	}
}

// StartSidecarJanitor watches the worktree namespace for one project and
// deletes orphaned sidecar files when their worktree directory disappears
// out from under us (e.g. the user removed it manually).
func (w *WorktreeManager) StartSidecarJanitor(projectID string) error {
	projectDir := filepath.Join(w.worktreeRoot, projectID)
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		return fmt.Errorf("failed to create worktree namespace directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := watcher.Add(projectDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", projectDir, err)
	}

	w.watcher = watcher
	w.watcherDone = make(chan struct{})

	go func() {
		defer close(w.watcherDone)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Remove == 0 {
					continue
				}
				if strings.HasSuffix(event.Name, worktreeMetaSuffix) {
					continue
				}
				sidecar := event.Name + worktreeMetaSuffix
				if _, err := os.Stat(sidecar); err == nil {
					log.Info("📋 Worktree %s disappeared, removing orphaned metadata", event.Name)
					RemoveWorktreeMeta(event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("⚠️ Worktree watcher error: %v", err)
			}
		}
	}()

	return nil
}

// StopSidecarJanitor shuts down the filesystem watcher, if running.
func (w *WorktreeManager) StopSidecarJanitor() {
	if w.watcher != nil {
		w.watcher.Close()
		<-w.watcherDone
		w.watcher = nil
	}
}
