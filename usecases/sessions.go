package usecases

import (
	"fmt"
	"strings"

	"manifold/clients"
	"manifold/core"
	"manifold/core/log"
	"manifold/models"
	"manifold/services"
	"manifold/utils"
)

// KillSessionCallback removes app-level bookkeeping for a session. It is
// supplied by the embedding application, not implemented here.
type KillSessionCallback func(sessionID string) error

// SessionManager orchestrates worktrees, PTYs, and chat for agent sessions.
type SessionManager struct {
	appState        *models.AppState
	ptyPool         *clients.PtyPool
	gitClient       *clients.GitClient
	worktreeManager *WorktreeManager
	chat            *services.ChatAdapter
	onKillSession   KillSessionCallback
}

func NewSessionManager(
	appState *models.AppState,
	ptyPool *clients.PtyPool,
	gitClient *clients.GitClient,
	worktreeManager *WorktreeManager,
	chat *services.ChatAdapter,
	onKillSession KillSessionCallback,
) *SessionManager {
	utils.AssertInvariant(appState != nil, "session manager requires app state")
	utils.AssertInvariant(ptyPool != nil, "session manager requires a PTY pool")
	if onKillSession == nil {
		onKillSession = func(string) error { return nil }
	}
	return &SessionManager{
		appState:        appState,
		ptyPool:         ptyPool,
		gitClient:       gitClient,
		worktreeManager: worktreeManager,
		chat:            chat,
		onKillSession:   onKillSession,
	}
}

// CreateSessionParams describes a new agent session.
type CreateSessionParams struct {
	ProjectID       string
	TaskDescription string
	AgentBinary     string
	AgentArgs       []string
	ExplicitBranch  string
	NoWorktree      bool
	NonInteractive  bool
	Cols            uint16
	Rows            uint16
	Env             map[string]string
}

// CreateSession provisions a worktree (unless NoWorktree), spawns the agent
// binary in it under a PTY, and wires the PTY's output into the chat log.
func (s *SessionManager) CreateSession(params CreateSessionParams) (models.Session, error) {
	project, ok := s.appState.GetProject(params.ProjectID)
	if !ok {
		return models.Session{}, core.ErrProjectNotFound
	}

	sessionID := core.NewID("ses")
	log.Info("📋 Starting to create session %s for project %s", sessionID, project.Name)

	workDir := project.Path
	branchName := params.ExplicitBranch
	if !params.NoWorktree {
		worktreePath, branch, err := s.worktreeManager.CreateWorktree(project.Path, project.BaseBranch, project.ID, CreateWorktreeOptions{
			ExplicitBranch:  params.ExplicitBranch,
			TaskDescription: params.TaskDescription,
		})
		if err != nil {
			return models.Session{}, fmt.Errorf("failed to create worktree for session: %w", err)
		}
		workDir = worktreePath
		branchName = branch
	}

	handle, err := s.ptyPool.Spawn(clients.PtySpawnOptions{
		Command: params.AgentBinary,
		Args:    params.AgentArgs,
		Cwd:     workDir,
		Env:     params.Env,
		Cols:    params.Cols,
		Rows:    params.Rows,
	})
	if err != nil {
		if !params.NoWorktree {
			if rmErr := s.worktreeManager.RemoveWorktree(project.Path, workDir); rmErr != nil {
				log.Warn("⚠️ Could not clean up worktree after failed spawn: %v", rmErr)
			}
		}
		return models.Session{}, fmt.Errorf("failed to spawn agent process: %w", err)
	}

	session := models.Session{
		ID:              sessionID,
		ProjectID:       project.ID,
		BranchName:      branchName,
		WorktreePath:    workDir,
		PtyID:           handle.ID,
		TaskDescription: params.TaskDescription,
		NonInteractive:  params.NonInteractive,
		NoWorktree:      params.NoWorktree,
		AgentBinary:     params.AgentBinary,
	}
	if err := s.appState.UpsertSession(session); err != nil {
		log.Warn("⚠️ Could not persist new session %s: %v", sessionID, err)
	}

	s.wirePtyToChat(sessionID, handle.ID)

	log.Info("✅ Created session %s (pty: %s, branch: %s)", sessionID, handle.ID, branchName)
	return session, nil
}

// wirePtyToChat streams a PTY's output into the session's chat log and
// clears the session's PTY id once the process exits, so later writes fail
// loudly instead of going nowhere.
func (s *SessionManager) wirePtyToChat(sessionID, ptyID string) {
	if _, err := s.ptyPool.OnData(ptyID, func(data []byte) {
		s.chat.ProcessPtyOutput(sessionID, string(data))
	}); err != nil {
		log.Warn("⚠️ Could not subscribe to PTY %s output: %v", ptyID, err)
	}

	if _, err := s.ptyPool.OnExit(ptyID, func(exitCode int) {
		found, mutErr := s.appState.MutateSession(sessionID, func(ses *models.Session) {
			if ses.PtyID == ptyID {
				ses.PtyID = ""
			}
			if ses.DevServerPtyID == ptyID {
				ses.DevServerPtyID = ""
			}
		})
		if mutErr != nil {
			log.Warn("⚠️ Could not persist PTY exit for session %s: %v", sessionID, mutErr)
		}
		if found {
			s.chat.AddSystemMessage(sessionID, fmt.Sprintf("Agent process exited with code %d", exitCode))
		}
	}); err != nil {
		log.Warn("⚠️ Could not subscribe to PTY %s exit: %v", ptyID, err)
	}
}

// StartDevServer spawns a secondary long-running process (e.g. a dev
// server) in the session's worktree.
func (s *SessionManager) StartDevServer(sessionID, command string, args []string) (string, error) {
	session, ok := s.appState.GetSession(sessionID)
	if !ok {
		return "", core.ErrSessionNotFound
	}
	if session.DevServerPtyID != "" {
		return session.DevServerPtyID, nil
	}

	handle, err := s.ptyPool.Spawn(clients.PtySpawnOptions{
		Command: command,
		Args:    args,
		Cwd:     session.WorktreePath,
	})
	if err != nil {
		return "", fmt.Errorf("failed to spawn dev server: %w", err)
	}

	if _, err := s.appState.MutateSession(sessionID, func(ses *models.Session) {
		ses.DevServerPtyID = handle.ID
	}); err != nil {
		log.Warn("⚠️ Could not persist dev server PTY for session %s: %v", sessionID, err)
	}
	s.wirePtyToChat(sessionID, handle.ID)
	return handle.ID, nil
}

// WriteToSession forwards input to the session's agent PTY. A session whose
// process already exited has no PTY id and the write fails with not-found.
func (s *SessionManager) WriteToSession(sessionID string, data []byte) error {
	session, ok := s.appState.GetSession(sessionID)
	if !ok {
		return core.ErrSessionNotFound
	}
	if session.PtyID == "" {
		return core.ErrPtyNotFound
	}
	return s.ptyPool.Write(session.PtyID, data)
}

// ResizeSession forwards a terminal resize to the session's agent PTY.
func (s *SessionManager) ResizeSession(sessionID string, cols, rows uint16) error {
	session, ok := s.appState.GetSession(sessionID)
	if !ok {
		return core.ErrSessionNotFound
	}
	if session.PtyID == "" {
		return core.ErrPtyNotFound
	}
	return s.ptyPool.Resize(session.PtyID, cols, rows)
}

// SendUserMessage writes the user's text to the agent PTY and records it in
// the chat log.
func (s *SessionManager) SendUserMessage(sessionID, text string) error {
	if err := s.WriteToSession(sessionID, []byte(text+"\n")); err != nil {
		return err
	}
	s.chat.AddUserMessage(sessionID, text)
	return nil
}

// OpenPullRequest pushes the session's branch and opens a PR against the
// project's base branch. The title falls back through the task description
// and an AI-generated one-liner before a generic default.
func (s *SessionManager) OpenPullRequest(sessionID string) (string, error) {
	session, ok := s.appState.GetSession(sessionID)
	if !ok {
		return "", core.ErrSessionNotFound
	}
	project, ok := s.appState.GetProject(session.ProjectID)
	if !ok {
		return "", core.ErrProjectNotFound
	}

	log.Info("📋 Starting to open pull request for session %s", sessionID)

	if output, err := runGit(session.WorktreePath, "push", "-u", "origin", session.BranchName); err != nil {
		return "", fmt.Errorf("failed to push branch %s: %w\nOutput: %s", session.BranchName, err, output)
	}

	prContext := s.gitClient.GetPRContext(session.WorktreePath, project.BaseBranch)

	title := strings.TrimSpace(session.TaskDescription)
	if title == "" && session.AgentBinary != "" && prContext.Commits != "" {
		prompt := fmt.Sprintf("Write a one-line pull request title for these commits:\n%s", prContext.Commits)
		title = s.gitClient.AIGenerate(session.AgentBinary, prompt, session.WorktreePath)
	}

	body := buildPRBody(prContext)
	url, err := s.gitClient.CreatePullRequest(session.WorktreePath, title, body, project.BaseBranch)
	if err != nil {
		return "", err
	}

	s.chat.AddSystemMessage(sessionID, fmt.Sprintf("Opened pull request: %s", url))
	return url, nil
}

func buildPRBody(prContext models.PRContext) string {
	var b strings.Builder
	if prContext.Commits != "" {
		b.WriteString("## Commits\n\n```\n")
		b.WriteString(prContext.Commits)
		b.WriteString("\n```\n")
	}
	if prContext.DiffStat != "" {
		b.WriteString("\n## Changes\n\n```\n")
		b.WriteString(prContext.DiffStat)
		b.WriteString("\n```\n")
	}
	return b.String()
}

// CleanupStaleBranches deletes tool-namespaced branches that no longer have
// a managed worktree attached. Best-effort: failures are logged.
func (s *SessionManager) CleanupStaleBranches(projectID string) {
	project, ok := s.appState.GetProject(projectID)
	if !ok {
		return
	}

	attached := make(map[string]bool)
	for _, wt := range s.worktreeManager.ListWorktrees(project.Path) {
		attached[wt.Branch] = true
	}
	for _, session := range s.appState.GetSessionsForProject(projectID) {
		attached[session.BranchName] = true
	}

	toolPrefix := strings.ToLower(project.Name) + "/"
	branches, err := s.gitClient.ListBranches(project.Path)
	if err != nil {
		log.Warn("⚠️ Could not list branches for stale cleanup: %v", err)
		return
	}

	for _, branch := range branches {
		if branch.Source == models.BranchSourceRemote {
			continue
		}
		if !strings.HasPrefix(branch.Name, toolPrefix) || attached[branch.Name] {
			continue
		}
		if output, err := runGit(project.Path, "branch", "-D", branch.Name); err != nil {
			log.Warn("⚠️ Could not delete stale branch %s: %v\nOutput: %s", branch.Name, err, output)
		} else {
			log.Info("✅ Deleted stale branch %s", branch.Name)
		}
	}
}

// RecoverFromCrash reconciles persisted sessions with reality on startup:
// no PTY survives a restart, so every session's PTY ids are cleared, and
// sessions whose worktree disappeared are dropped.
func (s *SessionManager) RecoverFromCrash() {
	for _, session := range s.appState.GetAllSessions() {
		if session.PtyID != "" || session.DevServerPtyID != "" {
			if _, err := s.appState.MutateSession(session.ID, func(ses *models.Session) {
				ses.PtyID = ""
				ses.DevServerPtyID = ""
			}); err != nil {
				log.Warn("⚠️ Could not clear PTY ids for session %s: %v", session.ID, err)
			}
		}

		if session.NoWorktree {
			continue
		}
		if _, err := ReadWorktreeMeta(session.WorktreePath); err != nil {
			log.Info("📋 Session %s lost its worktree, removing from state", session.ID)
			if err := s.appState.RemoveSession(session.ID); err != nil {
				log.Warn("⚠️ Could not remove orphaned session %s: %v", session.ID, err)
			}
		}
	}
}
