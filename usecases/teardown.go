package usecases

import (
	"manifold/core"
	"manifold/core/log"
	"manifold/models"
)

// Auto-commit messages are fixed literals, not user-configurable.
const (
	autoCommitSimpleMode    = "Auto-commit: work from simple mode"
	autoCommitDeveloperMode = "Auto-commit: work from developer mode"
)

// Teardown is deliberately partial-failure tolerant: every cleanup step is
// individually guarded, failures are logged, and the teardown always runs
// to completion. Quitting or switching an agent must never appear to hang
// or fail from the caller's perspective.

// KillNonInteractiveSessions tears down every non-interactive session under
// the project: kill PTYs, auto-commit pending work, notify the embedding
// app, and finally restore the project's base branch in the project
// directory so the primary repo view returns to a neutral state.
func (s *SessionManager) KillNonInteractiveSessions(projectID string) error {
	project, ok := s.appState.GetProject(projectID)
	if !ok {
		return core.ErrProjectNotFound
	}

	log.Info("📋 Starting to kill non-interactive sessions for project %s", project.Name)

	killed := 0
	for _, session := range s.appState.GetSessionsForProject(projectID) {
		if !session.NonInteractive {
			continue
		}
		s.killSessionProcesses(session)
		s.autoCommitPendingWork(session, autoCommitSimpleMode)
		s.finalizeSessionRemoval(session.ID)
		killed++
	}

	if killed > 0 {
		if output, err := runGit(project.Path, "checkout", project.BaseBranch); err != nil {
			log.Warn("⚠️ Could not checkout base branch %s in %s: %v\nOutput: %s",
				project.BaseBranch, project.Path, err, output)
		}
	}

	log.Info("✅ Killed %d non-interactive session(s) for project %s", killed, project.Name)
	return nil
}

// KillInteractiveSession tears down one session and, unless it was created
// without its own worktree, removes the worktree and its metadata. Returns
// enough context for the caller to start a follow-on session on the same
// branch.
func (s *SessionManager) KillInteractiveSession(sessionID string) (models.TeardownResult, error) {
	session, ok := s.appState.GetSession(sessionID)
	if !ok {
		return models.TeardownResult{}, core.ErrSessionNotFound
	}

	log.Info("📋 Starting to kill session %s", sessionID)

	s.killSessionProcesses(session)
	s.autoCommitPendingWork(session, autoCommitDeveloperMode)

	projectPath := ""
	if project, ok := s.appState.GetProject(session.ProjectID); ok {
		projectPath = project.Path
	}

	if !session.NoWorktree {
		if projectPath != "" {
			if err := s.worktreeManager.RemoveWorktree(projectPath, session.WorktreePath); err != nil {
				// The session is being discarded anyway; a leftover
				// worktree is cleaned up on the next recovery pass.
				log.Warn("⚠️ Could not remove worktree %s: %v", session.WorktreePath, err)
				RemoveWorktreeMeta(session.WorktreePath)
			}
		}
		// Mark worktree-less so a repeated kill cannot double-clean.
		if _, err := s.appState.MutateSession(sessionID, func(ses *models.Session) {
			ses.NoWorktree = true
		}); err != nil {
			log.Warn("⚠️ Could not persist teardown progress for session %s: %v", sessionID, err)
		}
	}

	s.finalizeSessionRemoval(sessionID)

	log.Info("✅ Killed session %s", sessionID)
	return models.TeardownResult{
		ProjectPath:     projectPath,
		BranchName:      session.BranchName,
		TaskDescription: session.TaskDescription,
	}, nil
}

// killSessionProcesses kills the session's main and dev-server PTYs.
// Already-exited PTYs are a no-op by PtyPool contract.
func (s *SessionManager) killSessionProcesses(session models.Session) {
	if session.PtyID != "" {
		s.ptyPool.Kill(session.PtyID)
	}
	if session.DevServerPtyID != "" {
		s.ptyPool.Kill(session.DevServerPtyID)
	}
}

// autoCommitPendingWork commits uncommitted changes in the session's
// worktree with the given fixed message. Commit failures are logged, never
// raised: losing an auto-commit must not abort a teardown.
func (s *SessionManager) autoCommitPendingWork(session models.Session, message string) {
	status := s.gitClient.GetStatusDetail(session.WorktreePath)
	if len(status.Conflicts) == 0 && len(status.Staged) == 0 && len(status.Unstaged) == 0 {
		return
	}

	if err := s.gitClient.Commit(session.WorktreePath, message); err != nil {
		log.Warn("⚠️ Auto-commit failed for session %s: %v", session.ID, err)
	}
}

// finalizeSessionRemoval notifies the embedding app and drops the session
// from state and chat.
func (s *SessionManager) finalizeSessionRemoval(sessionID string) {
	if err := s.onKillSession(sessionID); err != nil {
		log.Warn("⚠️ Session removal callback failed for %s: %v", sessionID, err)
	}
	if err := s.appState.RemoveSession(sessionID); err != nil {
		log.Warn("⚠️ Could not remove session %s from state: %v", sessionID, err)
	}
	s.chat.ClearSession(sessionID)
}
