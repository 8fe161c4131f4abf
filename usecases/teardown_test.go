package usecases

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"manifold/clients"
	"manifold/core"
	"manifold/models"
	"manifold/services"
)

type testHarness struct {
	appState       *models.AppState
	sessionManager *SessionManager
	chat           *services.ChatAdapter
	project        models.Project
	killedSessions []string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	repoPath := setupTestRepo(t, true)
	appState := models.NewAppState("test-runtime", filepath.Join(t.TempDir(), "state.json"))

	project := models.Project{
		ID:         "proj-1",
		Name:       filepath.Base(repoPath),
		Path:       repoPath,
		BaseBranch: "main",
	}
	if err := appState.UpsertProject(project); err != nil {
		t.Fatalf("Failed to register project: %v", err)
	}

	gitClient := clients.NewGitClient()
	chat := services.NewChatAdapter()
	chat.SetFlushDelay(20 * time.Millisecond)
	worktreeManager := NewWorktreeManager(NewBranchNamer(gitClient), t.TempDir(), "test-runtime")

	h := &testHarness{
		appState: appState,
		chat:     chat,
		project:  project,
	}
	h.sessionManager = NewSessionManager(appState, clients.NewPtyPool(), gitClient, worktreeManager, chat, func(sessionID string) error {
		h.killedSessions = append(h.killedSessions, sessionID)
		return nil
	})
	return h
}

func TestCreateSessionUnknownProject(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.sessionManager.CreateSession(CreateSessionParams{
		ProjectID:   "no-such-project",
		AgentBinary: "cat",
	})
	if !errors.Is(err, core.ErrProjectNotFound) {
		t.Errorf("Expected ErrProjectNotFound, got %v", err)
	}
}

func TestKillInteractiveSession(t *testing.T) {
	h := newTestHarness(t)

	session, err := h.sessionManager.CreateSession(CreateSessionParams{
		ProjectID:       h.project.ID,
		TaskDescription: "refactor parser",
		AgentBinary:     "cat",
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, statErr := os.Stat(session.WorktreePath); statErr != nil {
		t.Fatalf("Worktree not created: %v", statErr)
	}

	// Leave uncommitted work behind so teardown has to auto-commit it.
	if err := os.WriteFile(filepath.Join(session.WorktreePath, "wip.txt"), []byte("wip\n"), 0644); err != nil {
		t.Fatalf("Failed to dirty worktree: %v", err)
	}

	result, err := h.sessionManager.KillInteractiveSession(session.ID)
	if err != nil {
		t.Fatalf("KillInteractiveSession failed: %v", err)
	}

	if result.ProjectPath != h.project.Path {
		t.Errorf("Expected project path %q, got %q", h.project.Path, result.ProjectPath)
	}
	if result.BranchName != session.BranchName {
		t.Errorf("Expected branch %q, got %q", session.BranchName, result.BranchName)
	}
	if result.TaskDescription != "refactor parser" {
		t.Errorf("Unexpected task description: %q", result.TaskDescription)
	}

	if _, ok := h.appState.GetSession(session.ID); ok {
		t.Error("Session still tracked after teardown")
	}
	if _, statErr := os.Stat(session.WorktreePath); !os.IsNotExist(statErr) {
		t.Error("Worktree still exists after teardown")
	}
	if len(h.killedSessions) != 1 || h.killedSessions[0] != session.ID {
		t.Errorf("Kill callback not invoked correctly: %v", h.killedSessions)
	}
}

func TestKillInteractiveSessionUnknown(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.sessionManager.KillInteractiveSession("no-such-session")
	if !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestKillNonInteractiveSessions(t *testing.T) {
	h := newTestHarness(t)

	session, err := h.sessionManager.CreateSession(CreateSessionParams{
		ProjectID:       h.project.ID,
		TaskDescription: "build feature",
		AgentBinary:     "cat",
		NonInteractive:  true,
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// An interactive session under the same project must survive the batch
	// kill.
	interactive, err := h.sessionManager.CreateSession(CreateSessionParams{
		ProjectID:       h.project.ID,
		TaskDescription: "other work",
		AgentBinary:     "cat",
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := h.sessionManager.KillNonInteractiveSessions(h.project.ID); err != nil {
		t.Fatalf("KillNonInteractiveSessions failed: %v", err)
	}

	if _, ok := h.appState.GetSession(session.ID); ok {
		t.Error("Non-interactive session still tracked")
	}
	if _, ok := h.appState.GetSession(interactive.ID); !ok {
		t.Error("Interactive session was killed by the batch")
	}

	// The project directory is restored to the base branch.
	cmd := exec.Command("git", "symbolic-ref", "--short", "HEAD")
	cmd.Dir = h.project.Path
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("Failed to read project HEAD: %v", err)
	}
	if got := string(output); got != "main\n" {
		t.Errorf("Expected project on main, got %q", got)
	}

	if _, err := h.sessionManager.KillInteractiveSession(interactive.ID); err != nil {
		t.Fatalf("Cleanup of interactive session failed: %v", err)
	}
}

func TestKillNonInteractiveSessionsUnknownProject(t *testing.T) {
	h := newTestHarness(t)

	err := h.sessionManager.KillNonInteractiveSessions("no-such-project")
	if !errors.Is(err, core.ErrProjectNotFound) {
		t.Errorf("Expected ErrProjectNotFound, got %v", err)
	}
}

func TestWriteToSessionAfterExit(t *testing.T) {
	h := newTestHarness(t)

	session, err := h.sessionManager.CreateSession(CreateSessionParams{
		ProjectID:   h.project.ID,
		AgentBinary: "sh",
		AgentArgs:   []string{"-c", "sleep 0.3"},
		NoWorktree:  true,
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Wait for the process to exit and the exit listener to clear the
	// session's PTY id.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ses, ok := h.appState.GetSession(session.ID); ok && ses.PtyID == "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	err = h.sessionManager.WriteToSession(session.ID, []byte("too late\n"))
	if !errors.Is(err, core.ErrPtyNotFound) {
		t.Errorf("Write to exited session: expected ErrPtyNotFound, got %v", err)
	}

	// The exit is surfaced as a system message in the chat log.
	msgs := h.chat.GetMessages(session.ID)
	foundExitMessage := false
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			foundExitMessage = true
		}
	}
	if !foundExitMessage {
		t.Error("Expected a system message announcing the process exit")
	}
}
