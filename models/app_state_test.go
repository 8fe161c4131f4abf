package models

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestAppState(t *testing.T) (*AppState, string) {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "state.json")
	return NewAppState("runtime-1", statePath), statePath
}

func TestSessionLifecycle(t *testing.T) {
	appState, _ := newTestAppState(t)

	session := Session{
		ID:           "ses-1",
		ProjectID:    "proj-1",
		BranchName:   "repo/fix-bug",
		WorktreePath: "/tmp/wt",
		PtyID:        "pty-1",
	}
	if err := appState.UpsertSession(session); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	got, ok := appState.GetSession("ses-1")
	if !ok {
		t.Fatal("Session not found after upsert")
	}
	if got.BranchName != "repo/fix-bug" {
		t.Errorf("Unexpected branch: %q", got.BranchName)
	}

	found, err := appState.MutateSession("ses-1", func(ses *Session) {
		ses.PtyID = ""
	})
	if err != nil || !found {
		t.Fatalf("MutateSession failed: found=%v err=%v", found, err)
	}
	got, _ = appState.GetSession("ses-1")
	if got.PtyID != "" {
		t.Errorf("Mutation not applied: %q", got.PtyID)
	}

	if err := appState.RemoveSession("ses-1"); err != nil {
		t.Fatalf("RemoveSession failed: %v", err)
	}
	if _, ok := appState.GetSession("ses-1"); ok {
		t.Error("Session still present after removal")
	}

	// Removing an unknown session is a no-op.
	if err := appState.RemoveSession("ses-1"); err != nil {
		t.Errorf("Removing unknown session should not fail: %v", err)
	}
}

func TestGetSessionsForProject(t *testing.T) {
	appState, _ := newTestAppState(t)

	for _, s := range []Session{
		{ID: "ses-1", ProjectID: "proj-a"},
		{ID: "ses-2", ProjectID: "proj-a"},
		{ID: "ses-3", ProjectID: "proj-b"},
	} {
		if err := appState.UpsertSession(s); err != nil {
			t.Fatalf("UpsertSession failed: %v", err)
		}
	}

	if got := appState.GetSessionsForProject("proj-a"); len(got) != 2 {
		t.Errorf("Expected 2 sessions for proj-a, got %d", len(got))
	}
	if got := appState.GetSessionsForProject("proj-c"); len(got) != 0 {
		t.Errorf("Expected no sessions for proj-c, got %d", len(got))
	}
}

func TestStatePersistsAcrossLoads(t *testing.T) {
	appState, statePath := newTestAppState(t)

	if err := appState.UpsertProject(Project{ID: "proj-1", Name: "repo", Path: "/repo", BaseBranch: "main"}); err != nil {
		t.Fatalf("UpsertProject failed: %v", err)
	}
	if err := appState.UpsertSession(Session{ID: "ses-1", ProjectID: "proj-1"}); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	loaded, err := LoadState(statePath)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if !loaded.Loaded {
		t.Fatal("Expected state to load from disk")
	}
	if loaded.RuntimeID != "runtime-1" {
		t.Errorf("Unexpected runtime id: %q", loaded.RuntimeID)
	}
	if _, ok := loaded.Projects["proj-1"]; !ok {
		t.Error("Project missing from loaded state")
	}
	if _, ok := loaded.Sessions["ses-1"]; !ok {
		t.Error("Session missing from loaded state")
	}
}

func TestLoadStateMissingFile(t *testing.T) {
	loaded, err := LoadState(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Missing state file must not be an error: %v", err)
	}
	if loaded.Loaded {
		t.Error("Expected Loaded=false for missing file")
	}
}

func TestLoadStateCorruptFile(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(statePath, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write corrupt file: %v", err)
	}
	if _, err := LoadState(statePath); err == nil {
		t.Error("Expected error for corrupt state file")
	}
}
