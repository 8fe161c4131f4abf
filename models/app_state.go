package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"manifold/core/log"
)

// PersistedState is the on-disk shape of the session registry. It is
// written after every mutation so a crashed backend can recover and clean
// up orphaned worktrees on restart.
type PersistedState struct {
	RuntimeID string              `json:"runtime_id"`
	Projects  map[string]*Project `json:"projects"`
	Sessions  map[string]*Session `json:"sessions"`
}

// LoadedState is the result of reading persisted state from disk.
type LoadedState struct {
	RuntimeID string
	Projects  map[string]*Project
	Sessions  map[string]*Session
	Loaded    bool
}

// AppState is the registry of projects and sessions. All access goes
// through its mutex; callers receive copies, never interior pointers.
type AppState struct {
	runtimeID string
	projects  map[string]*Project
	sessions  map[string]*Session
	statePath string
	mutex     sync.RWMutex
}

func NewAppState(runtimeID, statePath string) *AppState {
	return &AppState{
		runtimeID: runtimeID,
		projects:  make(map[string]*Project),
		sessions:  make(map[string]*Session),
		statePath: statePath,
	}
}

func (a *AppState) GetRuntimeID() string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.runtimeID
}

// UpsertProject adds or replaces a project registry entry.
func (a *AppState) UpsertProject(project Project) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.projects[project.ID] = &project

	if err := a.persistStateLocked(); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}

// GetProject returns a copy of the project, if registered.
func (a *AppState) GetProject(projectID string) (Project, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	project, exists := a.projects[projectID]
	if !exists {
		return Project{}, false
	}
	return *project, true
}

// RemoveProject drops a project from the registry. Removing an unknown
// project is a no-op.
func (a *AppState) RemoveProject(projectID string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if _, exists := a.projects[projectID]; !exists {
		log.Warn("⚠️ Project %s does not exist in app state", projectID)
		return nil
	}
	delete(a.projects, projectID)

	if err := a.persistStateLocked(); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}

// GetAllProjects returns copies of every registered project.
func (a *AppState) GetAllProjects() []Project {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	result := make([]Project, 0, len(a.projects))
	for _, project := range a.projects {
		result = append(result, *project)
	}
	return result
}

// UpsertSession adds or replaces a session entry and persists.
func (a *AppState) UpsertSession(session Session) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.sessions[session.ID] = &session

	if err := a.persistStateLocked(); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}

// GetSession returns a copy of the session, if tracked.
func (a *AppState) GetSession(sessionID string) (Session, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	session, exists := a.sessions[sessionID]
	if !exists {
		return Session{}, false
	}
	return *session, true
}

// MutateSession applies fn to the tracked session under the lock and
// persists the result. Returns false when the session is unknown.
func (a *AppState) MutateSession(sessionID string, fn func(*Session)) (bool, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	session, exists := a.sessions[sessionID]
	if !exists {
		return false, nil
	}
	fn(session)

	if err := a.persistStateLocked(); err != nil {
		return true, fmt.Errorf("failed to persist state: %w", err)
	}
	return true, nil
}

// RemoveSession drops a session from the registry. Removing an unknown
// session is a no-op.
func (a *AppState) RemoveSession(sessionID string) error {
	log.Info("📋 Removing session %s from app state", sessionID)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if _, exists := a.sessions[sessionID]; !exists {
		log.Warn("⚠️ Session %s does not exist in app state", sessionID)
		return nil
	}
	delete(a.sessions, sessionID)

	if err := a.persistStateLocked(); err != nil {
		log.Error("❌ Failed to persist state after removing session %s: %v", sessionID, err)
		return fmt.Errorf("failed to persist state: %w", err)
	}

	log.Info("✅ Successfully removed session %s from app state", sessionID)
	return nil
}

// GetAllSessions returns copies of every tracked session.
func (a *AppState) GetAllSessions() []Session {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	result := make([]Session, 0, len(a.sessions))
	for _, session := range a.sessions {
		result = append(result, *session)
	}
	return result
}

// GetSessionsForProject returns copies of the project's sessions.
func (a *AppState) GetSessionsForProject(projectID string) []Session {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	var result []Session
	for _, session := range a.sessions {
		if session.ProjectID == projectID {
			result = append(result, *session)
		}
	}
	return result
}

// persistStateLocked writes the registry to disk via a temp-file rename.
// MUST be called with the mutex held.
func (a *AppState) persistStateLocked() error {
	if a.statePath == "" {
		return fmt.Errorf("state path not configured")
	}

	log.Debug("💾 Persisting app state to disk (projects: %d, sessions: %d)", len(a.projects), len(a.sessions))

	state := PersistedState{
		RuntimeID: a.runtimeID,
		Projects:  a.projects,
		Sessions:  a.sessions,
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(a.statePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tempPath := a.statePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := os.Rename(tempPath, a.statePath); err != nil {
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	return nil
}

// LoadState reads persisted state from disk. A missing file is not an
// error; Loaded is false and the backend starts fresh.
func LoadState(statePath string) (*LoadedState, error) {
	log.Debug("📂 Attempting to load persisted state from %s", statePath)

	if _, err := os.Stat(statePath); os.IsNotExist(err) {
		log.Info("ℹ️ No persisted state file found at %s - starting fresh", statePath)
		return &LoadedState{Loaded: false}, nil
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	log.Info("✅ Loaded persisted state (runtime: %s, projects: %d, sessions: %d)",
		state.RuntimeID, len(state.Projects), len(state.Sessions))

	return &LoadedState{
		RuntimeID: state.RuntimeID,
		Projects:  state.Projects,
		Sessions:  state.Sessions,
		Loaded:    true,
	}, nil
}
