// Package models holds the shared data types passed between the manifold
// backend's layers.
package models

import "time"

// Project is a long-lived registry entry for a repository the user has
// opened. BaseBranch is the restoration target after session teardown.
type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	BaseBranch string `json:"baseBranch"`
}

// Session tracks one running agent bound to a PTY and (usually) a dedicated
// git worktree.
type Session struct {
	ID              string `json:"id"`
	ProjectID       string `json:"projectId"`
	BranchName      string `json:"branchName"`
	WorktreePath    string `json:"worktreePath"`
	PtyID           string `json:"ptyId,omitempty"`
	DevServerPtyID  string `json:"devServerPtyId,omitempty"`
	TaskDescription string `json:"taskDescription,omitempty"`
	NonInteractive  bool   `json:"nonInteractive,omitempty"`
	NoWorktree      bool   `json:"noWorktree,omitempty"`
	AgentBinary     string `json:"agentBinary,omitempty"`
}

// WorktreeMeta is the sidecar metadata persisted next to each managed
// worktree at <worktreePath>.manifold.json. Its presence is what marks a
// worktree as managed by this tool.
type WorktreeMeta struct {
	RuntimeID       string   `json:"runtimeId"`
	TaskDescription string   `json:"taskDescription,omitempty"`
	AdditionalDirs  []string `json:"additionalDirs,omitempty"`
	OllamaModel     string   `json:"ollamaModel,omitempty"`
}

// BranchSource says where a branch short name was observed.
type BranchSource string

const (
	BranchSourceLocal  BranchSource = "local"
	BranchSourceRemote BranchSource = "remote"
	BranchSourceBoth   BranchSource = "both"
)

// BranchInfo is a derived view of one branch, never persisted.
type BranchInfo struct {
	Name   string       `json:"name"`
	Source BranchSource `json:"source"`
}

// Worktree is one entry from the porcelain worktree listing.
type Worktree struct {
	Branch string `json:"branch"`
	Path   string `json:"path"`
}

// AheadBehind counts commits relative to a base branch.
type AheadBehind struct {
	Behind int `json:"behind"`
	Ahead  int `json:"ahead"`
}

// StatusDetail is a per-call parse of git status --porcelain. A path may
// appear in both Staged and Unstaged.
type StatusDetail struct {
	Conflicts []string `json:"conflicts"`
	Staged    []string `json:"staged"`
	Unstaged  []string `json:"unstaged"`
}

// PRContext bundles the commit log and diff used to summarize a branch for
// a pull request.
type PRContext struct {
	Commits   string `json:"commits"`
	DiffStat  string `json:"diffStat"`
	DiffPatch string `json:"diffPatch"`
}

// FetchUpdateResult reports what fetchAndUpdate changed.
type FetchUpdateResult struct {
	UpdatedBranch string `json:"updatedBranch"`
	PreviousRef   string `json:"previousRef"`
	CurrentRef    string `json:"currentRef"`
	CommitCount   int    `json:"commitCount"`
}

// MessageRole distinguishes who produced a chat message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// ChatMessage is one entry in a session's append-only chat log. Messages
// are never mutated after creation.
type ChatMessage struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Role      MessageRole `json:"role"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}

// TeardownResult is returned by interactive-session teardown so a caller
// can start a follow-on session on the same branch.
type TeardownResult struct {
	ProjectPath     string `json:"projectPath"`
	BranchName      string `json:"branchName"`
	TaskDescription string `json:"taskDescription,omitempty"`
}
