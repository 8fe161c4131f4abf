package core

import (
	"errors"
	"fmt"
)

// ErrPtyNotFound is the sentinel for operations against a PTY id that is not
// (or is no longer) tracked by the pool. Callers that treat "already gone" as
// success should check with errors.Is rather than string matching.
var ErrPtyNotFound = errors.New("pty not found")

// ErrSessionNotFound is returned when a session id is unknown to the registry.
var ErrSessionNotFound = errors.New("session not found")

// ErrProjectNotFound is returned when a project id is unknown to the registry.
var ErrProjectNotFound = errors.New("project not found")

// GitCommandError represents a failed git/gh invocation and carries the
// failing stage plus the command's combined output, so callers can
// distinguish e.g. "nothing to commit" from real failures.
type GitCommandError struct {
	Stage  string // e.g. "git add", "git commit", "git fetch"
	Err    error  // the original command error
	Output string // combined stdout/stderr of the failed command
}

func (e *GitCommandError) Error() string {
	return fmt.Sprintf("%s failed: %v\nOutput: %s", e.Stage, e.Err, e.Output)
}

func (e *GitCommandError) Unwrap() error {
	return e.Err
}

// IsGitCommandError checks if an error is a GitCommandError
func IsGitCommandError(err error) (*GitCommandError, bool) {
	var gitErr *GitCommandError
	if errors.As(err, &gitErr) {
		return gitErr, true
	}
	return nil, false
}

// PathTraversalError is raised when a caller-supplied relative path would
// escape its worktree once joined. It is always raised before any
// filesystem write occurs.
type PathTraversalError struct {
	Path string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path %q escapes the worktree", e.Path)
}

// IsPathTraversalError checks if an error is a PathTraversalError
func IsPathTraversalError(err error) (*PathTraversalError, bool) {
	var traversalErr *PathTraversalError
	if errors.As(err, &traversalErr) {
		return traversalErr, true
	}
	return nil, false
}
