package usecases

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple words", "Fix login bug", "fix-login-bug"},
		{"punctuation replaced", "add OAuth2.0 support!", "add-oauth2-0-support"},
		{"stopwords dropped", "fix the bug in the parser", "fix-bug-parser"},
		{"only stopwords", "the a of and", ""},
		{"transliteration", "café menü", "cafe-menu"},
		{"empty input", "", ""},
		{"symbols only", "!!! ???", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.input); got != tt.expected {
				t.Errorf("Slugify(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSlugifyCapsLength(t *testing.T) {
	long := strings.Repeat("verylongword ", 20)
	slug := Slugify(long)
	if len(slug) > maxBranchNameLength {
		t.Errorf("Slug length %d exceeds cap %d", len(slug), maxBranchNameLength)
	}
	if strings.HasSuffix(slug, "-") {
		t.Errorf("Capped slug has trailing dash: %q", slug)
	}
}

func TestDeriveBranchName(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("no collision", func(t *testing.T) {
		got := deriveBranchName("myrepo/", "fix login bug", map[string]bool{}, now)
		if got != "myrepo/fix-login-bug" {
			t.Errorf("Unexpected branch name: %q", got)
		}
	})

	t.Run("collision appends suffix", func(t *testing.T) {
		existing := map[string]bool{"myrepo/fix-login-bug": true}
		got := deriveBranchName("myrepo/", "fix login bug", existing, now)
		if got != "myrepo/fix-login-bug-2" {
			t.Errorf("Expected -2 suffix on collision, got %q", got)
		}
	})

	t.Run("suffix chain", func(t *testing.T) {
		existing := map[string]bool{
			"myrepo/fix-login-bug":   true,
			"myrepo/fix-login-bug-2": true,
			"myrepo/fix-login-bug-3": true,
		}
		got := deriveBranchName("myrepo/", "fix login bug", existing, now)
		if got != "myrepo/fix-login-bug-4" {
			t.Errorf("Expected -4 suffix, got %q", got)
		}
	})

	t.Run("stopword-only description falls back to timestamp", func(t *testing.T) {
		got := deriveBranchName("myrepo/", "the a of", map[string]bool{}, now)
		if got != "myrepo/task-1700000000" {
			t.Errorf("Expected timestamp fallback, got %q", got)
		}
	})

	t.Run("exhausted suffixes fall back to timestamp", func(t *testing.T) {
		existing := map[string]bool{"myrepo/x": true}
		for n := 2; n <= maxCollisionSuffix; n++ {
			existing["myrepo/x-"+strconv.Itoa(n)] = true
		}
		got := deriveBranchName("myrepo/", "x", existing, now)
		if got != "myrepo/task-1700000000" {
			t.Errorf("Expected timestamp fallback after exhausting suffixes, got %q", got)
		}
	})

	t.Run("never exceeds length cap before suffixing", func(t *testing.T) {
		got := deriveBranchName("myrepo/", strings.Repeat("word ", 30), map[string]bool{}, now)
		if len(got) > maxBranchNameLength {
			t.Errorf("Branch name length %d exceeds cap %d: %q", len(got), maxBranchNameLength, got)
		}
	})
}
