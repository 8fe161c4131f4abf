package clients

import (
	"strings"
	"testing"
)

func TestValidateAndTruncatePRTitle(t *testing.T) {
	t.Run("short title unchanged", func(t *testing.T) {
		if got := ValidateAndTruncatePRTitle("Fix login bug"); got != "Fix login bug" {
			t.Errorf("Got %q", got)
		}
	})

	t.Run("whitespace trimmed", func(t *testing.T) {
		if got := ValidateAndTruncatePRTitle("  Fix login bug  "); got != "Fix login bug" {
			t.Errorf("Got %q", got)
		}
	})

	t.Run("empty falls back to generic title", func(t *testing.T) {
		if got := ValidateAndTruncatePRTitle("   "); got != "Update branch" {
			t.Errorf("Got %q", got)
		}
	})

	t.Run("long title truncated with ellipsis", func(t *testing.T) {
		got := ValidateAndTruncatePRTitle(strings.Repeat("x", 300))
		if len(got) != MaxGitHubPRTitleLength {
			t.Errorf("Expected length %d, got %d", MaxGitHubPRTitleLength, len(got))
		}
		if !strings.HasSuffix(got, "...") {
			t.Errorf("Expected ellipsis suffix, got %q", got[len(got)-10:])
		}
	})

	t.Run("exact limit untouched", func(t *testing.T) {
		title := strings.Repeat("y", MaxGitHubPRTitleLength)
		if got := ValidateAndTruncatePRTitle(title); got != title {
			t.Errorf("Title at the limit should pass through unchanged")
		}
	})
}
