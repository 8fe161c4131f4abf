package clients

import (
	"strings"

	"manifold/core/log"
)

// MaxGitHubPRTitleLength is GitHub's hard limit on pull request titles.
const MaxGitHubPRTitleLength = 256

// ValidateAndTruncatePRTitle trims a candidate PR title and truncates it to
// GitHub's limit, appending an ellipsis when shortened. Empty input falls
// back to a generic title rather than failing PR creation.
func ValidateAndTruncatePRTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return "Update branch"
	}

	if len(title) <= MaxGitHubPRTitleLength {
		return title
	}

	log.Warn("⚠️ PR title exceeds %d characters, truncating", MaxGitHubPRTitleLength)
	return title[:MaxGitHubPRTitleLength-3] + "..."
}
