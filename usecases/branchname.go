// Package usecases implements the manifold backend's orchestration logic on
// top of the clients layer.
package usecases

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"manifold/clients"
	"manifold/core/log"
)

// maxBranchNameLength caps generated branch names, prefix included.
const maxBranchNameLength = 40

// maxCollisionSuffix bounds the -2..-N collision probing before falling
// back to a timestamp name.
const maxCollisionSuffix = 999

// transliterations maps a small set of common non-ASCII letters to ASCII
// equivalents before slugging.
var transliterations = map[rune]string{
	'à': "a", 'á': "a", 'â': "a", 'ä': "a", 'ã': "a", 'å': "a",
	'è': "e", 'é': "e", 'ê': "e", 'ë': "e",
	'ì': "i", 'í': "i", 'î': "i", 'ï': "i",
	'ò': "o", 'ó': "o", 'ô': "o", 'ö': "o", 'õ': "o",
	'ù': "u", 'ú': "u", 'û': "u", 'ü': "u",
	'ç': "c", 'ñ': "n", 'ß': "ss",
}

// stopwords are dropped from task descriptions before slugging so branch
// names carry only the meaningful words.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "to": true,
	"in": true, "on": true, "for": true, "and": true, "or": true,
	"with": true, "is": true, "are": true, "at": true, "by": true,
	"be": true, "this": true, "that": true, "it": true, "as": true,
	"from": true,
}

// Slugify converts free text into a branch-name-safe slug: lowercase,
// transliterate, replace anything non-alphanumeric with '-', drop
// stopwords, collapse repeats, trim, cap length. Returns "" when the text
// has no usable words.
func Slugify(text string) string {
	text = strings.ToLower(text)

	var b strings.Builder
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			if ascii, ok := transliterations[r]; ok {
				b.WriteString(ascii)
			} else {
				b.WriteByte('-')
			}
		}
	}

	var words []string
	for _, word := range strings.Split(b.String(), "-") {
		if word == "" || stopwords[word] {
			continue
		}
		words = append(words, word)
	}
	slug := strings.Join(words, "-")

	if len(slug) > maxBranchNameLength {
		slug = strings.Trim(slug[:maxBranchNameLength], "-")
	}
	return slug
}

// deriveBranchName picks a unique branch name given the repo prefix, the
// task description, and the set of existing branch short names. It always
// terminates: an empty slug or an exhausted collision range falls back to
// a timestamp name.
func deriveBranchName(prefix, taskDescription string, existing map[string]bool, now time.Time) string {
	slug := Slugify(taskDescription)
	if slug == "" {
		return timestampBranchName(prefix, now)
	}

	// Leave room for the prefix within the total cap.
	maxSlugLen := maxBranchNameLength - len(prefix)
	if maxSlugLen < 1 {
		maxSlugLen = 1
	}
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}

	candidate := prefix + slug
	if !existing[candidate] {
		return candidate
	}

	for n := 2; n <= maxCollisionSuffix; n++ {
		suffixed := fmt.Sprintf("%s-%d", candidate, n)
		if !existing[suffixed] {
			return suffixed
		}
	}

	return timestampBranchName(prefix, now)
}

func timestampBranchName(prefix string, now time.Time) string {
	return fmt.Sprintf("%stask-%d", prefix, now.Unix())
}

// BranchNamer derives collision-free branch names for a repository.
type BranchNamer struct {
	gitClient *clients.GitClient
}

func NewBranchNamer(gitClient *clients.GitClient) *BranchNamer {
	return &BranchNamer{gitClient: gitClient}
}

// GenerateBranchName produces a branch name of the form
// <lowercased-repo-name>/<slug>, suffixed -2..-999 on collision with any
// existing local or remote branch, with a timestamp fallback when the
// description has no usable words.
func (b *BranchNamer) GenerateBranchName(repoPath, taskDescription string) string {
	prefix := strings.ToLower(filepath.Base(repoPath)) + "/"

	existing := make(map[string]bool)
	branches, err := b.gitClient.ListBranches(repoPath)
	if err != nil {
		// Without the branch list we cannot detect collisions; a
		// timestamp name is guaranteed unique enough.
		log.Warn("⚠️ Could not list branches in %s, using timestamp branch name: %v", repoPath, err)
		return timestampBranchName(prefix, time.Now())
	}
	for _, branch := range branches {
		existing[branch.Name] = true
	}

	name := deriveBranchName(prefix, taskDescription, existing, time.Now())
	log.Debug("Derived branch name %q for task %q", name, taskDescription)
	return name
}
