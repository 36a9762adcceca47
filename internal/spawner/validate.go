package spawner

import (
	"path/filepath"
	"regexp"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/hochfrequenz/agent-fleet/internal/domain"
)

// Branch names flow into git and tmux argv; the allowed charset keeps
// them inert everywhere they travel.
var branchCharset = regexp.MustCompile(`^[A-Za-z0-9/_.-]+$`)

const maxBranchBytes = 128

// ValidateBranch rejects branch names that are empty, too long, or
// contain anything outside [A-Za-z0-9/_.-]. Shell metacharacters,
// whitespace, control characters and NUL all fail the charset rule.
func ValidateBranch(branch string) error {
	switch {
	case branch == "":
		return &domain.BranchInvalidError{Branch: branch, Rule: "must not be empty"}
	case len(branch) > maxBranchBytes:
		return &domain.BranchInvalidError{Branch: branch, Rule: "exceeds 128 bytes"}
	case strings.ContainsRune(branch, 0):
		return &domain.BranchInvalidError{Branch: branch, Rule: "contains NUL"}
	case !branchCharset.MatchString(branch):
		return &domain.BranchInvalidError{Branch: branch, Rule: "contains characters outside [A-Za-z0-9/_.-]"}
	}
	return nil
}

// ContainWorktreePath verifies that path, after normalization, is equal
// to or strictly inside base. A lexical prefix that is not a path-segment
// match (/base-evil vs /base) is rejected. Returns the contained path.
func ContainWorktreePath(base, path string) (string, error) {
	base = filepath.Clean(base)
	cleaned := filepath.Clean(path)

	if cleaned == base {
		return cleaned, nil
	}

	rel, err := filepath.Rel(base, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &domain.PathTraversalError{Path: path, Base: base}
	}

	// SecureJoin re-resolves the relative part inside base so a symlink
	// component cannot escape either.
	joined, err := securejoin.SecureJoin(base, rel)
	if err != nil {
		return "", &domain.PathTraversalError{Path: path, Base: base}
	}
	return joined, nil
}
