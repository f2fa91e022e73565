// Package pathutil provides name slugging, branch-name validation and path
// safety checks.
package pathutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/orgflow/orgflow/pkg/errclass"
)

var branchNameRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Slug folds s into a lowercase, hyphen-separated token made of [a-z0-9].
// Accents are stripped ("Zoë" -> "zoe"); runs of other characters become a
// single hyphen. The result is cut to max bytes when max > 0.
func Slug(s string, max int) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}

	out := strings.Trim(b.String(), "-")
	if max > 0 && len(out) > max {
		out = strings.TrimRight(out[:max], "-")
	}
	return out
}

// ValidateBranchName checks that name is a well-formed work branch name:
// lowercase hyphen-separated [a-z0-9] tokens, starting with prefix-, at most
// maxLen bytes, and free of anything the VCS would reject.
func ValidateBranchName(name, prefix string, maxLen int) error {
	var reasons []string

	if name == "" {
		return errclass.ErrNameInvalid.WithMessage("name must not be empty")
	}
	if norm.NFC.String(name) != name {
		reasons = append(reasons, "name is not NFC normalized")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			reasons = append(reasons, "name contains control characters")
			break
		}
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") ||
		strings.HasSuffix(name, ".lock") || strings.ContainsAny(name, `/\ ~^:?*[`) {
		reasons = append(reasons, "name contains characters the VCS rejects")
	}
	if !branchNameRegex.MatchString(name) {
		reasons = append(reasons, "name must be lowercase hyphen-separated [a-z0-9] tokens")
	}
	if prefix != "" && !strings.HasPrefix(name, prefix+"-") {
		reasons = append(reasons, "name must start with reserved prefix "+prefix+"-")
	}
	if maxLen > 0 && len(name) > maxLen {
		reasons = append(reasons, "name exceeds maximum length")
	}

	if len(reasons) > 0 {
		return errclass.ErrNameInvalid.WithMessagef("invalid branch name %q", name).WithReasons(reasons...)
	}
	return nil
}

// NormalizeRepoPath returns p as an absolute, cleaned path with symlinks
// resolved in every existing ancestor. Per-repository state is keyed by it,
// so a working copy reached through a symlink maps to the same key.
func NormalizeRepoPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	var missing []string
	for cur := abs; ; {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		missing = append([]string{filepath.Base(cur)}, missing...)
		cur = parent
	}
}

// EnsureWithin returns errclass.ErrPathEscape unless target lies inside
// root once both are normalized.
func EnsureWithin(root, target string) error {
	r, err := NormalizeRepoPath(root)
	if err != nil {
		return errclass.ErrPathEscape.WithMessagef("resolve %s", root).Wrap(err)
	}
	t, err := NormalizeRepoPath(target)
	if err != nil {
		return errclass.ErrPathEscape.WithMessagef("resolve %s", target).Wrap(err)
	}
	rel, err := filepath.Rel(r, t)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errclass.ErrPathEscape.WithMessagef("%s is outside %s", target, root)
	}
	return nil
}
