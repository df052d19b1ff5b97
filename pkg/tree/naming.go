package tree

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// MaxNameLength is the maximum node name length in runes.
const MaxNameLength = 255

// invalidNameChars are rejected anywhere in a node name.
const invalidNameChars = `\<>:"/|*?`

// NormalizeName trims surrounding whitespace and applies NFC normalization.
// All names are normalized before validation and storage so equality and
// uniqueness checks see one canonical form.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// ValidateName checks a normalized node name. Returns an InvalidArgument
// error describing the first violation.
func ValidateName(name string) error {
	if name == "" {
		return errf(CodeInvalidArgument, "", "node name must not be empty")
	}
	if name == "." || name == ".." {
		return errf(CodeInvalidArgument, name, "node name is reserved")
	}
	if n := len([]rune(name)); n > MaxNameLength {
		return errf(CodeInvalidArgument, name, "node name exceeds %d characters (%d)", MaxNameLength, n)
	}
	if i := strings.IndexAny(name, invalidNameChars); i >= 0 {
		return errf(CodeInvalidArgument, name, "node name contains invalid character %q", name[i])
	}
	return nil
}

// junkExact are OS artifact names force-deleted regardless of the force flag.
var junkExact = map[string]bool{
	".ds_store":   true,
	"thumbs.db":   true,
	"desktop.ini": true,
	".directory":  true,
}

// junkPrefixes mark temporary files written by editors and office suites.
var junkPrefixes = []string{"._", "~$", ".~lock."}

// junkSuffixes mark scratch files that never belong in the trash.
var junkSuffixes = []string{".tmp", ".swp", ".swx", ".crdownload", ".part"}

// IsJunkName reports whether the name matches a known junk-file pattern.
// Deleting a junk-named node always bypasses the trash.
func IsJunkName(name string) bool {
	lower := strings.ToLower(name)
	if junkExact[lower] {
		return true
	}
	for _, p := range junkPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	for _, s := range junkSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// ConflictPolicy selects how a name collision is resolved on create, move,
// copy and undelete.
type ConflictPolicy int

const (
	// NoAction fails the operation with a Conflict error.
	NoAction ConflictPolicy = iota

	// Rename picks a new unique name by suffixing a short token.
	Rename

	// Merge combines with the existing node: files are overwritten in place,
	// collections are reused as the target.
	Merge
)

// String returns the policy name.
func (p ConflictPolicy) String() string {
	switch p {
	case Rename:
		return "rename"
	case Merge:
		return "merge"
	default:
		return "noaction"
	}
}

// renameCandidate derives a new name by inserting a short unique token before
// the extension: "report.txt" becomes "report-1a2b3c4d.txt".
func renameCandidate(name string) string {
	token := uuid.NewString()[:8]
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return base + "-" + token + ext
}
