// Package branch normalizes free-text task titles into branch identifiers and
// validates them against the allowed category prefixes.
package branch

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/joescharf/forge/internal/models"
)

const (
	// MaxLength is the longest normalized branch name accepted.
	MaxLength = 50
	// MaxSegments is the most hyphen-separated segments accepted (prefix + 4 words).
	MaxSegments = 5
	// Main is the reserved name of the primary workspace branch.
	Main = "main"
)

// ErrInvalidName is wrapped by every ValidationError.
var ErrInvalidName = errors.New("invalid branch name")

var (
	separatorRe   = regexp.MustCompile(`[\s_]+`)
	unsafeRe      = regexp.MustCompile(`[^a-z0-9-]`)
	multiHyphenRe = regexp.MustCompile(`-{2,}`)
)

// workPrefixes are the conventional change-type prefixes.
var workPrefixes = []string{"feat", "fix", "refactor", "docs", "test", "chore"}

// categories are the team prefixes used for smart grouping.
var categories = []models.Category{
	{ID: "frontend", Name: "Frontend", Team: "web", Color: "#3b82f6"},
	{ID: "backend", Name: "Backend", Team: "platform", Color: "#10b981"},
	{ID: "api", Name: "API", Team: "platform", Color: "#14b8a6"},
	{ID: "infra", Name: "Infrastructure", Team: "ops", Color: "#f59e0b"},
	{ID: "devops", Name: "DevOps", Team: "ops", Color: "#f97316"},
	{ID: "data", Name: "Data", Team: "data", Color: "#8b5cf6"},
	{ID: "mobile", Name: "Mobile", Team: "mobile", Color: "#ec4899"},
	{ID: "design", Name: "Design", Team: "design", Color: "#e11d48"},
	{ID: "security", Name: "Security", Team: "security", Color: "#ef4444"},
	{ID: "qa", Name: "QA", Team: "quality", Color: "#6366f1"},
}

// Result is the outcome of validating one branch name.
type Result struct {
	Valid          bool     `json:"valid"`
	Input          string   `json:"input"`
	NormalizedName string   `json:"normalized_name"`
	Prefix         string   `json:"prefix,omitempty"`
	Errors         []string `json:"errors,omitempty"`
	Suggestions    []string `json:"suggestions,omitempty"`
}

// ValidationError reports every problem found with a branch name.
type ValidationError struct {
	Name        string
	Problems    []string
	Suggestions []string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid branch name %q: %s", e.Name, strings.Join(e.Problems, "; "))
	if len(e.Suggestions) > 0 {
		msg += fmt.Sprintf(" (try %s)", strings.Join(e.Suggestions, ", "))
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return ErrInvalidName }

// Normalize lowercases title, turns spaces and underscores into hyphens,
// drops characters outside [a-z0-9-], and collapses and trims hyphens.
func Normalize(title string) string {
	s := strings.ToLower(title)
	s = separatorRe.ReplaceAllString(s, "-")
	s = unsafeRe.ReplaceAllString(s, "")
	s = multiHyphenRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Prefixes returns every allowed leading segment, including main.
func Prefixes() []string {
	out := []string{Main}
	out = append(out, workPrefixes...)
	for _, c := range categories {
		out = append(out, c.ID)
	}
	return out
}

// Categories returns the smart-category tags keyed by team prefix.
func Categories() []models.Category {
	return append([]models.Category(nil), categories...)
}

// CategoryFor returns the smart category for a branch name's prefix.
func CategoryFor(name string) (models.Category, bool) {
	p := prefixOf(Normalize(name))
	for _, c := range categories {
		if c.ID == p {
			return c, true
		}
	}
	return models.Category{}, false
}

func isAllowedPrefix(p string) bool {
	return slices.Contains(Prefixes(), p)
}

func prefixOf(normalized string) string {
	p, _, _ := strings.Cut(normalized, "-")
	return p
}

// Validate normalizes name and reports every rule it breaks. It never
// truncates; over-long names are reported, with a shortened suggestion.
func Validate(name string) Result {
	n := Normalize(name)
	r := Result{Input: name, NormalizedName: n}
	if n == "" {
		r.Errors = append(r.Errors, "name is empty after normalization")
		r.Suggestions = append(r.Suggestions, Suggest(name))
		return r
	}
	if n == Main {
		r.Valid = true
		r.Prefix = Main
		return r
	}

	segs := strings.Split(n, "-")
	if len(n) > MaxLength {
		r.Errors = append(r.Errors, fmt.Sprintf("name is %d characters, maximum is %d", len(n), MaxLength))
	}
	if len(segs) > MaxSegments {
		r.Errors = append(r.Errors, fmt.Sprintf("name has %d segments, maximum is %d (prefix + 4 words)", len(segs), MaxSegments))
	}
	p := segs[0]
	if isAllowedPrefix(p) {
		r.Prefix = p
	} else {
		r.Errors = append(r.Errors, fmt.Sprintf("prefix %q is not one of %s", p, strings.Join(Prefixes(), ", ")))
	}

	if len(r.Errors) == 0 {
		r.Valid = true
		return r
	}
	if s := Suggest(name); s != n {
		r.Suggestions = append(r.Suggestions, s)
	}
	if r.Prefix == "" {
		inferred := inferPrefix(segs)
		for _, alt := range []string{inferred, "feat"} {
			s := compose(alt, segs)
			if !slices.Contains(r.Suggestions, s) {
				r.Suggestions = append(r.Suggestions, s)
			}
		}
	}
	return r
}

// Check returns a *ValidationError when name is not valid.
func Check(name string) error {
	r := Validate(name)
	if r.Valid {
		return nil
	}
	return &ValidationError{Name: name, Problems: r.Errors, Suggestions: r.Suggestions}
}

// Suggest returns a valid branch name derived from a free-text title.
func Suggest(title string) string {
	n := Normalize(title)
	if n == "" {
		return "feat-untitled"
	}
	segs := strings.Split(n, "-")
	if isAllowedPrefix(segs[0]) && segs[0] != Main {
		return compose(segs[0], segs[1:])
	}
	return compose(inferPrefix(segs), segs)
}

// compose joins prefix and up to four words, dropping trailing words until the
// result fits MaxLength.
func compose(prefix string, words []string) string {
	var kept []string
	for _, w := range words {
		if w == "" || w == prefix {
			continue
		}
		kept = append(kept, w)
		if len(kept) == MaxSegments-1 {
			break
		}
	}
	for len(kept) > 0 {
		s := prefix + "-" + strings.Join(kept, "-")
		if len(s) <= MaxLength {
			return s
		}
		if len(kept) == 1 {
			return strings.Trim(s[:MaxLength], "-")
		}
		kept = kept[:len(kept)-1]
	}
	return prefix + "-update"
}

var prefixHints = []struct {
	prefix string
	words  []string
}{
	{"fix", []string{"bug", "bugs", "error", "errors", "crash", "broken", "fix", "fixes", "issue", "regression", "fail", "failing", "wrong"}},
	{"docs", []string{"doc", "docs", "documentation", "readme", "guide", "changelog"}},
	{"test", []string{"test", "tests", "testing", "coverage", "spec", "e2e"}},
	{"refactor", []string{"refactor", "cleanup", "restructure", "simplify", "rename", "extract"}},
	{"chore", []string{"chore", "deps", "dependency", "dependencies", "bump", "upgrade", "ci", "lint", "config"}},
}

// inferPrefix picks a change-type prefix from hint words in segs, defaulting to feat.
func inferPrefix(segs []string) string {
	for _, h := range prefixHints {
		for _, s := range segs {
			if slices.Contains(h.words, s) {
				return h.prefix
			}
		}
	}
	return "feat"
}
