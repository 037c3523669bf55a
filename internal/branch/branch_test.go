package branch

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Fix Login Bug!! ", "fix-login-bug"},
		{"feat_add_payments", "feat-add-payments"},
		{"docs -- update README", "docs-update-readme"},
		{"Ünïcode Title", "ncode-title"},
		{"---", ""},
		{"", ""},
		{"main", "main"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestValidate_FixPrefix(t *testing.T) {
	r := Validate("  Fix Login Bug!! ")
	assert.True(t, r.Valid)
	assert.Equal(t, "fix-login-bug", r.NormalizedName)
	assert.Equal(t, "fix", r.Prefix)
	assert.Empty(t, r.Errors)
}

func TestValidate_Main(t *testing.T) {
	r := Validate("Main")
	assert.True(t, r.Valid)
	assert.Equal(t, "main", r.NormalizedName)
}

func TestValidate_MainAsPrefix(t *testing.T) {
	for _, in := range []string{"main-hotfix", "Main Hotfix", "main_release-notes"} {
		r := Validate(in)
		assert.True(t, r.Valid, "%s: %v", in, r.Errors)
		assert.Equal(t, Main, r.Prefix)
		assert.NoError(t, Check(in))
	}
	assert.Equal(t, "main-hotfix", Validate("main-hotfix").NormalizedName, "only the exact name is reserved")
}

func TestValidate_TeamPrefix(t *testing.T) {
	r := Validate("frontend-login-page")
	assert.True(t, r.Valid)
	assert.Equal(t, "frontend", r.Prefix)
}

func TestValidate_UnknownPrefixSuggestsFix(t *testing.T) {
	r := Validate("login error on submit")
	assert.False(t, r.Valid)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "prefix")
	assert.Contains(t, r.Suggestions, "fix-login-error-on-submit")
	assert.Contains(t, r.Suggestions, "feat-login-error-on-submit")
}

func TestValidate_TooManySegments(t *testing.T) {
	r := Validate("feat-one-two-three-four-five")
	assert.False(t, r.Valid)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "segments")
	assert.Contains(t, r.Suggestions, "feat-one-two-three-four")
}

func TestValidate_TooLongAndTooManySegmentsAreDistinct(t *testing.T) {
	name := "feat-" + strings.Repeat("a", 20) + "-" + strings.Repeat("b", 20) + "-c-d-e"
	r := Validate(name)
	assert.False(t, r.Valid)
	assert.Len(t, r.Errors, 2)
	for _, s := range r.Suggestions {
		assert.True(t, Validate(s).Valid, "suggestion %q should be valid", s)
	}
}

func TestValidate_Empty(t *testing.T) {
	r := Validate("!!!")
	assert.False(t, r.Valid)
	assert.Equal(t, []string{"feat-untitled"}, r.Suggestions)
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check("chore-bump-deps"))

	err := Check("payments")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidName))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "payments", ve.Name)
	assert.Contains(t, err.Error(), "try feat-payments")
}

func TestSuggest(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Add payments page", "feat-add-payments-page"},
		{"Crash when saving profile", "fix-crash-when-saving-profile"},
		{"Update the README for install steps", "docs-update-the-readme-for"},
		{"refactor store layer", "refactor-store-layer"},
		{"main", "feat-main"},
		{"", "feat-untitled"},
		{strings.Repeat("x", 80), "feat-" + strings.Repeat("x", 45)},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := Suggest(tt.in)
			assert.Equal(t, tt.want, got)
			assert.True(t, Validate(got).Valid)
		})
	}
}

func TestCategoryFor(t *testing.T) {
	c, ok := CategoryFor("backend-cache-layer")
	require.True(t, ok)
	assert.Equal(t, "platform", c.Team)

	_, ok = CategoryFor("fix-login")
	assert.False(t, ok)
}

func TestPrefixes_IncludeMainAndCategories(t *testing.T) {
	p := Prefixes()
	assert.Equal(t, "main", p[0])
	assert.Contains(t, p, "feat")
	assert.Contains(t, p, "security")
	assert.Len(t, p, 1+len(workPrefixes)+len(Categories()))
}
