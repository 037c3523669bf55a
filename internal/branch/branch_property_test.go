package branch

import (
	"reflect"
	"regexp"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

var safeName = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

func TestProperty_NormalizeIsIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		in := rapid.String().Draw(rt, "input")
		n := Normalize(in)
		if Normalize(n) != n {
			rt.Fatalf("Normalize(%q) = %q is not a fixed point", in, n)
		}
		if n != "" && !safeName.MatchString(n) {
			rt.Fatalf("Normalize(%q) = %q contains unsafe characters", in, n)
		}
	})
}

func TestProperty_ValidateIsDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		in := rapid.String().Draw(rt, "input")
		a, b := Validate(in), Validate(in)
		if !reflect.DeepEqual(a, b) {
			rt.Fatalf("Validate(%q) not deterministic: %+v vs %+v", in, a, b)
		}
		n := Normalize(in)
		if got := Validate(n).NormalizedName; got != n {
			rt.Fatalf("Validate(Normalize(%q)).NormalizedName = %q, want %q", in, got, n)
		}
	})
}

func TestProperty_SuggestAlwaysValid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		in := rapid.StringMatching(`[A-Za-z0-9 _!.-]{0,120}`).Draw(rt, "title")
		s := Suggest(in)
		r := Validate(s)
		if !r.Valid {
			rt.Fatalf("Suggest(%q) = %q is invalid: %v", in, s, r.Errors)
		}
		if strings.Count(s, "-")+1 > MaxSegments || len(s) > MaxLength {
			rt.Fatalf("Suggest(%q) = %q exceeds limits", in, s)
		}
	})
}
