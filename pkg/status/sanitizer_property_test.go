package status

import (
	"fmt"
	"regexp"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

func TestSanitizerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	s := NewSanitizer()

	properties.Property("never panics on arbitrary input", prop.ForAll(
		func(msg string) bool {
			_ = s.Sanitize(msg)
			return true
		},
		gen.AnyString(),
	))

	properties.Property("idempotent", prop.ForAll(
		func(msg string) bool {
			once := s.Sanitize(msg)
			return s.Sanitize(once) == once
		},
		gen.AnyString(),
	))

	properties.Property("no IPv4 address survives", prop.ForAll(
		func(a, b, c, d uint8, prefix, suffix string) bool {
			msg := fmt.Sprintf("%s %d.%d.%d.%d %s", prefix, a, b, c, d, suffix)
			return !ipPattern.MatchString(s.Sanitize(msg))
		},
		gen.UInt8(), gen.UInt8(), gen.UInt8(), gen.UInt8(),
		gen.RegexMatch(`[a-z ]{0,20}`), gen.RegexMatch(`[a-z ]{0,20}`),
	))

	properties.Property("no session pod name survives", prop.ForAll(
		func(id string) bool {
			msg := "pod deskgrid-session-" + id + " crashed"
			out := s.Sanitize(msg)
			return !regexp.MustCompile(`deskgrid-session-[0-9a-f]`).MatchString(out)
		},
		gen.RegexMatch(`[0-9a-f]{8}`),
	))

	properties.TestingRun(t)
}
