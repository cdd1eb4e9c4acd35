package codec

import (
	"testing"

	"deskgrid/internal/model"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_EncodeDecodeRoundTrip verifies that Decode(Encode(cmd))
// reproduces the command for every valid command in the vocabulary.
func TestProperty_EncodeDecodeRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("pointer commands round-trip", prop.ForAll(
		func(kindIdx, x, y int) bool {
			kinds := []model.ActionKind{model.ActionClick, model.ActionDoubleClick, model.ActionRightClick}
			cmd := &model.ActionCommand{Kind: kinds[kindIdx%len(kinds)], X: x, Y: y, Rationale: "r"}
			return roundTrips(cmd)
		},
		gen.IntRange(0, 2),
		gen.IntRange(0, 4096),
		gen.IntRange(0, 4096),
	))

	properties.Property("type_text round-trips for arbitrary text", prop.ForAll(
		func(text string) bool {
			if len(text) > MaxTextLen {
				text = text[:MaxTextLen]
			}
			cmd := &model.ActionCommand{Kind: model.ActionTypeText, Text: text}
			return roundTrips(cmd)
		},
		gen.RegexMatch(`[a-zA-Z0-9 ,.!?"'\\]{0,64}`),
	))

	properties.Property("press_key round-trips", prop.ForAll(
		func(key string) bool {
			cmd := &model.ActionCommand{Kind: model.ActionPressKey, Key: key}
			return roundTrips(cmd)
		},
		gen.RegexMatch(`[a-zA-Z0-9+_-]{1,16}`),
	))

	properties.Property("scroll round-trips with signed delta", prop.ForAll(
		func(x, y, delta int) bool {
			cmd := &model.ActionCommand{Kind: model.ActionScroll, X: x, Y: y, Delta: delta}
			return roundTrips(cmd)
		},
		gen.IntRange(0, 4096),
		gen.IntRange(0, 4096),
		gen.IntRange(-100, 100),
	))

	properties.Property("drag round-trips", prop.ForAll(
		func(x, y, toX, toY int) bool {
			cmd := &model.ActionCommand{Kind: model.ActionDrag, X: x, Y: y, ToX: toX, ToY: toY}
			return roundTrips(cmd)
		},
		gen.IntRange(0, 4096),
		gen.IntRange(0, 4096),
		gen.IntRange(0, 4096),
		gen.IntRange(0, 4096),
	))

	properties.Property("wait round-trips", prop.ForAll(
		func(ms int) bool {
			cmd := &model.ActionCommand{Kind: model.ActionWait, WaitMS: ms}
			return roundTrips(cmd)
		},
		gen.IntRange(0, 600000),
	))

	properties.TestingRun(t)
}

// TestProperty_DecodeNeverPanics feeds arbitrary byte soup through the
// decoder. Any outcome is acceptable as long as it is a value or an error.
func TestProperty_DecodeNeverPanics(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300

	properties := gopter.NewProperties(parameters)

	properties.Property("decode returns a value or an error", prop.ForAll(
		func(payload string) bool {
			cmd, err := Decode(payload)
			return (cmd != nil) != (err != nil)
		},
		gen.AnyString(),
	))

	properties.Property("decode of wrapped garbage returns a value or an error", prop.ForAll(
		func(inner string) bool {
			cmd, err := Decode("<think>x</think><action>" + inner + "</action>")
			return (cmd != nil) != (err != nil)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func roundTrips(cmd *model.ActionCommand) bool {
	wire, err := Encode(cmd)
	if err != nil {
		return false
	}
	decoded, err := Decode(wire)
	if err != nil {
		return false
	}
	decoded.Rationale = cmd.Rationale
	return *decoded == *cmd
}
