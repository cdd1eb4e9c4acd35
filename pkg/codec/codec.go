// Package codec parses the "rationale + command" wire payload into an
// ActionCommand and serializes step results back into the wire response
// format. Parsing is pure: a rejected payload is never partially applied.
package codec

import (
	"fmt"
	"strconv"
	"strings"

	"deskgrid/internal/model"
	"deskgrid/pkg/faults"
)

const (
	thinkOpen   = "<think>"
	thinkClose  = "</think>"
	actionOpen  = "<action>"
	actionClose = "</action>"

	// MaxTextLen bounds the type_text argument.
	MaxTextLen = 2048
	// MaxKeyLen bounds the press_key argument.
	MaxKeyLen = 64
)

// argKind describes one positional argument of a vocabulary entry.
type argKind int

const (
	argCoord  argKind = iota // non-negative integer
	argSigned                // signed integer
	argString                // quoted string
)

// vocabulary is the closed set of recognized commands with their fixed,
// ordered argument lists. Any other name or arity is malformed.
var vocabulary = map[model.ActionKind][]argKind{
	model.ActionClick:       {argCoord, argCoord},
	model.ActionDoubleClick: {argCoord, argCoord},
	model.ActionRightClick:  {argCoord, argCoord},
	model.ActionTypeText:    {argString},
	model.ActionPressKey:    {argString},
	model.ActionScroll:      {argCoord, argCoord, argSigned},
	model.ActionDrag:        {argCoord, argCoord, argCoord, argCoord},
	model.ActionWait:        {argCoord},
}

// Decode parses a wire payload into an ActionCommand. The payload must carry
// both the rationale segment and the command segment; the command segment
// must contain exactly one call from the action vocabulary.
func Decode(payload string) (*model.ActionCommand, error) {
	rationale, err := segment(payload, thinkOpen, thinkClose)
	if err != nil {
		return nil, err
	}
	command, err := segment(payload, actionOpen, actionClose)
	if err != nil {
		return nil, err
	}

	cmd, err := parseCall(strings.TrimSpace(command))
	if err != nil {
		return nil, err
	}
	cmd.Rationale = strings.TrimSpace(rationale)
	return cmd, nil
}

// Encode serializes an ActionCommand back into the wire payload format.
// Decode(Encode(cmd)) yields an equivalent command for every valid command.
// A rationale embedding the sentinel markers cannot round-trip and is
// rejected.
func Encode(cmd *model.ActionCommand) (string, error) {
	if strings.Contains(cmd.Rationale, thinkClose) || strings.Contains(cmd.Rationale, actionOpen) {
		return "", fmt.Errorf("%w: rationale contains a sentinel marker", faults.ErrMalformedAction)
	}
	call, err := formatCall(cmd)
	if err != nil {
		return "", err
	}
	return thinkOpen + cmd.Rationale + thinkClose + "\n" + actionOpen + call + actionClose, nil
}

func segment(payload, open, close string) (string, error) {
	start := strings.Index(payload, open)
	if start < 0 {
		return "", fmt.Errorf("%w: missing %s segment", faults.ErrMalformedAction, open)
	}
	rest := payload[start+len(open):]
	end := strings.Index(rest, close)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated %s segment", faults.ErrMalformedAction, open)
	}
	return rest[:end], nil
}

func parseCall(call string) (*model.ActionCommand, error) {
	lparen := strings.IndexByte(call, '(')
	if lparen < 0 || !strings.HasSuffix(call, ")") {
		return nil, fmt.Errorf("%w: command %q is not a function call", faults.ErrMalformedAction, call)
	}

	name := strings.TrimSpace(call[:lparen])
	kinds, ok := vocabulary[model.ActionKind(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %q", faults.ErrMalformedAction, name)
	}

	rawArgs, err := splitArgs(call[lparen+1 : len(call)-1])
	if err != nil {
		return nil, err
	}
	if len(rawArgs) != len(kinds) {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d",
			faults.ErrMalformedAction, name, len(kinds), len(rawArgs))
	}

	ints := make([]int, 0, len(kinds))
	strs := make([]string, 0, 1)
	for i, kind := range kinds {
		arg := strings.TrimSpace(rawArgs[i])
		switch kind {
		case argCoord:
			n, err := strconv.Atoi(arg)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: %s argument %d must be a non-negative integer, got %q",
					faults.ErrMalformedAction, name, i+1, arg)
			}
			ints = append(ints, n)
		case argSigned:
			n, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("%w: %s argument %d must be an integer, got %q",
					faults.ErrMalformedAction, name, i+1, arg)
			}
			ints = append(ints, n)
		case argString:
			s, err := unquote(arg)
			if err != nil {
				return nil, fmt.Errorf("%w: %s argument %d must be a quoted string",
					faults.ErrMalformedAction, name, i+1)
			}
			strs = append(strs, s)
		}
	}

	cmd := &model.ActionCommand{Kind: model.ActionKind(name)}
	switch cmd.Kind {
	case model.ActionClick, model.ActionDoubleClick, model.ActionRightClick:
		cmd.X, cmd.Y = ints[0], ints[1]
	case model.ActionTypeText:
		if len(strs[0]) > MaxTextLen {
			return nil, fmt.Errorf("%w: type_text argument exceeds %d bytes", faults.ErrMalformedAction, MaxTextLen)
		}
		cmd.Text = strs[0]
	case model.ActionPressKey:
		if strs[0] == "" || len(strs[0]) > MaxKeyLen {
			return nil, fmt.Errorf("%w: press_key argument must be 1..%d bytes", faults.ErrMalformedAction, MaxKeyLen)
		}
		cmd.Key = strs[0]
	case model.ActionScroll:
		cmd.X, cmd.Y, cmd.Delta = ints[0], ints[1], ints[2]
	case model.ActionDrag:
		cmd.X, cmd.Y, cmd.ToX, cmd.ToY = ints[0], ints[1], ints[2], ints[3]
	case model.ActionWait:
		cmd.WaitMS = ints[0]
	}
	return cmd, nil
}

func formatCall(cmd *model.ActionCommand) (string, error) {
	switch cmd.Kind {
	case model.ActionClick, model.ActionDoubleClick, model.ActionRightClick:
		return fmt.Sprintf("%s(%d, %d)", cmd.Kind, cmd.X, cmd.Y), nil
	case model.ActionTypeText:
		return fmt.Sprintf("%s(%s)", cmd.Kind, strconv.Quote(cmd.Text)), nil
	case model.ActionPressKey:
		return fmt.Sprintf("%s(%s)", cmd.Kind, strconv.Quote(cmd.Key)), nil
	case model.ActionScroll:
		return fmt.Sprintf("%s(%d, %d, %d)", cmd.Kind, cmd.X, cmd.Y, cmd.Delta), nil
	case model.ActionDrag:
		return fmt.Sprintf("%s(%d, %d, %d, %d)", cmd.Kind, cmd.X, cmd.Y, cmd.ToX, cmd.ToY), nil
	case model.ActionWait:
		return fmt.Sprintf("%s(%d)", cmd.Kind, cmd.WaitMS), nil
	default:
		return "", fmt.Errorf("%w: unknown action kind %q", faults.ErrMalformedAction, cmd.Kind)
	}
}

// splitArgs splits a positional argument list at top-level commas,
// respecting quoted strings (which may themselves contain commas).
func splitArgs(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var args []string
	var buf strings.Builder
	var quote byte
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			buf.WriteByte(c)
			escaped = false
		case quote != 0 && c == '\\':
			buf.WriteByte(c)
			escaped = true
		case quote != 0:
			buf.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			buf.WriteByte(c)
			quote = c
		case c == ',':
			args = append(args, buf.String())
			buf.Reset()
		default:
			buf.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unterminated string literal", faults.ErrMalformedAction)
	}
	args = append(args, buf.String())
	return args, nil
}

// unquote accepts single- or double-quoted string literals.
func unquote(s string) (string, error) {
	if len(s) < 2 {
		return "", fmt.Errorf("not a string literal")
	}
	if s[0] == '\'' && s[len(s)-1] == '\'' {
		// Normalize to double quotes for strconv; escaped single quotes
		// become plain, inner double quotes get escaped.
		inner := s[1 : len(s)-1]
		inner = strings.ReplaceAll(inner, `\'`, `'`)
		inner = strings.ReplaceAll(inner, `"`, `\"`)
		s = `"` + inner + `"`
	}
	if s[0] != '"' {
		return "", fmt.Errorf("not a string literal")
	}
	return strconv.Unquote(s)
}
