// Package status sanitizes session and run failure messages before they are
// persisted or returned to API clients. Raw driver errors can leak pod names,
// node addresses and credentials; callers pass them through the sanitizer and
// store only the cleaned text.
package status

import (
	"regexp"
	"strings"
)

// SanitizedError represents a user-friendly error message with suggestions.
type SanitizedError struct {
	// UserMessage is the user-friendly error message
	UserMessage string `json:"userMessage"`
	// Suggestion provides actionable advice for the user
	Suggestion string `json:"suggestion"`
	// ErrorCode is a unique code for this error type
	ErrorCode string `json:"errorCode"`
}

// sensitivePattern represents a pattern for sensitive information
type sensitivePattern struct {
	pattern     *regexp.Regexp
	replacement string
	description string
}

// SessionErrorMappings maps session failure reasons to user-facing messages.
// The reasons cover the container states the pod driver surfaces.
var SessionErrorMappings = map[string]SanitizedError{
	"ImagePullBackOff": {
		UserMessage: "Session image pull failed, system is retrying",
		Suggestion:  "Please check if the session image name is correct and accessible",
		ErrorCode:   "SES_IMG_PULL_BACKOFF",
	},
	"ErrImagePull": {
		UserMessage: "Failed to pull the session image",
		Suggestion:  "Please verify the image exists. For private images, configure access credentials",
		ErrorCode:   "SES_IMG_PULL_ERROR",
	},
	"CrashLoopBackOff": {
		UserMessage: "Session agent keeps crashing after start",
		Suggestion:  "Please check the session image's agent process and its logs",
		ErrorCode:   "SES_CRASH_LOOP",
	},
	"OOMKilled": {
		UserMessage: "Session ran out of memory",
		Suggestion:  "Please request a larger memory profile for this task",
		ErrorCode:   "SES_OOM_KILLED",
	},
	"Evicted": {
		UserMessage: "Session was evicted from its host",
		Suggestion:  "The host ran out of resources. Please retry; placement will choose another host",
		ErrorCode:   "SES_EVICTED",
	},
	"DeadlineExceeded": {
		UserMessage: "Session did not become ready in time",
		Suggestion:  "Please retry. If this persists, check the session image startup time",
		ErrorCode:   "SES_READY_TIMEOUT",
	},
}

// Sanitizer removes sensitive information from failure messages and maps
// known failure reasons to user-friendly messages.
type Sanitizer struct {
	sensitivePatterns []*sensitivePattern
}

// NewSanitizer creates a sanitizer with the default sensitive patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		sensitivePatterns: []*sensitivePattern{
			{
				pattern:     regexp.MustCompile(`Bearer\s+[A-Za-z0-9._\-]+`),
				replacement: "Bearer [REDACTED]",
				description: "bearer tokens",
			},
			{
				pattern:     regexp.MustCompile(`(?i)(password|token|secret|api[_-]?key)(["':=\s]+)[^\s"',;]+`),
				replacement: "$1$2[REDACTED]",
				description: "credential assignments",
			},
			{
				pattern:     regexp.MustCompile(`deskgrid-session-[0-9a-fA-F\-]+`),
				replacement: "[SESSION]",
				description: "session pod names",
			},
			{
				pattern:     regexp.MustCompile(`https?://[^\s"']+`),
				replacement: "[URL]",
				description: "internal URLs",
			},
			{
				pattern:     regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d{1,5})?\b`),
				replacement: "[ADDR]",
				description: "IP addresses and ports",
			},
			{
				pattern:     regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),
				replacement: "[REDACTED]",
				description: "long hex tokens",
			},
		},
	}
}

// Sanitize strips sensitive information from a failure message. The result
// is stable: sanitizing twice yields the same string.
func (s *Sanitizer) Sanitize(message string) string {
	if message == "" {
		return ""
	}
	out := message
	for _, p := range s.sensitivePatterns {
		out = p.pattern.ReplaceAllString(out, p.replacement)
	}
	return strings.TrimSpace(out)
}

// MapReason resolves a known failure reason to its user-facing error. The
// second return reports whether the reason was recognized.
func (s *Sanitizer) MapReason(reason string) (SanitizedError, bool) {
	mapped, ok := SessionErrorMappings[reason]
	return mapped, ok
}

// Describe produces the message stored for a failure: the mapped user
// message for known reasons, otherwise the sanitized raw message.
func (s *Sanitizer) Describe(reason, message string) string {
	if mapped, ok := s.MapReason(reason); ok {
		return mapped.UserMessage
	}
	return s.Sanitize(message)
}
