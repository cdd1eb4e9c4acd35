package model

// StepResult is the immutable outcome of one accepted step.
type StepResult struct {
	Success     bool        `json:"success"`
	Observation Observation `json:"observation"`
	Done        bool        `json:"done"`
	Reward      *float64    `json:"reward,omitempty"`
	Error       string      `json:"error,omitempty"`
}
