package model

// ActionKind discriminates the closed action vocabulary.
type ActionKind string

const (
	ActionClick       ActionKind = "click"
	ActionDoubleClick ActionKind = "double_click"
	ActionRightClick  ActionKind = "right_click"
	ActionTypeText    ActionKind = "type_text"
	ActionPressKey    ActionKind = "press_key"
	ActionScroll      ActionKind = "scroll"
	ActionDrag        ActionKind = "drag"
	ActionWait        ActionKind = "wait"
)

// ActionCommand is one decoded user-interface operation. Kind selects the
// variant; only the fields belonging to that variant are meaningful.
type ActionCommand struct {
	Kind ActionKind `json:"kind"`

	// click / double_click / right_click / scroll / drag origin
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	// drag destination
	ToX int `json:"to_x,omitempty"`
	ToY int `json:"to_y,omitempty"`

	// scroll wheel delta (signed, negative scrolls down)
	Delta int `json:"delta,omitempty"`

	// type_text
	Text string `json:"text,omitempty"`

	// press_key
	Key string `json:"key,omitempty"`

	// wait duration in milliseconds
	WaitMS int `json:"wait_ms,omitempty"`

	// Rationale is the free-form reasoning segment that accompanied the
	// command on the wire. Carried for logging, never interpreted.
	Rationale string `json:"rationale,omitempty"`
}
