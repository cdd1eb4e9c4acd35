package codec

import (
	"encoding/json"
	"fmt"

	"deskgrid/internal/model"
	"deskgrid/pkg/faults"
)

// EncodeStepResult serializes a step outcome for the wire. The observation
// payload rides along base64-encoded by the JSON layer.
func EncodeStepResult(r *model.StepResult) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode step result: %w", err)
	}
	return data, nil
}

// DecodeStepResult is the inverse of EncodeStepResult.
func DecodeStepResult(data []byte) (*model.StepResult, error) {
	var r model.StepResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: step result: %v", faults.ErrMalformedAction, err)
	}
	return &r, nil
}
