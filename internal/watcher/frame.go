package watcher

import (
	"encoding/json"
	"fmt"
)

// frame is one text message on the backend event stream.
type frame struct {
	Type string                     `json:"type"`
	Data map[string]json.RawMessage `json:"data"`
}

type queueStatus struct {
	ExecInfo struct {
		QueueRemaining *int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// IsCompletion reports whether a text frame says the backend has no work
// left. Only status frames without a sid count: the backend greets every new
// connection with a sid-carrying status that reflects the queue at connect
// time, not the end of a job.
func IsCompletion(payload []byte) (bool, error) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return false, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type != "status" {
		return false, nil
	}
	if _, ok := f.Data["sid"]; ok {
		return false, nil
	}

	raw, ok := f.Data["status"]
	if !ok {
		return false, fmt.Errorf("status frame without status field")
	}
	var qs queueStatus
	if err := json.Unmarshal(raw, &qs); err != nil {
		return false, fmt.Errorf("malformed status: %w", err)
	}
	remaining := qs.ExecInfo.QueueRemaining
	if remaining == nil {
		return false, fmt.Errorf("status frame without queue_remaining")
	}
	return *remaining == 0, nil
}
