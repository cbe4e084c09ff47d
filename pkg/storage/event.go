package storage

import (
	"encoding/json"
	"fmt"
)

// ChangeType classifies a storage mutation.
type ChangeType string

const (
	ChangePut    ChangeType = "put"
	ChangeDelete ChangeType = "delete"
)

// Record describes one storage mutation inside a change event.
type Record struct {
	Type ChangeType `json:"type"`
	Key  string     `json:"key"`
}

// ChangeEvent is the bus payload published when objects change. One event may
// carry several records.
type ChangeEvent struct {
	Records []Record `json:"records"`
}

// EncodeChange serializes records into a change-event payload.
func EncodeChange(records ...Record) ([]byte, error) {
	return json.Marshal(ChangeEvent{Records: records})
}

// DecodeChange parses a change-event payload.
func DecodeChange(data []byte) (*ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding change event: %w", err)
	}
	return &ev, nil
}
