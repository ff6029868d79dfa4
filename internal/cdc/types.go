package cdc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
)

type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

var (
	ErrMalformedPayload = errors.New("malformed notification payload")
	ErrUnknownAction    = errors.New("unknown action")
	ErrUnwatchedTable   = errors.New("table is not watched")
)

func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Notification is a single message received on a LISTEN channel.
type Notification struct {
	Channel string
	PID     uint32
	Payload string
}

// Event is the decoded form of a notification payload. Data holds the row
// after the change for INSERT and UPDATE, and the row before it for DELETE.
type Event struct {
	Table  string         `json:"table"`
	Action Action         `json:"action"`
	Data   map[string]any `json:"data"`
}

// Decode parses a trigger payload. Numbers in Data are kept as json.Number so
// that forwarding and logging never lose precision. When tables is non-empty
// the event's table must be one of them.
func Decode(payload string, tables []string) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var event Event
	if err := dec.Decode(&event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformedPayload)
	}

	if event.Table == "" {
		return nil, fmt.Errorf("%w: missing table", ErrMalformedPayload)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	if !event.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, event.Action)
	}
	if len(tables) > 0 && !slices.Contains(tables, event.Table) {
		return nil, fmt.Errorf("%w: %s", ErrUnwatchedTable, event.Table)
	}

	return &event, nil
}
