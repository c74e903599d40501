package wire

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// DataFrame is an inbound array-shaped frame. For public channels Fields
// holds every element after the channel id; for channel zero the second
// element is the account event code and Fields holds what follows it.
type DataFrame struct {
	ChanID    int64
	Heartbeat bool
	EventCode string
	Fields    []json.RawMessage
}

var heartbeatMarker = []byte(`"hb"`)

// Decode classifies a raw inbound message into *Event, *DataFrame, or nil
// for out-of-band plain-text keepalives ("pong"). Malformed JSON is a
// protocol error; the caller drops the frame without tearing the
// connection down.
func Decode(raw []byte) (interface{}, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	switch trimmed[0] {
	case '{':
		var ev Event
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		return &ev, nil
	case '[':
		return decodeFrame(trimmed)
	default:
		// Plain text, e.g. the out-of-band pong. Nothing to route.
		return nil, nil
	}
}

func decodeFrame(raw []byte) (*DataFrame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	var chanID int64
	if err := json.Unmarshal(elems[0], &chanID); err != nil {
		return nil, fmt.Errorf("decode channel id: %w", err)
	}

	frame := &DataFrame{ChanID: chanID}
	if len(elems) == 1 {
		return frame, nil
	}

	if bytes.Equal(bytes.TrimSpace(elems[1]), heartbeatMarker) {
		frame.Heartbeat = true
		return frame, nil
	}

	if chanID == 0 {
		var code string
		if err := json.Unmarshal(elems[1], &code); err != nil {
			return nil, fmt.Errorf("decode account event code: %w", err)
		}
		frame.EventCode = code
		frame.Fields = elems[2:]
		return frame, nil
	}

	frame.Fields = elems[1:]
	return frame, nil
}

// floatAt reads arr[i] as a float64, returning 0 when the element is
// missing, null, or not numeric. Account arrays routinely omit trailing
// fields; zero stands in for "unknown".
func floatAt(arr []json.RawMessage, i int) float64 {
	if i >= len(arr) {
		return 0
	}
	var v float64
	if err := json.Unmarshal(arr[i], &v); err != nil {
		return 0
	}
	return v
}

// stringAt reads arr[i] as a string, returning "" when missing or invalid.
func stringAt(arr []json.RawMessage, i int) string {
	if i >= len(arr) {
		return ""
	}
	var v string
	if err := json.Unmarshal(arr[i], &v); err != nil {
		return ""
	}
	return v
}

// arrayAt reads arr[i] as a nested array, returning nil when missing.
func arrayAt(arr []json.RawMessage, i int) []json.RawMessage {
	if i >= len(arr) {
		return nil
	}
	var v []json.RawMessage
	if err := json.Unmarshal(arr[i], &v); err != nil {
		return nil
	}
	return v
}
