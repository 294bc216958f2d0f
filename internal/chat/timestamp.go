package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// decodeTimestamp accepts RFC 3339 strings, epoch milliseconds and null.
// Older exports wrote times as milliseconds since the epoch.
func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
		}
		return t, nil
	}
	var ms json.Number
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("timestamp %s: %w", raw, err)
	}
	n, err := ms.Int64()
	if err != nil {
		f, ferr := ms.Float64()
		if ferr != nil {
			return time.Time{}, fmt.Errorf("timestamp %s: %w", raw, err)
		}
		n = int64(f)
	}
	return time.UnixMilli(n).UTC(), nil
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ts, err := decodeTimestamp(aux.Timestamp)
	if err != nil {
		return err
	}
	*m = Message(aux.plain)
	m.Timestamp = ts
	return nil
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	type plain Conversation
	var aux struct {
		plain
		CreatedAt json.RawMessage `json:"createdAt"`
		UpdatedAt json.RawMessage `json:"updatedAt"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	created, err := decodeTimestamp(aux.CreatedAt)
	if err != nil {
		return fmt.Errorf("createdAt: %w", err)
	}
	updated, err := decodeTimestamp(aux.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updatedAt: %w", err)
	}
	*c = Conversation(aux.plain)
	c.CreatedAt = created
	c.UpdatedAt = updated
	return nil
}
