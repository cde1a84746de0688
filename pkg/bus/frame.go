package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// MarshalFrame flattens the envelope and payload into a single JSON object:
// the payload is marshaled first, then the envelope fields are injected over
// it. Envelope fields win on key collision.
func (e Event) MarshalFrame() ([]byte, error) {
	m := make(map[string]any)
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %s: %w", e.Type, err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("flatten payload for %s: %w", e.Type, err)
		}
	}
	m["type"] = string(e.Type)
	m["run_id"] = e.RunID
	m["session_id"] = e.SessionID
	m["seq"] = e.Seq
	m["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)

	frame, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal frame for %s: %w", e.Type, err)
	}
	return frame, nil
}
