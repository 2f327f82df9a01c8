package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// NotificationRecord is a single notification held by the hub
type NotificationRecord struct {
	Id         string    `json:"id"`
	Message    string    `json:"message"`
	Read       bool      `json:"read"`
	ReceivedAt time.Time `json:"received_at"`

	// Payload carries every other field of the inbound event, untouched
	Payload map[string]json.RawMessage `json:"-"`
}

// Clone returns a copy of r that shares no memory with it
func (r NotificationRecord) Clone() NotificationRecord {
	if r.Payload == nil {
		return r
	}
	payload := make(map[string]json.RawMessage, len(r.Payload))
	for k, v := range r.Payload {
		payload[k] = append(json.RawMessage(nil), v...)
	}
	r.Payload = payload
	return r
}

// reservedFields are owned by the hub and never taken from the payload
var reservedFields = map[string]struct{}{
	"id":          {},
	"message":     {},
	"read":        {},
	"received_at": {},
}

// IsReservedField reports whether a top-level key is owned by the hub
func IsReservedField(key string) bool {
	_, ok := reservedFields[key]
	return ok
}

// MarshalJSON flattens the payload next to the hub-owned fields
func (r NotificationRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Payload)+4)
	for k, v := range r.Payload {
		if IsReservedField(k) {
			continue
		}
		out[k] = v
	}

	var err error
	if out["id"], err = json.Marshal(r.Id); err != nil {
		return nil, err
	}
	if out["message"], err = json.Marshal(r.Message); err != nil {
		return nil, err
	}
	if out["read"], err = json.Marshal(r.Read); err != nil {
		return nil, err
	}
	if out["received_at"], err = json.Marshal(r.ReceivedAt); err != nil {
		return nil, err
	}

	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON
func (r *NotificationRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var rec NotificationRecord
	for k, v := range fields {
		var err error
		switch k {
		case "id":
			err = json.Unmarshal(v, &rec.Id)
		case "message":
			err = json.Unmarshal(v, &rec.Message)
		case "read":
			err = json.Unmarshal(v, &rec.Read)
		case "received_at":
			err = json.Unmarshal(v, &rec.ReceivedAt)
		default:
			if rec.Payload == nil {
				rec.Payload = make(map[string]json.RawMessage)
			}
			rec.Payload[k] = v
		}
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
	}

	*r = rec
	return nil
}

// DeltaKind identifies the mutation a Delta describes
type DeltaKind string

const (
	DeltaKind_INSERTED DeltaKind = "inserted"
	DeltaKind_READ     DeltaKind = "read"
	DeltaKind_ALL_READ DeltaKind = "all_read"
)

// Delta is one state change delivered to hub subscribers
type Delta struct {
	Seq         uint64              `json:"seq"`
	Kind        DeltaKind           `json:"kind"`
	Record      *NotificationRecord `json:"record,omitempty"`
	Id          string              `json:"id,omitempty"`
	UnreadCount int                 `json:"unread_count"`
}

// Snapshot is a consistent view of the history at sequence Seq
type Snapshot struct {
	Seq         uint64               `json:"seq"`
	Records     []NotificationRecord `json:"records"`
	UnreadCount int                  `json:"unread_count"`
}

// StreamFrame is the envelope written on the hub's WebSocket stream
type StreamFrame struct {
	Type     string    `json:"type"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Delta    *Delta    `json:"delta,omitempty"`
}

const (
	FrameType_SNAPSHOT  = "snapshot"
	FrameType_DELTA     = "delta"
	FrameType_HEARTBEAT = "heartbeat"
)

// MarkReadResponse is returned by the read-state endpoints
type MarkReadResponse struct {
	Success bool `json:"success"`
}

// PermissionResponse reports the alert permission state
type PermissionResponse struct {
	Permission string `json:"permission"`
}
