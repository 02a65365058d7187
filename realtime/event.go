package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// EventType is the kind of row change an Event describes.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	// EventAll subscribes to every change type.
	EventAll EventType = "*"
)

// Event is a change notification for one row of a table. Record holds the
// row after the change; for deletes it holds the removed row.
type Event struct {
	Table           string          `json:"table"`
	Type            EventType       `json:"type"`
	Record          json.RawMessage `json:"record,omitempty"`
	Old             json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
	Origin          string          `json:"origin,omitempty"`
}

// NewEvent serializes record into an Event.
func NewEvent(table string, eventType EventType, record interface{}) (Event, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Table:           table,
		Type:            eventType,
		Record:          raw,
		CommitTimestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the record into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Record, v)
}

func (e Event) fields() map[string]interface{} {
	var fields map[string]interface{}
	if len(e.Record) > 0 {
		if err := json.Unmarshal(e.Record, &fields); err == nil {
			return fields
		}
	}
	if len(e.Old) > 0 {
		if err := json.Unmarshal(e.Old, &fields); err == nil {
			return fields
		}
	}
	return nil
}

// Callback receives events for a subscription.
type Callback func(Event)

// Channel is the subscribe side of the realtime layer.
type Channel interface {
	Subscribe(table string, eventType EventType, filter string, cb Callback) (*Subscription, error)
	Unsubscribe(sub *Subscription)
}

// Publisher is the publish side of the realtime layer. Writers call it after
// a change has been committed.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}
