package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Priority orders items inside a sync pass.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its sort weight. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ParsePriority accepts any case; empty input yields normal.
func ParsePriority(s string) (Priority, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, true
	}
	p := Priority(s)
	return p, p.Valid()
}

// QueueItem is a deferred HTTP mutation waiting to be replayed.
type QueueItem struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Priority       Priority          `json:"priority"`
	Timestamp      time.Time         `json:"-"`
	Retries        int               `json:"retries"`
}

type queueItemJSON QueueItem

type queueItemWire struct {
	*queueItemJSON
	Timestamp int64 `json:"timestamp"`
}

// MarshalJSON encodes Timestamp as Unix milliseconds.
func (q QueueItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(queueItemWire{
		queueItemJSON: (*queueItemJSON)(&q),
		Timestamp:     toMillis(q.Timestamp),
	})
}

func (q *QueueItem) UnmarshalJSON(data []byte) error {
	wire := queueItemWire{queueItemJSON: (*queueItemJSON)(q)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	q.Timestamp = fromMillis(wire.Timestamp)
	return nil
}

// Clone returns a deep copy so stores never share header maps with callers.
func (q *QueueItem) Clone() *QueueItem {
	if q == nil {
		return nil
	}
	c := *q
	if q.Headers != nil {
		c.Headers = make(map[string]string, len(q.Headers))
		for k, v := range q.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// FailedItem is a queue item that exhausted its retries. It is never replayed automatically.
type FailedItem struct {
	QueueItem
	Error    string    `json:"error"`
	FailedAt time.Time `json:"-"`
}

type failedExtra struct {
	Error    string `json:"error"`
	FailedAt int64  `json:"failedAt"`
}

func (f FailedItem) MarshalJSON() ([]byte, error) {
	item, err := json.Marshal(f.QueueItem)
	if err != nil {
		return nil, err
	}
	extra, err := json.Marshal(failedExtra{Error: f.Error, FailedAt: toMillis(f.FailedAt)})
	if err != nil {
		return nil, err
	}
	// splice the two objects: {...item,...extra}
	out := make([]byte, 0, len(item)+len(extra))
	out = append(out, item[:len(item)-1]...)
	out = append(out, ',')
	out = append(out, extra[1:]...)
	return out, nil
}

func (f *FailedItem) UnmarshalJSON(data []byte) error {
	var item QueueItem
	if err := json.Unmarshal(data, &item); err != nil {
		return err
	}
	var extra failedExtra
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	f.QueueItem = item
	f.Error = extra.Error
	f.FailedAt = fromMillis(extra.FailedAt)
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
