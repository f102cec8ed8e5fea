package models

import "time"

// Message types exchanged with connected application instances.
const (
	MessageSyncComplete = "SYNC_COMPLETE"
	MessageSWUpdated    = "SW_UPDATED"
	MessageSyncNow      = "SYNC_NOW"
	MessageSkipWaiting  = "SKIP_WAITING"
)

// ClientMessage is the envelope posted to and received from application instances.
type ClientMessage struct {
	Type    string `json:"type"`
	Synced  *int   `json:"synced,omitempty"`
	Failed  *int   `json:"failed,omitempty"`
	Total   *int   `json:"total,omitempty"`
	Version string `json:"version,omitempty"`
}

// SyncSummary reports the outcome of one drain pass.
type SyncSummary struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// SyncResult is a completed pass and the time it finished.
type SyncResult struct {
	SyncSummary
	FinishedAt time.Time `json:"finished_at"`
}

// Message converts the summary into a SYNC_COMPLETE broadcast.
func (s SyncSummary) Message() ClientMessage {
	synced, failed, total := s.Synced, s.Failed, s.Total
	return ClientMessage{
		Type:   MessageSyncComplete,
		Synced: &synced,
		Failed: &failed,
		Total:  &total,
	}
}

func UpdateMessage(version string) ClientMessage {
	return ClientMessage{Type: MessageSWUpdated, Version: version}
}
