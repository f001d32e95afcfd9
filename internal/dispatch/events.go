package dispatch

import "time"

const (
	EventToggleDenied   = "dispatch.toggle.denied"
	EventFlushDone      = "dispatch.flush.done"
	EventMessageDropped = "dispatch.message.dropped"
)

// ToggleEvent is published when a toggle fails with ErrPermissionDenied.
type ToggleEvent struct {
	FlushID     string `json:"flush_id"`
	Destination string `json:"destination"`
	Group       string `json:"group"`
	Notifiable  bool   `json:"notifiable"`
	Error       string `json:"error"`
}

// FlushEvent summarizes one Flush call.
type FlushEvent struct {
	FlushID      string        `json:"flush_id"`
	Destinations int           `json:"destinations"`
	Delivered    int           `json:"delivered"`
	Retained     int           `json:"retained"`
	Dropped      int           `json:"dropped,omitempty"`
	Took         time.Duration `json:"took"`
	Error        string        `json:"error,omitempty"`
}

// DropEvent is published for each message dropped by the attempt limit.
type DropEvent struct {
	FlushID     string `json:"flush_id"`
	Destination string `json:"destination"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error"`
}
