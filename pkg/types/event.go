package types

import "time"

type EntryStatus string

const (
	StatusOK     EntryStatus = "ok"
	StatusFailed EntryStatus = "failed"
	StatusError  EntryStatus = "error"
	StatusInfo   EntryStatus = "info"
)

// CategoryLog is the single append-log category used for captures and errors.
const CategoryLog = "Log"

type LogEntry struct {
	Category  string      `json:"category"`
	Timestamp time.Time   `json:"ts"`
	Status    EntryStatus `json:"status"`
	Message   string      `json:"message"`
}

// ResourceSnapshot holds the CPU and RAM usage strings appended to every entry.
type ResourceSnapshot struct {
	CPU string `json:"cpu"`
	RAM string `json:"ram"`
}
