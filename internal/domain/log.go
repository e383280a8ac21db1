package domain

import "time"

// Log sources.
const (
	LogSourceBuild     = "build"
	LogSourceLifecycle = "lifecycle"
	LogSourceRuntime   = "runtime"
)

// ProjectLog represents a log line emitted by build/runtime processes.
type ProjectLog struct {
	ID        int64
	ProjectID string
	Source    string
	Level     string
	Message   string
	Metadata  []byte
	CreatedAt time.Time
}
