package domain

import "time"

// ProjectStatus is the lifecycle state of a hosted bot.
type ProjectStatus string

const (
	StatusPending    ProjectStatus = "PENDING"
	StatusProcessing ProjectStatus = "PROCESSING"
	StatusRunning    ProjectStatus = "RUNNING"
	StatusStopped    ProjectStatus = "STOPPED"
	StatusFailed     ProjectStatus = "FAILED"
	StatusDeleted    ProjectStatus = "DELETED"
)

// RuntimeKind identifies the language toolchain detected from the archive manifest.
type RuntimeKind string

const (
	RuntimePython RuntimeKind = "python"
	RuntimeNode   RuntimeKind = "node"
)

// Project is a tenant's deployed bot: uploaded archive, encrypted credential and
// runtime state.
type Project struct {
	ID                  string
	OwnerID             int64
	Name                string
	Status              ProjectStatus
	RuntimeKind         RuntimeKind
	EncryptedCredential []byte
	ContainerID         string
	ImageRef            string
	ArchiveKey          string
	LastErrorLog        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Visible reports whether the project may be returned by reads.
func (p Project) Visible() bool {
	return p.Status != StatusDeleted
}

// OwnedBy reports whether the tenant owns a visible project.
func (p Project) OwnedBy(ownerID int64) bool {
	return p.OwnerID == ownerID && p.Visible()
}

var transitions = map[ProjectStatus][]ProjectStatus{
	StatusPending:    {StatusProcessing, StatusDeleted},
	StatusProcessing: {StatusRunning, StatusFailed, StatusDeleted},
	StatusRunning:    {StatusStopped, StatusFailed, StatusDeleted},
	StatusStopped:    {StatusRunning, StatusDeleted},
	StatusFailed:     {StatusProcessing, StatusDeleted},
}

// CanTransition reports whether the state machine allows moving from one status to another.
func CanTransition(from, to ProjectStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is one of the known statuses.
func ValidStatus(s ProjectStatus) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusRunning, StatusStopped, StatusFailed, StatusDeleted:
		return true
	}
	return false
}
