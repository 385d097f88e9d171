package model

import (
	"time"
)

// Container states pushed to the dashboard
const (
	StateRunning    = "running"
	StateStopped    = "stopped"
	StatePaused     = "paused"
	StateCreated    = "created"
	StateRestarting = "restarting"
	StateDeleted    = "deleted"
)

// Container is the dashboard view of a Docker container
type Container struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Image          string    `json:"image"`
	Status         string    `json:"status"` // human-readable, e.g. "Up 2 hours"
	State          string    `json:"state"`  // one of the State* constants
	Ports          string    `json:"ports"`  // e.g. "8080->80/tcp, 443/tcp"
	ComposeProject string    `json:"compose_project"`
	ComposeService string    `json:"compose_service"`
	Created        time.Time `json:"created"`
}

// Image is the dashboard view of a local image
type Image struct {
	ID          string            `json:"id"`
	Tags        []string          `json:"tags"`
	Size        float64           `json:"size"` // MB
	Created     time.Time         `json:"created"`
	RepoDigests []string          `json:"repo_digests"`
	ParentID    string            `json:"parent_id"`
	Labels      map[string]string `json:"labels"`
}

// ImageHistoryEntry is one layer of an image's history
type ImageHistoryEntry struct {
	ID        string    `json:"id"`
	Created   time.Time `json:"created"`
	CreatedBy string    `json:"created_by"`
	Size      float64   `json:"size"` // MB
	Tags      []string  `json:"tags"`
	Comment   string    `json:"comment"`
}

// LogChunk is an opaque text fragment of a container's log stream
type LogChunk struct {
	ContainerID string `json:"container_id"`
	Log         string `json:"log"`
}

// MemoryStats is the memory part of a stats sample
type MemoryStats struct {
	Usage   uint64  `json:"usage"`
	Limit   uint64  `json:"limit"`
	Percent float64 `json:"percent"`
}

// NetworkStats holds cumulative network bytes across all interfaces
type NetworkStats struct {
	RX uint64 `json:"rx"`
	TX uint64 `json:"tx"`
}

// DiskIOStats holds cumulative block device bytes
type DiskIOStats struct {
	Read  uint64 `json:"read"`
	Write uint64 `json:"write"`
}

// StatsSample is a single resource usage sample for a container
type StatsSample struct {
	CPUPercent float64      `json:"cpu_percent"`
	Memory     MemoryStats  `json:"memory"`
	Network    NetworkStats `json:"network"`
	DiskIO     DiskIOStats  `json:"disk_io"`
	Timestamp  time.Time    `json:"timestamp"`
}

// StatsUpdate pairs a sample with the container it belongs to
type StatsUpdate struct {
	ContainerID string      `json:"container_id"`
	Stats       StatsSample `json:"stats"`
}

// PruneReport summarises a prune operation
type PruneReport struct {
	Kind           string   `json:"kind"`
	Deleted        []string `json:"deleted"`
	SpaceReclaimed uint64   `json:"space_reclaimed"` // bytes
}

// Envelope statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope wraps every REST response
type Envelope struct {
	Data      interface{} `json:"data,omitempty"`
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
	Error     string      `json:"error,omitempty"`
}

// Success wraps data in a success envelope stamped with the current time.
func Success(data interface{}) Envelope {
	return Envelope{Data: data, Status: StatusSuccess, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

// Failure builds an error envelope for msg.
func Failure(msg string) Envelope {
	return Envelope{Status: StatusError, Timestamp: time.Now().UTC().Format(time.RFC3339Nano), Error: msg}
}

// FrontendLog is a log record shipped by the browser
type FrontendLog struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context"`
	Timestamp string                 `json:"timestamp"`
	RequestID string                 `json:"requestId"`
}

// AuditLog records a mutating container or image operation
type AuditLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Action     string    `gorm:"size:32;index" json:"action"`     // start, stop, delete, prune, ...
	TargetKind string    `gorm:"size:16" json:"target_kind"`      // container, image, prune
	TargetID   string    `gorm:"size:128;index" json:"target_id"` // container/image id or prune kind
	Success    bool      `json:"success"`
	Detail     string    `gorm:"type:text" json:"detail"`
	Username   string    `gorm:"size:64" json:"username"`
	IP         string    `gorm:"size:64" json:"ip"`
	RequestID  string    `gorm:"size:64" json:"request_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// LoginRequest is the request body for POST /api/auth/login
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}
