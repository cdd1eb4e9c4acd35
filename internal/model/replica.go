package model

import (
	"time"
)

// ReplicaState replica lifecycle state
type ReplicaState string

const (
	ReplicaStateProvisioning ReplicaState = "PROVISIONING" // Session being created
	ReplicaStateReady        ReplicaState = "READY"        // Baseline applied, accepting steps
	ReplicaStateBusy         ReplicaState = "BUSY"         // Step in flight
	ReplicaStateUnhealthy    ReplicaState = "UNHEALTHY"    // Session crashed, id unusable
	ReplicaStateDestroyed    ReplicaState = "DESTROYED"    // Resources released
)

// ResourceProfile describes the resources one session reserves from its host.
type ResourceProfile struct {
	MemoryMB      int `json:"memory_mb"`
	VCPU          int `json:"vcpu"`
	DisplayWidth  int `json:"display_width,omitempty"`
	DisplayHeight int `json:"display_height,omitempty"`
}

// Replica one isolated virtualized desktop session
type Replica struct {
	ID           string          `json:"id"`
	Pool         string          `json:"pool"` // Owning pool name (back-reference only)
	Host         string          `json:"host"`
	State        ReplicaState    `json:"state"`
	Profile      ResourceProfile `json:"profile"`
	Seq          uint64          `json:"seq"` // Last accepted step sequence number
	TaskID       string          `json:"task_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
}

// Observation captured visual state (opaque payload + format)
type Observation struct {
	Data   []byte `json:"data"`
	Format string `json:"format"` // png, jpeg
}

// ResetRequest gateway reset request
type ResetRequest struct {
	Task    TaskConfig      `json:"task" binding:"required"`
	Profile ResourceProfile `json:"profile"`
}

// ResetResponse gateway reset response
type ResetResponse struct {
	ReplicaID   string      `json:"replica_id"`
	Observation Observation `json:"observation"`
}

// StepAPIRequest gateway step request
type StepAPIRequest struct {
	Seq     uint64 `json:"seq"`
	Payload string `json:"payload" binding:"required"` // Encoded rationale + action command
}

// PoolStats per-pool capacity snapshot returned by the stats API
type PoolStats struct {
	Name          string `json:"name"`
	Affinity      string `json:"affinity"`
	Hosts         int    `json:"hosts"`
	Replicas      int    `json:"replicas"`
	ReadyReplicas int    `json:"ready_replicas"`
	BusyReplicas  int    `json:"busy_replicas"`
	FreeMemoryMB  int    `json:"free_memory_mb"`
	FreeVCPU      int    `json:"free_vcpu"`
}
