package taniwha

import (
	"errors"
	"time"
)

// MigrationKind selects the migration strategy.
type MigrationKind string

// Migration kinds
const (
	// MigrationKindLive moves a running guest without pausing it. Block
	// devices are synced concurrently with the memory transfer.
	MigrationKindLive = MigrationKind("live")
	// MigrationKindOnline moves a running guest but pauses it for the
	// final disk sync to bound the dirty window.
	MigrationKindOnline = MigrationKind("online")
	// MigrationKindOffline shuts the guest down, copies everything, and
	// starts it on the target.
	MigrationKindOffline = MigrationKind("offline")
)

// MigrationState is the lifecycle state of a job.
type MigrationState string

// Job states
const (
	StatePreparing    = MigrationState("preparing")
	StateTransferring = MigrationState("transferring")
	StateSyncing      = MigrationState("syncing")
	StateFinalizing   = MigrationState("finalizing")
	StateCompleted    = MigrationState("completed")
	StateFailed       = MigrationState("failed")
	StateCancelling   = MigrationState("cancelling")
	StateCancelled    = MigrationState("cancelled")
)

// Terminal reports whether the state is final.
func (s MigrationState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

type (
	// MigrationRequest describes a migration to start.
	MigrationRequest struct {
		VM             string        `json:"vm"`
		SourceNode     string        `json:"source"`
		TargetNode     string        `json:"target"`
		Kind           MigrationKind `json:"kind"`
		BandwidthLimit uint64        `json:"bandwidth_limit,omitempty"`
		SharedStorage  bool          `json:"shared_storage,omitempty"`
		GuestAgent     bool          `json:"guest_agent,omitempty"`
		Force          bool          `json:"force,omitempty"`
		MemoryMB       uint64        `json:"memory_mb,omitempty"`
		CPUs           uint          `json:"cpus,omitempty"`
		Disks          []BlockDevice `json:"disks,omitempty"`
	}

	// MigrationJob is a single guest move from a source node to a target
	// node.
	MigrationJob struct {
		ID             string               `json:"id"`
		VM             string               `json:"vm"`
		SourceNode     string               `json:"source"`
		TargetNode     string               `json:"target"`
		Kind           MigrationKind        `json:"kind"`
		State          MigrationState       `json:"state"`
		Error          string               `json:"error,omitempty"`
		Progress       int                  `json:"progress"`
		Transferred    uint64               `json:"transferred_bytes"`
		TotalBytes     uint64               `json:"total_bytes"`
		BandwidthLimit uint64               `json:"bandwidth_limit,omitempty"`
		SharedStorage  bool                 `json:"shared_storage,omitempty"`
		GuestAgent     bool                 `json:"guest_agent,omitempty"`
		MemoryMB       uint64               `json:"memory_mb,omitempty"`
		CPUs           uint                 `json:"cpus,omitempty"`
		Disks          []BlockDevice        `json:"disks,omitempty"`
		CreatedAt      time.Time            `json:"created_at"`
		StartedAt      *time.Time           `json:"started_at,omitempty"`
		CompletedAt    *time.Time           `json:"completed_at,omitempty"`
		Statistics     *MigrationStatistics `json:"statistics,omitempty"`
		Transfer       *TransferProgress    `json:"transfer,omitempty"`
	}

	// MigrationStatistics is a point in time view of the memory transfer,
	// taken from query-migrate.
	MigrationStatistics struct {
		Status             MigrationStatus `json:"status"`
		TotalTimeMS        uint64          `json:"total_time_ms"`
		SetupTimeMS        uint64          `json:"setup_time_ms,omitempty"`
		DowntimeMS         uint64          `json:"downtime_ms,omitempty"`
		ExpectedDowntimeMS uint64          `json:"expected_downtime_ms,omitempty"`
		RAM                *RAMStatistics  `json:"ram,omitempty"`
	}

	// RAMStatistics are the memory counters of a migration in flight.
	RAMStatistics struct {
		Transferred    uint64  `json:"transferred"`
		Remaining      uint64  `json:"remaining"`
		Total          uint64  `json:"total"`
		Duplicate      uint64  `json:"duplicate"`
		Normal         uint64  `json:"normal"`
		NormalBytes    uint64  `json:"normal_bytes"`
		DirtyPagesRate uint64  `json:"dirty_pages_rate"`
		Mbps           float64 `json:"mbps"`
		DirtySyncCount uint64  `json:"dirty_sync_count"`
		PageSize       uint64  `json:"page_size"`
	}
)

// Validate ensures required fields are populated.
func (r *MigrationRequest) Validate() error {
	if r.VM == "" {
		return errors.New("VM is required")
	}

	if r.SourceNode == "" {
		return errors.New("SourceNode is required")
	}

	if r.TargetNode == "" {
		return errors.New("TargetNode is required")
	}

	if r.SourceNode == r.TargetNode {
		return errors.New("SourceNode and TargetNode must differ")
	}

	switch r.Kind {
	case MigrationKindLive, MigrationKindOnline, MigrationKindOffline:
	case "":
		return errors.New("Kind is required")
	default:
		return errors.New("Kind is not a valid migration kind")
	}

	if !r.SharedStorage && len(r.Disks) == 0 {
		return errors.New("Disks are required without shared storage")
	}

	for _, d := range r.Disks {
		if d.Path == "" {
			return errors.New("Disk Path is required")
		}
	}

	return nil
}

// updateProgress recomputes the byte counters and percentage from the
// latest memory and disk snapshots. Caller holds the registry lock.
func (j *MigrationJob) updateProgress() {
	var transferred, total uint64
	if j.Statistics != nil && j.Statistics.RAM != nil {
		transferred += j.Statistics.RAM.Transferred
		total += j.Statistics.RAM.Total
	}
	if j.Transfer != nil {
		transferred += j.Transfer.CopiedBytes
		total += j.Transfer.TotalBytes
	}

	j.Transferred = transferred
	j.TotalBytes = total
	if total > 0 {
		pct := int(transferred * 100 / total)
		if pct > 100 {
			pct = 100
		}
		j.Progress = pct
	}
}

// clone returns a copy safe to hand to callers while the driver keeps
// mutating the original.
func (j *MigrationJob) clone() *MigrationJob {
	c := *j

	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Statistics != nil {
		s := *j.Statistics
		if j.Statistics.RAM != nil {
			r := *j.Statistics.RAM
			s.RAM = &r
		}
		c.Statistics = &s
	}
	if j.Transfer != nil {
		t := *j.Transfer
		c.Transfer = &t
	}
	if j.Disks != nil {
		c.Disks = append([]BlockDevice(nil), j.Disks...)
	}

	return &c
}
