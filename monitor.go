package taniwha

import "time"

// MigrationStatus is the migration state reported by the machine monitor.
// The values are the wire strings from query-migrate.
type MigrationStatus string

// Monitor migration statuses
const (
	StatusNone           = MigrationStatus("none")
	StatusSetup          = MigrationStatus("setup")
	StatusActive         = MigrationStatus("active")
	StatusPreSwitchover  = MigrationStatus("pre-switchover")
	StatusDeviceTransfer = MigrationStatus("device")
	StatusPostCopy       = MigrationStatus("postcopy-active")
	StatusCompleted      = MigrationStatus("completed")
	StatusFailed         = MigrationStatus("failed")
	StatusCancelling     = MigrationStatus("cancelling")
	StatusCancelled      = MigrationStatus("cancelled")
	StatusWait           = MigrationStatus("wait-unplug")
)

// Running reports whether the monitor still has work in flight.
func (s MigrationStatus) Running() bool {
	switch s {
	case StatusSetup, StatusActive, StatusPreSwitchover, StatusDeviceTransfer,
		StatusPostCopy, StatusCancelling, StatusWait:
		return true
	}
	return false
}

type (
	// VMStatus is the guest run state reported by query-status.
	VMStatus struct {
		Running bool   `json:"running"`
		Status  string `json:"status"`
	}

	// Monitor is a connection to a guest's machine monitor.
	Monitor interface {
		// Migrate starts a migration to the given uri, e.g.
		// "tcp:host:port".
		Migrate(uri string) error
		// MigrateCancel aborts a migration in flight.
		MigrateCancel() error
		// MigrateSetSpeed caps the transfer rate in bytes per second.
		MigrateSetSpeed(bytesPerSec uint64) error
		// MigrateSetDowntime sets the tolerated switchover pause.
		MigrateSetDowntime(d time.Duration) error
		// QueryMigrate reports the migration in flight.
		QueryMigrate() (*MigrationStatistics, error)
		// QueryStatus reports the guest run state.
		QueryStatus() (*VMStatus, error)
		// Stop pauses guest execution.
		Stop() error
		// Cont resumes guest execution.
		Cont() error
		Close() error
	}

	// MonitorDial connects to the monitor of a vm on a node.
	MonitorDial func(node, vm string) (Monitor, error)
)
