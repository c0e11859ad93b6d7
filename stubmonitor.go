package taniwha

import (
	"sync"
	"time"
)

type (
	// StubMonitor is a Monitor with stubbed methods for testing. Each
	// QueryMigrate consumes the next scripted status; the last one
	// sticks.
	StubMonitor struct {
		mutex    sync.Mutex
		script   []MigrationStatus
		ram      RAMStatistics
		running  bool
		failures map[string]error
		calls    []string
		speed    uint64
		downtime time.Duration
		closed   bool
	}
)

// NewStubMonitor creates a StubMonitor that walks the given status
// sequence.
func NewStubMonitor(script ...MigrationStatus) *StubMonitor {
	if len(script) == 0 {
		script = []MigrationStatus{StatusCompleted}
	}
	return &StubMonitor{
		script:   script,
		ram:      RAMStatistics{Total: 1 << 30, PageSize: 4096},
		running:  true,
		failures: make(map[string]error),
	}
}

// FailOn makes the named command return err.
func (m *StubMonitor) FailOn(cmd string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failures[cmd] = err
}

// Calls returns the commands issued so far.
func (m *StubMonitor) Calls() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]string(nil), m.calls...)
}

// Speed returns the last rate set via MigrateSetSpeed.
func (m *StubMonitor) Speed() uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.speed
}

// Closed reports whether Close was called.
func (m *StubMonitor) Closed() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.closed
}

func (m *StubMonitor) record(cmd string) error {
	m.calls = append(m.calls, cmd)
	return m.failures[cmd]
}

// Migrate is a stub for starting a migration.
func (m *StubMonitor) Migrate(uri string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.record("migrate")
}

// MigrateCancel is a stub for aborting a migration. It rewrites the
// remaining script to end in cancelled.
func (m *StubMonitor) MigrateCancel() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("migrate_cancel"); err != nil {
		return err
	}
	m.script = []MigrationStatus{StatusCancelling, StatusCancelled}
	return nil
}

// MigrateSetSpeed is a stub for capping the transfer rate.
func (m *StubMonitor) MigrateSetSpeed(bytesPerSec uint64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("migrate_set_speed"); err != nil {
		return err
	}
	m.speed = bytesPerSec
	return nil
}

// MigrateSetDowntime is a stub for setting the switchover pause.
func (m *StubMonitor) MigrateSetDowntime(d time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("migrate_set_downtime"); err != nil {
		return err
	}
	m.downtime = d
	return nil
}

// QueryMigrate walks the scripted status sequence.
func (m *StubMonitor) QueryMigrate() (*MigrationStatistics, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("query-migrate"); err != nil {
		return nil, err
	}

	status := m.script[0]
	if len(m.script) > 1 {
		m.script = m.script[1:]
	}

	ram := m.ram
	if ram.Remaining > ram.Transferred {
		ram.Remaining -= ram.Transferred
	}
	m.ram.Transferred += 64 << 20

	return &MigrationStatistics{
		Status:      status,
		TotalTimeMS: uint64(len(m.calls)) * 100,
		RAM:         &ram,
	}, nil
}

// QueryStatus is a stub for the guest run state.
func (m *StubMonitor) QueryStatus() (*VMStatus, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("query-status"); err != nil {
		return nil, err
	}

	status := "running"
	if !m.running {
		status = "paused"
	}
	return &VMStatus{Running: m.running, Status: status}, nil
}

// Stop is a stub for pausing the guest.
func (m *StubMonitor) Stop() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("stop"); err != nil {
		return err
	}
	m.running = false
	return nil
}

// Cont is a stub for resuming the guest.
func (m *StubMonitor) Cont() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("cont"); err != nil {
		return err
	}
	m.running = true
	return nil
}

// Close is a stub for closing the monitor connection.
func (m *StubMonitor) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	return nil
}
