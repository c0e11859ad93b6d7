package taniwha

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"
)

// QMPSocketRoot is where the hypervisor places monitor sockets.
var QMPSocketRoot = "/var/run/qemu"

// QMPSocketPath returns the conventional monitor socket path for a vm.
func QMPSocketPath(vm string) string {
	return filepath.Join(QMPSocketRoot, "vm-"+vm+".qmp")
}

// QMPError is an error response from the monitor.
type QMPError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *QMPError) Error() string {
	return fmt.Sprintf("monitor error %s: %s", e.Class, e.Desc)
}

// QMPMonitor speaks the QEMU machine protocol over a stream socket. One
// command is in flight at a time. Asynchronous events are discarded.
type QMPMonitor struct {
	mutex sync.Mutex
	conn  net.Conn
	r     *bufio.Reader
}

type qmpCommand struct {
	Execute   string                 `json:"execute"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type qmpResponse struct {
	Return json.RawMessage        `json:"return,omitempty"`
	Error  *QMPError              `json:"error,omitempty"`
	Event  string                 `json:"event,omitempty"`
	QMP    map[string]interface{} `json:"QMP,omitempty"`
}

// query-migrate and query-status use hyphenated keys on the wire
type qmpMigrationInfo struct {
	Status           string      `json:"status"`
	TotalTime        uint64      `json:"total-time"`
	SetupTime        uint64      `json:"setup-time"`
	Downtime         uint64      `json:"downtime"`
	ExpectedDowntime uint64      `json:"expected-downtime"`
	RAM              *qmpRAMInfo `json:"ram"`
}

type qmpRAMInfo struct {
	Transferred    uint64  `json:"transferred"`
	Remaining      uint64  `json:"remaining"`
	Total          uint64  `json:"total"`
	Duplicate      uint64  `json:"duplicate"`
	Normal         uint64  `json:"normal"`
	NormalBytes    uint64  `json:"normal-bytes"`
	DirtyPagesRate uint64  `json:"dirty-pages-rate"`
	Mbps           float64 `json:"mbps"`
	DirtySyncCount uint64  `json:"dirty-sync-count"`
	PageSize       uint64  `json:"page-size"`
}

// NewQMPMonitor performs the capability handshake on an established
// connection.
func NewQMPMonitor(conn net.Conn) (*QMPMonitor, error) {
	m := &QMPMonitor{
		conn: conn,
		r:    bufio.NewReader(conn),
	}

	// the monitor greets first
	line, err := m.r.ReadBytes('\n')
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	var greeting qmpResponse
	if err := json.Unmarshal(line, &greeting); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if greeting.QMP == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected monitor greeting: %s", line)
	}

	if _, err := m.run("qmp_capabilities", nil); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return m, nil
}

// DialQMP connects to a monitor socket and performs the handshake.
func DialQMP(path string) (*QMPMonitor, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}

	return NewQMPMonitor(conn)
}

// LocalMonitorDial dials monitor sockets of vms on this node. The node
// argument is ignored.
func LocalMonitorDial(node, vm string) (Monitor, error) {
	return DialQMP(QMPSocketPath(vm))
}

func (m *QMPMonitor) run(cmd string, args map[string]interface{}) (json.RawMessage, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	v, err := json.Marshal(qmpCommand{Execute: cmd, Arguments: args})
	if err != nil {
		return nil, err
	}

	if _, err := m.conn.Write(append(v, '\n')); err != nil {
		return nil, err
	}

	for {
		line, err := m.r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}

		var resp qmpResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, err
		}

		// events arrive interleaved with responses
		if resp.Event != "" {
			continue
		}

		if resp.Error != nil {
			return nil, resp.Error
		}

		return resp.Return, nil
	}
}

// Migrate starts a migration to uri.
func (m *QMPMonitor) Migrate(uri string) error {
	_, err := m.run("migrate", map[string]interface{}{"uri": uri})
	return err
}

// MigrateCancel aborts the migration in flight.
func (m *QMPMonitor) MigrateCancel() error {
	_, err := m.run("migrate_cancel", nil)
	return err
}

// MigrateSetSpeed caps the transfer rate in bytes per second.
func (m *QMPMonitor) MigrateSetSpeed(bytesPerSec uint64) error {
	_, err := m.run("migrate_set_speed", map[string]interface{}{"value": bytesPerSec})
	return err
}

// MigrateSetDowntime sets the tolerated switchover pause.
func (m *QMPMonitor) MigrateSetDowntime(d time.Duration) error {
	_, err := m.run("migrate_set_downtime", map[string]interface{}{"value": d.Seconds()})
	return err
}

// QueryMigrate reports the migration in flight.
func (m *QMPMonitor) QueryMigrate() (*MigrationStatistics, error) {
	ret, err := m.run("query-migrate", nil)
	if err != nil {
		return nil, err
	}

	var info qmpMigrationInfo
	if err := json.Unmarshal(ret, &info); err != nil {
		return nil, err
	}

	stats := &MigrationStatistics{
		Status:             MigrationStatus(info.Status),
		TotalTimeMS:        info.TotalTime,
		SetupTimeMS:        info.SetupTime,
		DowntimeMS:         info.Downtime,
		ExpectedDowntimeMS: info.ExpectedDowntime,
	}
	if stats.Status == "" {
		stats.Status = StatusNone
	}
	if info.RAM != nil {
		stats.RAM = &RAMStatistics{
			Transferred:    info.RAM.Transferred,
			Remaining:      info.RAM.Remaining,
			Total:          info.RAM.Total,
			Duplicate:      info.RAM.Duplicate,
			Normal:         info.RAM.Normal,
			NormalBytes:    info.RAM.NormalBytes,
			DirtyPagesRate: info.RAM.DirtyPagesRate,
			Mbps:           info.RAM.Mbps,
			DirtySyncCount: info.RAM.DirtySyncCount,
			PageSize:       info.RAM.PageSize,
		}
	}

	return stats, nil
}

// QueryStatus reports the guest run state.
func (m *QMPMonitor) QueryStatus() (*VMStatus, error) {
	ret, err := m.run("query-status", nil)
	if err != nil {
		return nil, err
	}

	status := &VMStatus{}
	if err := json.Unmarshal(ret, status); err != nil {
		return nil, err
	}

	return status, nil
}

// Stop pauses guest execution.
func (m *QMPMonitor) Stop() error {
	_, err := m.run("stop", nil)
	return err
}

// Cont resumes guest execution.
func (m *QMPMonitor) Cont() error {
	_, err := m.run("cont", nil)
	return err
}

// Close closes the monitor connection.
func (m *QMPMonitor) Close() error {
	return m.conn.Close()
}
