package taniwha

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HealthCheckKind names one post-migration check.
type HealthCheckKind string

// Health check kinds, in execution order
const (
	CheckVMRunning         = HealthCheckKind("vm-running")
	CheckMonitorResponsive = HealthCheckKind("monitor-responsive")
	CheckMemoryAllocation  = HealthCheckKind("memory-allocation")
	CheckCPUCount          = HealthCheckKind("cpu-count")
	CheckDiskIO            = HealthCheckKind("disk-io")
	CheckNetworkInterface  = HealthCheckKind("network-interface")
	CheckGuestAgent        = HealthCheckKind("guest-agent")
)

var healthCheckOrder = []HealthCheckKind{
	CheckVMRunning,
	CheckMonitorResponsive,
	CheckMemoryAllocation,
	CheckCPUCount,
	CheckDiskIO,
	CheckNetworkInterface,
	CheckGuestAgent,
}

// HealthCheckResult is the outcome of one check.
type HealthCheckResult string

// Health check results
const (
	HealthPassed  = HealthCheckResult("passed")
	HealthFailed  = HealthCheckResult("failed")
	HealthTimeout = HealthCheckResult("timeout")
	HealthSkipped = HealthCheckResult("skipped")
)

type (
	// HealthCheck is the recorded outcome of a single check.
	HealthCheck struct {
		Kind     HealthCheckKind   `json:"kind"`
		Result   HealthCheckResult `json:"result"`
		Detail   string            `json:"detail,omitempty"`
		Attempts int               `json:"attempts"`
		Duration time.Duration     `json:"duration_ns"`
	}

	// HealthReport is the outcome of a full check run against a vm on
	// a node.
	HealthReport struct {
		JobID     string        `json:"job_id"`
		VM        string        `json:"vm"`
		Node      string        `json:"node"`
		Checks    []HealthCheck `json:"checks"`
		CreatedAt time.Time     `json:"created_at"`
	}

	// HealthCheckEngine verifies a migrated guest on its new node.
	HealthCheckEngine struct {
		Runner      NodeRunner
		DialMonitor MonitorDial
		// Timeout is the per-attempt deadline. Defaults to 30s.
		Timeout time.Duration
		// Attempts per check. Defaults to 3.
		Attempts int
		// RetryDelay between attempts. Defaults to 5s.
		RetryDelay time.Duration
	}
)

// Healthy reports whether every check passed or was skipped.
func (r *HealthReport) Healthy() bool {
	for _, c := range r.Checks {
		if c.Result != HealthPassed && c.Result != HealthSkipped {
			return false
		}
	}
	return true
}

// Summary counts checks per result.
func (r *HealthReport) Summary() map[HealthCheckResult]int {
	s := make(map[HealthCheckResult]int)
	for _, c := range r.Checks {
		s[c.Result]++
	}
	return s
}

func (e *HealthCheckEngine) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return 30 * time.Second
}

func (e *HealthCheckEngine) attempts() int {
	if e.Attempts > 0 {
		return e.Attempts
	}
	return 3
}

func (e *HealthCheckEngine) retryDelay() time.Duration {
	if e.RetryDelay > 0 {
		return e.RetryDelay
	}
	return 5 * time.Second
}

// Run executes all checks against the job's vm on node. Every check
// runs regardless of earlier failures, except guest-agent which is
// skipped when the guest has no agent configured or is not running at
// all.
func (e *HealthCheckEngine) Run(ctx context.Context, node string, job *MigrationJob) *HealthReport {
	report := &HealthReport{
		JobID:     job.ID,
		VM:        job.VM,
		Node:      node,
		CreatedAt: time.Now(),
	}

	vmRunning := false
	for _, kind := range healthCheckOrder {
		if kind == CheckGuestAgent && (!job.GuestAgent || !vmRunning) {
			report.Checks = append(report.Checks, HealthCheck{
				Kind:   kind,
				Result: HealthSkipped,
				Detail: "guest agent not configured or vm not running",
			})
			continue
		}

		check := e.runCheck(ctx, kind, node, job)
		if kind == CheckVMRunning {
			vmRunning = check.Result == HealthPassed
		}
		report.Checks = append(report.Checks, check)
	}

	return report
}

// runCheck retries a single check until it passes or attempts run out.
func (e *HealthCheckEngine) runCheck(ctx context.Context, kind HealthCheckKind, node string, job *MigrationJob) HealthCheck {
	check := HealthCheck{Kind: kind}
	start := time.Now()

	for attempt := 1; attempt <= e.attempts(); attempt++ {
		check.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout())
		detail, err := e.check(attemptCtx, kind, node, job)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			check.Result = HealthPassed
			check.Detail = detail
			break
		}

		if timedOut {
			check.Result = HealthTimeout
			check.Detail = fmt.Sprintf("timed out after %s", e.timeout())
		} else {
			check.Result = HealthFailed
			check.Detail = err.Error()
		}

		if attempt < e.attempts() {
			select {
			case <-time.After(e.retryDelay()):
			case <-ctx.Done():
				attempt = e.attempts()
			}
		}
	}

	check.Duration = time.Since(start)
	return check
}

func (e *HealthCheckEngine) check(ctx context.Context, kind HealthCheckKind, node string, job *MigrationJob) (string, error) {
	switch kind {
	case CheckVMRunning:
		return e.checkVMRunning(ctx, node, job.VM)
	case CheckMonitorResponsive:
		return e.checkMonitorResponsive(node, job.VM)
	case CheckMemoryAllocation:
		return e.checkMemoryAllocation(ctx, node, job)
	case CheckCPUCount:
		return e.checkCPUCount(ctx, node, job)
	case CheckDiskIO:
		return e.checkDiskIO(ctx, node, job.VM)
	case CheckNetworkInterface:
		return e.checkNetworkInterface(ctx, node, job.VM)
	case CheckGuestAgent:
		return e.checkGuestAgent(ctx, node, job.VM)
	}
	return "", fmt.Errorf("unknown check %s", kind)
}

func (e *HealthCheckEngine) checkVMRunning(ctx context.Context, node, vm string) (string, error) {
	out, err := e.Runner.Run(ctx, node, "virsh", "domstate", domainName(vm))
	if err != nil {
		return "", err
	}

	state := strings.TrimSpace(string(out))
	if state != "running" {
		return "", fmt.Errorf("vm is not running (state: %s)", state)
	}

	return "vm is running", nil
}

func (e *HealthCheckEngine) checkMonitorResponsive(node, vm string) (string, error) {
	mon, err := e.DialMonitor(node, vm)
	if err != nil {
		return "", fmt.Errorf("monitor dial: %w", err)
	}
	defer logReturnedErr(mon.Close, nil, "failed to close monitor")

	status, err := mon.QueryStatus()
	if err != nil {
		return "", fmt.Errorf("monitor query-status: %w", err)
	}

	return fmt.Sprintf("monitor responsive (status: %s)", status.Status), nil
}

func (e *HealthCheckEngine) checkMemoryAllocation(ctx context.Context, node string, job *MigrationJob) (string, error) {
	out, err := e.Runner.Run(ctx, node, "virsh", "dommemstat", domainName(job.VM))
	if err != nil {
		return "", err
	}

	// dommemstat reports values in KiB
	var actualKB uint64
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "actual" {
			actualKB, _ = strconv.ParseUint(fields[1], 10, 64)
			break
		}
	}

	if actualKB == 0 {
		return "", fmt.Errorf("could not parse memory stats")
	}
	if job.MemoryMB > 0 && actualKB/1024 < job.MemoryMB {
		return "", fmt.Errorf("only %d MB of %d MB allocated", actualKB/1024, job.MemoryMB)
	}

	return fmt.Sprintf("%d MB allocated", actualKB/1024), nil
}

func (e *HealthCheckEngine) checkCPUCount(ctx context.Context, node string, job *MigrationJob) (string, error) {
	out, err := e.Runner.Run(ctx, node, "virsh", "vcpuinfo", domainName(job.VM))
	if err != nil {
		return "", err
	}

	total := 0
	running := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "VCPU:") {
			total++
		}
		if strings.Contains(line, "State:") && strings.Contains(line, "running") {
			running++
		}
	}

	if total == 0 {
		return "", fmt.Errorf("no vcpus reported")
	}
	if running < total {
		return "", fmt.Errorf("only %d/%d vcpus running", running, total)
	}
	if job.CPUs > 0 && uint(total) != job.CPUs {
		return "", fmt.Errorf("%d vcpus present, expected %d", total, job.CPUs)
	}

	return fmt.Sprintf("all %d vcpus running", total), nil
}

func (e *HealthCheckEngine) checkDiskIO(ctx context.Context, node, vm string) (string, error) {
	out, err := e.Runner.Run(ctx, node, "virsh", "domblklist", domainName(vm))
	if err != nil {
		return "", err
	}

	count := countTableRows(string(out))
	if count == 0 {
		return "", fmt.Errorf("no disk devices found")
	}

	return fmt.Sprintf("%d disk device(s) attached", count), nil
}

func (e *HealthCheckEngine) checkNetworkInterface(ctx context.Context, node, vm string) (string, error) {
	out, err := e.Runner.Run(ctx, node, "virsh", "domiflist", domainName(vm))
	if err != nil {
		return "", err
	}

	count := countTableRows(string(out))
	if count == 0 {
		return "", fmt.Errorf("no network interfaces found")
	}

	return fmt.Sprintf("%d network interface(s) attached", count), nil
}

func (e *HealthCheckEngine) checkGuestAgent(ctx context.Context, node, vm string) (string, error) {
	out, err := e.Runner.Run(ctx, node, "virsh", "qemu-agent-command",
		domainName(vm), `{"execute":"guest-ping"}`)
	if err != nil {
		return "", fmt.Errorf("guest agent ping: %w", err)
	}

	if !strings.Contains(string(out), "return") {
		return "", fmt.Errorf("unexpected guest agent response: %s", out)
	}

	return "guest agent responding", nil
}

// countTableRows counts the data rows of virsh table output, which has
// a header line followed by a dashed separator.
func countTableRows(out string) int {
	count := 0
	sawSeparator := false
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "---") {
			sawSeparator = true
			continue
		}
		if sawSeparator && trimmed != "" {
			count++
		}
	}
	return count
}
