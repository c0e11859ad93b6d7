package taniwha

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/mistifyio/taniwha/pkg/hostport"
	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultMigrationPort is the tcp port the target listens on for
// incoming memory transfers when the node address does not name one.
const DefaultMigrationPort = "49152"

// Defaults for ManagerConfig
const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultMaxConcurrent = 2
	DefaultHistoryLimit  = 100
)

type (
	// ManagerConfig configures a Manager. Runner is required;
	// everything else has a usable default.
	ManagerConfig struct {
		Runner      NodeRunner
		DialMonitor MonitorDial
		Blocks      *BlockTransferEngine
		Health      *HealthCheckEngine
		Rollback    *RollbackEngine
		// Audit mirrors jobs and reports into the config store. May be
		// nil.
		Audit   *Context
		Metrics *metrics.Metrics
		// PollInterval between query-migrate calls.
		PollInterval time.Duration
		// MaxConcurrent migrations cluster-wide.
		MaxConcurrent int
		// BandwidthLimit in bytes per second, applied to jobs that do
		// not set their own. 0 is unlimited.
		BandwidthLimit uint64
		// DowntimeLimit is the tolerated switchover pause. 0 leaves
		// the hypervisor default.
		DowntimeLimit time.Duration
		// HistoryLimit caps how many terminal jobs are retained.
		HistoryLimit int
		// DisableAutoRollback stops failed jobs from being rolled back
		// automatically. ManualRollback still works.
		DisableAutoRollback bool
		// DisableHealthChecks skips target verification after transfer.
		DisableHealthChecks bool
	}

	// Manager owns migration jobs and drives each to a terminal state.
	Manager struct {
		mutex     sync.RWMutex
		jobs      map[string]*MigrationJob
		order     []string
		active    map[string]string // vm -> job id, non-terminal jobs only
		cancels   map[string]context.CancelFunc
		waiters   map[string]chan struct{}
		rollbacks map[string]*RollbackReport
		health    map[string]*HealthReport

		gate     *gate
		runner   NodeRunner
		dial     MonitorDial
		blocks   *BlockTransferEngine
		checker  *HealthCheckEngine
		rollback *RollbackEngine
		audit    *Context
		m        *metrics.Metrics

		pollInterval time.Duration
		historyLimit int

		policyMutex    sync.RWMutex
		bandwidthLimit uint64
		downtimeLimit  time.Duration
		autoRollback   bool
		healthChecks   bool
	}
)

// NewManager creates a Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Runner == nil {
		return nil, fmt.Errorf("Runner is required")
	}

	dial := config.DialMonitor
	if dial == nil {
		dial = LocalMonitorDial
	}

	blocks := config.Blocks
	if blocks == nil {
		blocks = &BlockTransferEngine{Runner: config.Runner}
	}

	checker := config.Health
	if checker == nil {
		checker = &HealthCheckEngine{Runner: config.Runner, DialMonitor: dial}
	}

	rollback := config.Rollback
	if rollback == nil {
		rollback = &RollbackEngine{Runner: config.Runner}
	}

	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	maxConcurrent := config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	historyLimit := config.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	return &Manager{
		jobs:           make(map[string]*MigrationJob),
		active:         make(map[string]string),
		cancels:        make(map[string]context.CancelFunc),
		waiters:        make(map[string]chan struct{}),
		rollbacks:      make(map[string]*RollbackReport),
		health:         make(map[string]*HealthReport),
		gate:           newGate(maxConcurrent),
		runner:         config.Runner,
		dial:           dial,
		blocks:         blocks,
		checker:        checker,
		rollback:       rollback,
		audit:          config.Audit,
		m:              config.Metrics,
		pollInterval:   pollInterval,
		historyLimit:   historyLimit,
		bandwidthLimit: config.BandwidthLimit,
		downtimeLimit:  config.DowntimeLimit,
		autoRollback:   !config.DisableAutoRollback,
		healthChecks:   !config.DisableHealthChecks,
	}, nil
}

// migrateURI builds the monitor migration uri for a target node.
func migrateURI(target string) (string, error) {
	host, port, err := hostport.Split(target)
	if err != nil {
		return "", err
	}
	if port == "" {
		port = DefaultMigrationPort
	}

	return "tcp:" + net.JoinHostPort(host, port), nil
}

// StartMigration validates and admits a new migration. Preflight checks
// run synchronously; a request that fails them returns a
// PreconditionError and creates no job. The migration itself runs in
// the background.
func (mgr *Manager) StartMigration(ctx context.Context, req MigrationRequest) (*MigrationJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// reserve the vm so concurrent requests cannot race past the
	// duplicate check while preflight runs
	mgr.mutex.Lock()
	if _, ok := mgr.active[req.VM]; ok {
		mgr.mutex.Unlock()
		return nil, ErrVMAlreadyMigrating
	}
	mgr.active[req.VM] = ""
	mgr.mutex.Unlock()

	if err := mgr.preflight(ctx, &req); err != nil {
		mgr.mutex.Lock()
		delete(mgr.active, req.VM)
		mgr.mutex.Unlock()
		return nil, err
	}

	job := &MigrationJob{
		ID:             uuid.New(),
		VM:             req.VM,
		SourceNode:     req.SourceNode,
		TargetNode:     req.TargetNode,
		Kind:           req.Kind,
		State:          StatePreparing,
		BandwidthLimit: req.BandwidthLimit,
		SharedStorage:  req.SharedStorage,
		GuestAgent:     req.GuestAgent,
		MemoryMB:       req.MemoryMB,
		CPUs:           req.CPUs,
		Disks:          append([]BlockDevice(nil), req.Disks...),
		CreatedAt:      time.Now(),
	}

	driverCtx, cancel := context.WithCancel(context.Background())

	mgr.mutex.Lock()
	mgr.jobs[job.ID] = job
	mgr.order = append(mgr.order, job.ID)
	mgr.active[req.VM] = job.ID
	mgr.cancels[job.ID] = cancel
	mgr.waiters[job.ID] = make(chan struct{})
	mgr.pruneHistory()
	snapshot := job.clone()
	mgr.mutex.Unlock()

	mgr.saveJob(job)
	mgr.incrCounter("started")

	log.WithFields(log.Fields{
		"job":    job.ID,
		"vm":     job.VM,
		"kind":   job.Kind,
		"source": job.SourceNode,
		"target": job.TargetNode,
	}).Info("migration admitted")

	// the admission queue position is taken here so jobs line up in
	// request order, not in whatever order their drivers get scheduled
	ticket := mgr.gate.join()
	go mgr.drive(driverCtx, job.ID, ticket)

	return snapshot, nil
}

// preflight rejects requests that cannot possibly succeed. Force skips
// everything except source disk existence.
func (mgr *Manager) preflight(ctx context.Context, req *MigrationRequest) error {
	if !req.SharedStorage {
		for _, d := range req.Disks {
			if _, err := mgr.runner.Run(ctx, req.SourceNode, "test", "-f", d.Path); err != nil {
				return &PreconditionError{
					Check:  "disk-exists",
					Detail: fmt.Sprintf("disk %s not found on %s", d.Path, req.SourceNode),
				}
			}
		}
	}

	if req.Force {
		return nil
	}

	if _, err := mgr.runner.Run(ctx, req.TargetNode, "true"); err != nil {
		return &PreconditionError{
			Check:  "target-reachable",
			Detail: fmt.Sprintf("target node %s unreachable: %v", req.TargetNode, err),
		}
	}

	if req.MemoryMB > 0 {
		out, err := mgr.runner.Run(ctx, req.TargetNode, "free", "-b")
		if err != nil {
			return &PreconditionError{
				Check:  "target-memory",
				Detail: fmt.Sprintf("could not read memory on %s: %v", req.TargetNode, err),
			}
		}
		if avail := parseFreeAvailable(string(out)); avail > 0 && avail < req.MemoryMB<<20 {
			return &PreconditionError{
				Check:  "target-memory",
				Detail: fmt.Sprintf("target has %d MB available, vm needs %d MB", avail>>20, req.MemoryMB),
			}
		}
	}

	sourceFlags, err := mgr.cpuFlags(ctx, req.SourceNode)
	if err != nil {
		return &PreconditionError{
			Check:  "cpu-compat",
			Detail: fmt.Sprintf("could not read cpu flags on %s: %v", req.SourceNode, err),
		}
	}
	targetFlags, err := mgr.cpuFlags(ctx, req.TargetNode)
	if err != nil {
		return &PreconditionError{
			Check:  "cpu-compat",
			Detail: fmt.Sprintf("could not read cpu flags on %s: %v", req.TargetNode, err),
		}
	}
	if missing := missingFlags(sourceFlags, targetFlags); len(missing) > 0 {
		return &PreconditionError{
			Check:  "cpu-compat",
			Detail: fmt.Sprintf("target cpu lacks flags: %s", strings.Join(missing, " ")),
		}
	}

	return nil
}

func (mgr *Manager) cpuFlags(ctx context.Context, node string) ([]string, error) {
	out, err := mgr.runner.Run(ctx, node, "grep", "-m1", "^flags", "/proc/cpuinfo")
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(string(out), ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("unexpected cpuinfo output: %s", out)
	}

	return strings.Fields(parts[1]), nil
}

// missingFlags returns source cpu flags the target does not have. A
// guest running with a flag cannot land on a cpu without it.
func missingFlags(source, target []string) []string {
	have := make(map[string]bool, len(target))
	for _, f := range target {
		have[f] = true
	}

	var missing []string
	for _, f := range source {
		if !have[f] {
			missing = append(missing, f)
		}
	}
	return missing
}

// parseFreeAvailable pulls the available column out of free -b output.
func parseFreeAvailable(out string) uint64 {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 7 && fields[0] == "Mem:" {
			var avail uint64
			_, _ = fmt.Sscanf(fields[6], "%d", &avail)
			return avail
		}
	}
	return 0
}

// Cancel requests cancellation of a job. The driver observes it at the
// next poll boundary.
func (mgr *Manager) Cancel(jobID string) error {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()

	job, ok := mgr.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.State.Terminal() || job.State == StateCancelling {
		return ErrNotCancellable
	}

	job.State = StateCancelling
	if cancel, ok := mgr.cancels[jobID]; ok {
		cancel()
	}

	log.WithFields(log.Fields{
		"job": jobID,
		"vm":  job.VM,
	}).Info("migration cancellation requested")

	return nil
}

// Job returns a snapshot of a job.
func (mgr *Manager) Job(jobID string) (*MigrationJob, error) {
	mgr.mutex.RLock()
	defer mgr.mutex.RUnlock()

	job, ok := mgr.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}

	return job.clone(), nil
}

// Jobs returns snapshots of all retained jobs, oldest first.
func (mgr *Manager) Jobs() []*MigrationJob {
	mgr.mutex.RLock()
	defer mgr.mutex.RUnlock()

	jobs := make([]*MigrationJob, 0, len(mgr.order))
	for _, id := range mgr.order {
		if job, ok := mgr.jobs[id]; ok {
			jobs = append(jobs, job.clone())
		}
	}
	return jobs
}

// ActiveJobs returns snapshots of jobs that have not reached a terminal
// state.
func (mgr *Manager) ActiveJobs() []*MigrationJob {
	mgr.mutex.RLock()
	defer mgr.mutex.RUnlock()

	var jobs []*MigrationJob
	for _, id := range mgr.order {
		if job, ok := mgr.jobs[id]; ok && !job.State.Terminal() {
			jobs = append(jobs, job.clone())
		}
	}
	return jobs
}

// Statistics returns the latest memory transfer statistics of a job.
func (mgr *Manager) Statistics(jobID string) (*MigrationStatistics, error) {
	job, err := mgr.Job(jobID)
	if err != nil {
		return nil, err
	}
	if job.Statistics == nil {
		return nil, ErrNoReport
	}
	return job.Statistics, nil
}

// RollbackReport returns the rollback report of a job, if one exists.
func (mgr *Manager) RollbackReport(jobID string) (*RollbackReport, error) {
	mgr.mutex.RLock()
	defer mgr.mutex.RUnlock()

	if _, ok := mgr.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}
	r, ok := mgr.rollbacks[jobID]
	if !ok {
		return nil, ErrNoReport
	}
	return r, nil
}

// RollbackReports returns all retained rollback reports.
func (mgr *Manager) RollbackReports() []*RollbackReport {
	mgr.mutex.RLock()
	defer mgr.mutex.RUnlock()

	reports := make([]*RollbackReport, 0, len(mgr.rollbacks))
	for _, id := range mgr.order {
		if r, ok := mgr.rollbacks[id]; ok {
			reports = append(reports, r)
		}
	}
	return reports
}

// Health returns the health report of a job, if one exists.
func (mgr *Manager) Health(jobID string) (*HealthReport, error) {
	mgr.mutex.RLock()
	defer mgr.mutex.RUnlock()

	if _, ok := mgr.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}
	r, ok := mgr.health[jobID]
	if !ok {
		return nil, ErrNoReport
	}
	return r, nil
}

// ManualRollback re-runs the rollback plan for a failed job.
func (mgr *Manager) ManualRollback(ctx context.Context, jobID string) (*RollbackReport, error) {
	mgr.mutex.RLock()
	job, ok := mgr.jobs[jobID]
	var snapshot *MigrationJob
	if ok {
		snapshot = job.clone()
	}
	mgr.mutex.RUnlock()

	if !ok {
		return nil, ErrJobNotFound
	}
	if snapshot.State != StateFailed {
		return nil, ErrNotRollbackable
	}

	report := mgr.rollback.Execute(ctx, snapshot)

	mgr.mutex.Lock()
	mgr.rollbacks[jobID] = report
	mgr.mutex.Unlock()

	mgr.saveRollback(report)
	mgr.incrCounter("rollback")

	return report, nil
}

// Wait returns a channel that closes when the job reaches a terminal
// state and its cleanup is done.
func (mgr *Manager) Wait(jobID string) (<-chan struct{}, error) {
	mgr.mutex.RLock()
	defer mgr.mutex.RUnlock()

	ch, ok := mgr.waiters[jobID]
	if !ok {
		if _, ok := mgr.jobs[jobID]; ok {
			// already terminal and cleaned up
			closed := make(chan struct{})
			close(closed)
			return closed, nil
		}
		return nil, ErrJobNotFound
	}
	return ch, nil
}

// SetBandwidthLimit sets the default transfer cap in bytes per second
// for new jobs. 0 is unlimited.
func (mgr *Manager) SetBandwidthLimit(bytesPerSec uint64) {
	mgr.policyMutex.Lock()
	defer mgr.policyMutex.Unlock()
	mgr.bandwidthLimit = bytesPerSec
}

// BandwidthLimit returns the default transfer cap.
func (mgr *Manager) BandwidthLimit() uint64 {
	mgr.policyMutex.RLock()
	defer mgr.policyMutex.RUnlock()
	return mgr.bandwidthLimit
}

// SetDowntimeLimit sets the tolerated switchover pause for new jobs.
func (mgr *Manager) SetDowntimeLimit(d time.Duration) {
	mgr.policyMutex.Lock()
	defer mgr.policyMutex.Unlock()
	mgr.downtimeLimit = d
}

// DowntimeLimit returns the tolerated switchover pause.
func (mgr *Manager) DowntimeLimit() time.Duration {
	mgr.policyMutex.RLock()
	defer mgr.policyMutex.RUnlock()
	return mgr.downtimeLimit
}

// SetAutoRollback toggles automatic rollback of failed jobs.
func (mgr *Manager) SetAutoRollback(on bool) {
	mgr.policyMutex.Lock()
	defer mgr.policyMutex.Unlock()
	mgr.autoRollback = on
}

// AutoRollback reports whether failed jobs are rolled back
// automatically.
func (mgr *Manager) AutoRollback() bool {
	mgr.policyMutex.RLock()
	defer mgr.policyMutex.RUnlock()
	return mgr.autoRollback
}

// SetHealthChecks toggles target verification after transfer.
func (mgr *Manager) SetHealthChecks(on bool) {
	mgr.policyMutex.Lock()
	defer mgr.policyMutex.Unlock()
	mgr.healthChecks = on
}

// HealthChecks reports whether target verification runs after transfer.
func (mgr *Manager) HealthChecks() bool {
	mgr.policyMutex.RLock()
	defer mgr.policyMutex.RUnlock()
	return mgr.healthChecks
}

// SetMaxConcurrent changes the concurrency limit. Lowering it does not
// interrupt running jobs; the gate drains naturally.
func (mgr *Manager) SetMaxConcurrent(n int) {
	mgr.gate.setLimit(n)
}

// MaxConcurrent returns the concurrency limit.
func (mgr *Manager) MaxConcurrent() int {
	return mgr.gate.getLimit()
}

// jobLimits resolves the effective bandwidth and downtime caps for a
// job.
func (mgr *Manager) jobLimits(job *MigrationJob) (uint64, time.Duration) {
	mgr.policyMutex.RLock()
	defer mgr.policyMutex.RUnlock()

	bw := job.BandwidthLimit
	if bw == 0 {
		bw = mgr.bandwidthLimit
	}
	return bw, mgr.downtimeLimit
}

// pruneHistory drops the oldest terminal jobs beyond the history limit.
// Caller holds mutex.
func (mgr *Manager) pruneHistory() {
	excess := len(mgr.order) - mgr.historyLimit
	if excess <= 0 {
		return
	}

	kept := mgr.order[:0]
	for _, id := range mgr.order {
		job := mgr.jobs[id]
		if excess > 0 && job != nil && job.State.Terminal() {
			delete(mgr.jobs, id)
			delete(mgr.rollbacks, id)
			delete(mgr.health, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	mgr.order = kept
}

// setState transitions a job and mirrors it to the audit store.
func (mgr *Manager) setState(jobID string, state MigrationState) {
	mgr.mutex.Lock()
	job, ok := mgr.jobs[jobID]
	if !ok {
		mgr.mutex.Unlock()
		return
	}
	job.State = state
	snapshot := job.clone()
	mgr.mutex.Unlock()

	log.WithFields(log.Fields{
		"job":   jobID,
		"vm":    snapshot.VM,
		"state": state,
	}).Info("migration state changed")

	mgr.saveJob(snapshot)
}

// cancelRequested reports whether the operator asked to cancel the job.
func (mgr *Manager) cancelRequested(jobID string) bool {
	mgr.mutex.RLock()
	defer mgr.mutex.RUnlock()
	job, ok := mgr.jobs[jobID]
	return ok && job.State == StateCancelling
}

// drive runs one migration to a terminal state.
func (mgr *Manager) drive(ctx context.Context, jobID string, ticket chan struct{}) {
	start := time.Now()

	mgr.mutex.RLock()
	job := mgr.jobs[jobID]
	mgr.mutex.RUnlock()
	if job == nil {
		mgr.gate.abandon(ticket)
		return
	}

	defer mgr.finish(jobID, start)

	if err := mgr.gate.wait(ctx, ticket); err != nil {
		mgr.settleCancelOrFail(ctx, jobID, false, fmt.Errorf("waiting for migration slot: %w", err))
		return
	}
	defer mgr.gate.release()

	mgr.mutex.Lock()
	if j, ok := mgr.jobs[jobID]; ok {
		now := time.Now()
		j.StartedAt = &now
	}
	mgr.mutex.Unlock()

	var err error
	switch job.Kind {
	case MigrationKindOffline:
		err = mgr.runOffline(ctx, jobID)
	default:
		err = mgr.runLive(ctx, jobID)
	}

	if err != nil {
		// the guest may already have target-side state
		mgr.settleCancelOrFail(ctx, jobID, true, err)
		return
	}

	mgr.complete(jobID)
}

// settleCancelOrFail ends a job that did not complete. Cancellation
// requested by the operator lands in cancelled, anything else in
// failed. Only failed jobs that got far enough to dirty the target
// get a rollback; a dirty cancel just drops the staged partials.
func (mgr *Manager) settleCancelOrFail(ctx context.Context, jobID string, dirty bool, cause error) {
	cancelled := mgr.cancelRequested(jobID) || ctx.Err() == context.Canceled

	mgr.mutex.Lock()
	job, ok := mgr.jobs[jobID]
	if !ok {
		mgr.mutex.Unlock()
		return
	}
	if cancelled {
		job.State = StateCancelled
	} else {
		job.State = StateFailed
		job.Error = cause.Error()
	}
	snapshot := job.clone()
	mgr.mutex.Unlock()

	entry := log.WithFields(log.Fields{
		"job":   jobID,
		"vm":    snapshot.VM,
		"error": cause,
	})
	if cancelled {
		entry.Info("migration cancelled")
		mgr.incrCounter("cancelled")
	} else {
		entry.Error("migration failed")
		mgr.incrCounter("failed")
	}

	mgr.saveJob(snapshot)

	if !dirty {
		return
	}

	if cancelled {
		// a cancel leaves no rollback plan behind; staged partials on
		// the target are still removed
		if !snapshot.SharedStorage {
			mgr.blocks.Discard(context.Background(), snapshot.TargetNode, snapshot.Disks)
		}
		return
	}

	if mgr.AutoRollback() {
		// rollback gets a fresh context; the job's own is already
		// cancelled or tainted
		report := mgr.rollback.Execute(context.Background(), snapshot)

		mgr.mutex.Lock()
		mgr.rollbacks[jobID] = report
		mgr.mutex.Unlock()

		mgr.saveRollback(report)
		mgr.incrCounter("rollback")
	}
}

// complete marks a job completed.
func (mgr *Manager) complete(jobID string) {
	mgr.mutex.Lock()
	job, ok := mgr.jobs[jobID]
	if !ok {
		mgr.mutex.Unlock()
		return
	}
	job.State = StateCompleted
	job.Progress = 100
	snapshot := job.clone()
	mgr.mutex.Unlock()

	log.WithFields(log.Fields{
		"job": jobID,
		"vm":  snapshot.VM,
	}).Info("migration completed")

	mgr.saveJob(snapshot)
	mgr.incrCounter("completed")
}

// finish releases per-job bookkeeping once the job is terminal.
func (mgr *Manager) finish(jobID string, start time.Time) {
	mgr.mutex.Lock()
	job, ok := mgr.jobs[jobID]
	if ok {
		now := time.Now()
		job.CompletedAt = &now
		delete(mgr.active, job.VM)
	}
	if cancel, ok := mgr.cancels[jobID]; ok {
		// release the driver context so nothing tied to it outlives
		// the job
		cancel()
		delete(mgr.cancels, jobID)
	}
	ch := mgr.waiters[jobID]
	delete(mgr.waiters, jobID)
	var snapshot *MigrationJob
	if ok {
		snapshot = job.clone()
	}
	mgr.mutex.Unlock()

	if snapshot != nil {
		mgr.saveJob(snapshot)
	}
	if mgr.m != nil {
		mgr.m.MeasureSince([]string{"migration", "duration"}, start)
	}
	if ch != nil {
		close(ch)
	}
}

// runLive drives a live or online migration.
func (mgr *Manager) runLive(ctx context.Context, jobID string) error {
	mgr.mutex.RLock()
	job := mgr.jobs[jobID].clone()
	mgr.mutex.RUnlock()

	bwLimit, downtime := mgr.jobLimits(job)

	// Preparing: probe and stage disks
	disks := job.Disks
	if !job.SharedStorage {
		prepared, err := mgr.blocks.Prepare(ctx, job.SourceNode, job.TargetNode, disks)
		if err != nil {
			return fmt.Errorf("preparing block transfer: %w", err)
		}
		disks = prepared

		mgr.mutex.Lock()
		if j, ok := mgr.jobs[jobID]; ok {
			j.Disks = append([]BlockDevice(nil), prepared...)
		}
		mgr.mutex.Unlock()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	mon, err := mgr.dial(job.SourceNode, job.VM)
	if err != nil {
		return fmt.Errorf("dialing monitor: %w", err)
	}
	defer logReturnedErr(mon.Close, log.Fields{"job": jobID}, "failed to close monitor")

	if bwLimit > 0 {
		if err := mon.MigrateSetSpeed(bwLimit); err != nil {
			return fmt.Errorf("setting migration speed: %w", err)
		}
	}
	if downtime > 0 {
		if err := mon.MigrateSetDowntime(downtime); err != nil {
			return fmt.Errorf("setting migration downtime: %w", err)
		}
	}

	uri, err := migrateURI(job.TargetNode)
	if err != nil {
		return fmt.Errorf("building migration uri: %w", err)
	}

	mgr.setState(jobID, StateTransferring)

	// disks move concurrently with memory; if the memory side dies the
	// transfers are stopped and drained before the job settles
	diskCtx, stopDisks := context.WithCancel(ctx)
	defer stopDisks()

	diskErr := make(chan error, 1)
	if job.SharedStorage {
		diskErr <- nil
	} else {
		go func() {
			if err := mgr.blocks.InitialCopy(diskCtx, job.SourceNode, job.TargetNode, disks, mgr.progressFunc(jobID)); err != nil {
				diskErr <- err
				return
			}
			diskErr <- mgr.blocks.DirtySync(diskCtx, job.SourceNode, job.TargetNode, disks, bwLimit, mgr.progressFunc(jobID))
		}()
	}

	if err := mon.Migrate(uri); err != nil {
		stopDisks()
		<-diskErr
		return fmt.Errorf("starting migration: %w", err)
	}

	if err := mgr.pollMemory(ctx, jobID, mon); err != nil {
		stopDisks()
		<-diskErr
		return err
	}

	if err := <-diskErr; err != nil {
		return fmt.Errorf("block transfer: %w", err)
	}

	// Syncing: last disk pass; online pauses the guest to bound the
	// dirty window
	mgr.setState(jobID, StateSyncing)
	if !job.SharedStorage {
		if job.Kind == MigrationKindOnline {
			if err := mon.Stop(); err != nil {
				return fmt.Errorf("pausing guest for final sync: %w", err)
			}
		}
		if err := mgr.blocks.FinalSync(ctx, job.SourceNode, job.TargetNode, disks, bwLimit, mgr.progressFunc(jobID)); err != nil {
			return fmt.Errorf("final sync: %w", err)
		}
		if err := mgr.blocks.Commit(ctx, job.TargetNode, disks); err != nil {
			return fmt.Errorf("committing disks: %w", err)
		}
	}

	return mgr.finalize(ctx, jobID, job)
}

// pollMemory watches the memory transfer until the monitor reports a
// terminal status.
func (mgr *Manager) pollMemory(ctx context.Context, jobID string, mon Monitor) error {
	ticker := time.NewTicker(mgr.pollInterval)
	defer ticker.Stop()

	cancelSent := false
	for {
		select {
		case <-ctx.Done():
			if !cancelSent {
				cancelSent = true
				if err := mon.MigrateCancel(); err != nil {
					return fmt.Errorf("cancelling migration: %w", err)
				}
			} else {
				// cancel is in flight, keep polling at the normal pace
				<-ticker.C
			}
		case <-ticker.C:
		}

		stats, err := mon.QueryMigrate()
		if err != nil {
			return fmt.Errorf("querying migration: %w", err)
		}

		mgr.mutex.Lock()
		if j, ok := mgr.jobs[jobID]; ok {
			j.Statistics = stats
			j.updateProgress()
		}
		mgr.mutex.Unlock()

		switch stats.Status {
		case StatusCompleted:
			return nil
		case StatusFailed:
			return fmt.Errorf("monitor reported migration failure")
		case StatusCancelled:
			return context.Canceled
		case StatusNone:
			return fmt.Errorf("monitor reports no migration in flight")
		}
	}
}

// finalize verifies the guest on the target and runs health checks.
func (mgr *Manager) finalize(ctx context.Context, jobID string, job *MigrationJob) error {
	mgr.setState(jobID, StateFinalizing)

	if !mgr.HealthChecks() {
		return nil
	}

	// the checks still run when the job was cancelled late, so they
	// get a fresh context
	checkCtx := ctx
	if ctx.Err() != nil {
		checkCtx = context.Background()
	}

	report := mgr.checker.Run(checkCtx, job.TargetNode, job)

	mgr.mutex.Lock()
	mgr.health[jobID] = report
	mgr.mutex.Unlock()

	mgr.saveHealthReport(report)

	if !report.Healthy() {
		// the guest is already running on the target; a bad report is
		// operator information, not grounds to fail the migration
		summary := report.Summary()
		log.WithFields(log.Fields{
			"job":     jobID,
			"vm":      job.VM,
			"failed":  summary[HealthFailed],
			"timeout": summary[HealthTimeout],
		}).Warn("health checks failed on target")
		mgr.incrCounter("unhealthy")
	}

	return nil
}

// runOffline drives an offline migration: the guest shuts down on the
// source, everything copies over, and the guest starts on the target.
func (mgr *Manager) runOffline(ctx context.Context, jobID string) error {
	mgr.mutex.RLock()
	job := mgr.jobs[jobID].clone()
	mgr.mutex.RUnlock()

	bwLimit, _ := mgr.jobLimits(job)
	name := domainName(job.VM)

	disks := job.Disks
	if !job.SharedStorage {
		prepared, err := mgr.blocks.Prepare(ctx, job.SourceNode, job.TargetNode, disks)
		if err != nil {
			return fmt.Errorf("preparing block transfer: %w", err)
		}
		disks = prepared
	}

	if err := mgr.shutdownGuest(ctx, job.SourceNode, name); err != nil {
		return err
	}

	mgr.setState(jobID, StateTransferring)
	if !job.SharedStorage {
		if err := mgr.blocks.InitialCopy(ctx, job.SourceNode, job.TargetNode, disks, mgr.progressFunc(jobID)); err != nil {
			return fmt.Errorf("block transfer: %w", err)
		}
	}

	// no dirty pass; the guest is down and nothing changes under us
	mgr.setState(jobID, StateSyncing)
	if !job.SharedStorage {
		if err := mgr.blocks.FinalSync(ctx, job.SourceNode, job.TargetNode, disks, bwLimit, mgr.progressFunc(jobID)); err != nil {
			return fmt.Errorf("final sync: %w", err)
		}
		if err := mgr.blocks.Commit(ctx, job.TargetNode, disks); err != nil {
			return fmt.Errorf("committing disks: %w", err)
		}
	}

	out, err := mgr.runner.Run(ctx, job.SourceNode, "virsh", "migrate",
		"--offline", "--persistent", "--undefinesource",
		name, "qemu+ssh://"+job.TargetNode+"/system")
	if err != nil {
		return fmt.Errorf("moving domain definition: %v: %s", err, out)
	}

	if out, err := mgr.runner.Run(ctx, job.TargetNode, "virsh", "start", name); err != nil {
		return fmt.Errorf("starting vm on target: %v: %s", err, out)
	}

	return mgr.finalize(ctx, jobID, job)
}

// shutdownGuest asks the guest to shut down and destroys it if it does
// not comply in time.
func (mgr *Manager) shutdownGuest(ctx context.Context, node, name string) error {
	if out, err := mgr.runner.Run(ctx, node, "virsh", "shutdown", name); err != nil {
		if !strings.Contains(strings.ToLower(string(out)), "not running") {
			return fmt.Errorf("shutting down vm: %v: %s", err, out)
		}
		return nil
	}

	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		out, err := mgr.runner.Run(ctx, node, "virsh", "domstate", name)
		if err == nil && strings.TrimSpace(string(out)) == "shut off" {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	if out, err := mgr.runner.Run(ctx, node, "virsh", "destroy", name); err != nil {
		return fmt.Errorf("destroying vm after shutdown timeout: %v: %s", err, out)
	}

	return nil
}

// progressFunc returns a callback that mirrors disk transfer progress
// into the job.
func (mgr *Manager) progressFunc(jobID string) ProgressFunc {
	return func(phase TransferPhase, disk string, done, total int) {
		mgr.mutex.Lock()
		if j, ok := mgr.jobs[jobID]; ok {
			var copied, totalBytes uint64
			for i, d := range j.Disks {
				totalBytes += d.SizeBytes
				if i < done {
					copied += d.SizeBytes
				}
			}
			j.Transfer = &TransferProgress{
				Phase:       phase,
				Disk:        disk,
				DisksDone:   done,
				DisksTotal:  total,
				CopiedBytes: copied,
				TotalBytes:  totalBytes,
			}
			j.updateProgress()
		}
		mgr.mutex.Unlock()
	}
}

func (mgr *Manager) incrCounter(result string) {
	if mgr.m == nil {
		return
	}
	mgr.m.IncrCounter([]string{"migration", result, "count"}, 1)
}

func (mgr *Manager) saveJob(j *MigrationJob) {
	if mgr.audit == nil {
		return
	}
	if err := mgr.audit.SaveJob(j); err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"func":  "taniwha.Context.SaveJob",
			"job":   j.ID,
		}).Error("failed to save job")
	}
}

func (mgr *Manager) saveRollback(r *RollbackReport) {
	if mgr.audit == nil {
		return
	}
	if err := mgr.audit.SaveRollback(r); err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"func":  "taniwha.Context.SaveRollback",
			"job":   r.JobID,
		}).Error("failed to save rollback report")
	}
}

func (mgr *Manager) saveHealthReport(r *HealthReport) {
	if mgr.audit == nil {
		return
	}
	if err := mgr.audit.SaveHealthReport(r); err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"func":  "taniwha.Context.SaveHealthReport",
			"job":   r.JobID,
		}).Error("failed to save health report")
	}
}
