package taniwha

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// RollbackStep names one step of the rollback plan.
type RollbackStep string

// Rollback steps, in execution order
const (
	StepCleanupTargetDisks     = RollbackStep("cleanup-target-disks")
	StepUnregisterTargetVM     = RollbackStep("unregister-target-vm")
	StepReleaseTargetResources = RollbackStep("release-target-resources")
	StepRestoreSourceConfig    = RollbackStep("restore-source-config")
	StepRestoreNetworkConfig   = RollbackStep("restore-network-config")
	StepRestartVMOnSource      = RollbackStep("restart-vm-on-source")
)

var rollbackOrder = []RollbackStep{
	StepCleanupTargetDisks,
	StepUnregisterTargetVM,
	StepReleaseTargetResources,
	StepRestoreSourceConfig,
	StepRestoreNetworkConfig,
	StepRestartVMOnSource,
}

type (
	// RollbackStepResult records one executed step.
	RollbackStepResult struct {
		Step        RollbackStep  `json:"step"`
		Description string        `json:"description"`
		Executed    bool          `json:"executed"`
		Error       string        `json:"error,omitempty"`
		Duration    time.Duration `json:"duration_ns"`
	}

	// RollbackReport is the outcome of a full rollback run.
	RollbackReport struct {
		JobID     string               `json:"job_id"`
		VM        string               `json:"vm"`
		Steps     []RollbackStepResult `json:"steps"`
		CreatedAt time.Time            `json:"created_at"`
	}

	// RollbackEngine returns a guest to its source node after a failed
	// migration. Every step runs even when earlier ones fail; a
	// half-rolled-back guest is worse than a logged error.
	RollbackEngine struct {
		Runner NodeRunner
		// ImageDir is where disk images live on the nodes. Defaults to
		// /var/lib/libvirt/images.
		ImageDir string
	}
)

// Succeeded counts steps that executed without error.
func (r *RollbackReport) Succeeded() int {
	n := 0
	for _, s := range r.Steps {
		if s.Executed && s.Error == "" {
			n++
		}
	}
	return n
}

// Failed counts steps that executed with an error.
func (r *RollbackReport) Failed() int {
	n := 0
	for _, s := range r.Steps {
		if s.Executed && s.Error != "" {
			n++
		}
	}
	return n
}

func describeStep(step RollbackStep, job *MigrationJob) string {
	switch step {
	case StepCleanupTargetDisks:
		return fmt.Sprintf("Clean up incomplete disk images on %s", job.TargetNode)
	case StepUnregisterTargetVM:
		return fmt.Sprintf("Unregister VM from target node %s", job.TargetNode)
	case StepReleaseTargetResources:
		return fmt.Sprintf("Release allocated resources on %s", job.TargetNode)
	case StepRestoreSourceConfig:
		return fmt.Sprintf("Restore VM configuration on source node %s", job.SourceNode)
	case StepRestoreNetworkConfig:
		return fmt.Sprintf("Restore network configuration for VM %s", job.VM)
	case StepRestartVMOnSource:
		return fmt.Sprintf("Restart VM %s on source node %s", job.VM, job.SourceNode)
	}
	return string(step)
}

func (e *RollbackEngine) imageDir() string {
	if e.ImageDir != "" {
		return e.ImageDir
	}
	return "/var/lib/libvirt/images"
}

// Execute walks all rollback steps for the job. It never short
// circuits; the report records each step's outcome.
func (e *RollbackEngine) Execute(ctx context.Context, job *MigrationJob) *RollbackReport {
	report := &RollbackReport{
		JobID:     job.ID,
		VM:        job.VM,
		CreatedAt: time.Now(),
	}

	for _, step := range rollbackOrder {
		result := RollbackStepResult{
			Step:        step,
			Description: describeStep(step, job),
			Executed:    true,
		}

		start := time.Now()
		err := e.executeStep(ctx, step, job)
		result.Duration = time.Since(start)

		if err != nil {
			result.Error = err.Error()
			log.WithFields(log.Fields{
				"error": err,
				"func":  "taniwha.RollbackEngine.Execute",
				"job":   job.ID,
				"step":  step,
			}).Error("rollback step failed")
		}

		report.Steps = append(report.Steps, result)
	}

	return report
}

func (e *RollbackEngine) executeStep(ctx context.Context, step RollbackStep, job *MigrationJob) error {
	switch step {
	case StepCleanupTargetDisks:
		return e.cleanupTargetDisks(ctx, job)
	case StepUnregisterTargetVM:
		return e.unregisterTargetVM(ctx, job)
	case StepReleaseTargetResources:
		return e.releaseTargetResources(ctx, job)
	case StepRestoreSourceConfig:
		return e.restoreSourceConfig(ctx, job)
	case StepRestoreNetworkConfig:
		return e.restoreNetworkConfig(ctx, job)
	case StepRestartVMOnSource:
		return e.restartVMOnSource(ctx, job)
	}
	return fmt.Errorf("unknown rollback step %s", step)
}

// cleanupTargetDisks removes partial and temporary disk images from the
// target. Missing files are fine.
func (e *RollbackEngine) cleanupTargetDisks(ctx context.Context, job *MigrationJob) error {
	name := domainName(job.VM)
	patterns := []string{
		fmt.Sprintf("%s/%s*.partial", e.imageDir(), name),
		fmt.Sprintf("%s/%s*.tmp", e.imageDir(), name),
		fmt.Sprintf("%s/%s_*", e.imageDir(), name),
	}
	for _, d := range job.Disks {
		patterns = append(patterns, partialPath(d.Path))
	}

	for _, pattern := range patterns {
		if _, err := e.Runner.Run(ctx, job.TargetNode, "sh", "-c", "rm -f "+pattern); err != nil {
			log.WithFields(log.Fields{
				"error":   err,
				"func":    "taniwha.RollbackEngine.cleanupTargetDisks",
				"pattern": pattern,
			}).Warning("failed to clean up pattern")
		}
	}

	return nil
}

// unregisterTargetVM undefines the domain on the target. A domain that
// was never defined is acceptable.
func (e *RollbackEngine) unregisterTargetVM(ctx context.Context, job *MigrationJob) error {
	out, err := e.Runner.Run(ctx, job.TargetNode, "virsh", "undefine", domainName(job.VM), "--nvram")
	if err != nil {
		s := strings.ToLower(string(out))
		if strings.Contains(s, "not found") || strings.Contains(s, "no domain") {
			return nil
		}
		return err
	}

	return nil
}

// releaseTargetResources destroys any half-started domain on the
// target. Errors are ignored; the domain is usually not running.
func (e *RollbackEngine) releaseTargetResources(ctx context.Context, job *MigrationJob) error {
	_, _ = e.Runner.Run(ctx, job.TargetNode, "virsh", "destroy", domainName(job.VM))
	return nil
}

// restoreSourceConfig verifies the domain is still defined on the
// source.
func (e *RollbackEngine) restoreSourceConfig(ctx context.Context, job *MigrationJob) error {
	if _, err := e.Runner.Run(ctx, job.SourceNode, "virsh", "dominfo", domainName(job.VM)); err != nil {
		return fmt.Errorf("vm %s not found on source node %s: %w", job.VM, job.SourceNode, err)
	}

	return nil
}

// restoreNetworkConfig is a no-op. MAC addresses and network settings
// live in the domain definition, which never left the source.
func (e *RollbackEngine) restoreNetworkConfig(ctx context.Context, job *MigrationJob) error {
	return nil
}

// restartVMOnSource starts the domain on the source and verifies it
// reaches the running state. A domain that is already active counts as
// success.
func (e *RollbackEngine) restartVMOnSource(ctx context.Context, job *MigrationJob) error {
	name := domainName(job.VM)

	out, err := e.Runner.Run(ctx, job.SourceNode, "virsh", "start", name)
	if err != nil && !strings.Contains(strings.ToLower(string(out)), "already active") {
		return fmt.Errorf("failed to start vm on source: %w", err)
	}

	out, err = e.Runner.Run(ctx, job.SourceNode, "virsh", "domstate", name)
	if err != nil {
		return err
	}

	if state := strings.TrimSpace(string(out)); state != "running" {
		return fmt.Errorf("vm started but is not running (state: %s)", state)
	}

	return nil
}
