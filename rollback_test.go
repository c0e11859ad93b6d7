package taniwha_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mistifyio/taniwha"
	"github.com/stretchr/testify/suite"
)

type RollbackTestSuite struct {
	suite.Suite
	Runner *taniwha.StubRunner
	Engine *taniwha.RollbackEngine
}

func TestRollbackTestSuite(t *testing.T) {
	suite.Run(t, new(RollbackTestSuite))
}

func (s *RollbackTestSuite) SetupTest() {
	s.Runner = taniwha.NewStubRunner()
	s.Runner.Handle("virsh domstate", "running\n", nil)
	s.Engine = &taniwha.RollbackEngine{Runner: s.Runner}
}

func (s *RollbackTestSuite) newJob() *taniwha.MigrationJob {
	return &taniwha.MigrationJob{
		ID:         "job-1",
		VM:         "test",
		SourceNode: "hv-01",
		TargetNode: "hv-02",
		Disks: []taniwha.BlockDevice{
			{Path: "/var/lib/libvirt/images/vm-test.qcow2"},
		},
	}
}

func (s *RollbackTestSuite) TestStepOrder() {
	report := s.Engine.Execute(context.Background(), s.newJob())

	expected := []taniwha.RollbackStep{
		taniwha.StepCleanupTargetDisks,
		taniwha.StepUnregisterTargetVM,
		taniwha.StepReleaseTargetResources,
		taniwha.StepRestoreSourceConfig,
		taniwha.StepRestoreNetworkConfig,
		taniwha.StepRestartVMOnSource,
	}

	s.Require().Len(report.Steps, len(expected))
	for i, step := range expected {
		s.Equal(step, report.Steps[i].Step)
		s.True(report.Steps[i].Executed)
		s.NotEmpty(report.Steps[i].Description)
	}

	s.Equal(6, report.Succeeded())
	s.Equal(0, report.Failed())
}

func (s *RollbackTestSuite) TestCleanupCommands() {
	_ = s.Engine.Execute(context.Background(), s.newJob())

	s.NotZero(s.Runner.CallsMatching("rm -f /var/lib/libvirt/images/vm-test*.partial"))
	s.NotZero(s.Runner.CallsMatching("rm -f /var/lib/libvirt/images/vm-test*.tmp"))
	s.NotZero(s.Runner.CallsMatching("rm -f /var/lib/libvirt/images/vm-test.qcow2.partial"))
	s.NotZero(s.Runner.CallsMatching("virsh undefine vm-test --nvram"))
	s.NotZero(s.Runner.CallsMatching("virsh destroy vm-test"))
	s.NotZero(s.Runner.CallsMatching("virsh dominfo vm-test"))
	s.NotZero(s.Runner.CallsMatching("virsh start vm-test"))
}

func (s *RollbackTestSuite) TestNeverShortCircuits() {
	// make the first four command-driven steps unhappy
	s.Runner.Handle("rm -f", "", errors.New("exit status 1"))
	s.Runner.Handle("virsh undefine", "error: internal error", errors.New("exit status 1"))
	s.Runner.Handle("virsh destroy", "", errors.New("exit status 1"))
	s.Runner.Handle("virsh dominfo", "", errors.New("exit status 1"))

	report := s.Engine.Execute(context.Background(), s.newJob())

	s.Require().Len(report.Steps, 6, "failures must not stop later steps")
	for _, step := range report.Steps {
		s.True(step.Executed, string(step.Step))
	}

	// cleanup and destroy tolerate failure by design; undefine and
	// dominfo report theirs
	s.NotZero(report.Failed())
	s.NotZero(s.Runner.CallsMatching("virsh start"), "restart still runs after earlier failures")
}

func (s *RollbackTestSuite) TestUndefineToleratesMissingDomain() {
	s.Runner.Handle("virsh undefine", "error: failed to get domain 'vm-test': Domain not found", errors.New("exit status 1"))

	report := s.Engine.Execute(context.Background(), s.newJob())

	for _, step := range report.Steps {
		if step.Step == taniwha.StepUnregisterTargetVM {
			s.Empty(step.Error, "a never-defined domain is not a rollback failure")
		}
	}
}

func (s *RollbackTestSuite) TestRestartToleratesAlreadyActive() {
	s.Runner.Handle("virsh start", "error: Domain is already active", errors.New("exit status 1"))

	report := s.Engine.Execute(context.Background(), s.newJob())

	last := report.Steps[len(report.Steps)-1]
	s.Equal(taniwha.StepRestartVMOnSource, last.Step)
	s.Empty(last.Error, "an already running vm counts as restarted")
}

func (s *RollbackTestSuite) TestRestartFailureReported() {
	s.Runner.Handle("virsh domstate", "paused\n", nil)

	report := s.Engine.Execute(context.Background(), s.newJob())

	last := report.Steps[len(report.Steps)-1]
	s.NotEmpty(last.Error, "a vm stuck outside running is a failure")
	s.Equal(1, report.Failed())
	s.Equal(5, report.Succeeded())
}
