package taniwha_test

import (
	"fmt"
	"time"

	"github.com/mistifyio/taniwha"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/suite"
)

type CommonTestSuite struct {
	suite.Suite
	Runner  *taniwha.StubRunner
	Monitor *taniwha.StubMonitor
	Manager *taniwha.Manager

	dial taniwha.MonitorDial
}

func (s *CommonTestSuite) SetupTest() {
	s.Runner = taniwha.NewStubRunner()
	s.Monitor = taniwha.NewStubMonitor(
		taniwha.StatusSetup,
		taniwha.StatusActive,
		taniwha.StatusActive,
		taniwha.StatusCompleted,
	)
	s.dial = func(node, vm string) (taniwha.Monitor, error) {
		return s.Monitor, nil
	}
	s.stubHealthyNodes()

	dial := func(node, vm string) (taniwha.Monitor, error) {
		return s.dial(node, vm)
	}

	var err error
	s.Manager, err = taniwha.NewManager(taniwha.ManagerConfig{
		Runner:      s.Runner,
		DialMonitor: dial,
		Health: &taniwha.HealthCheckEngine{
			Runner:      s.Runner,
			DialMonitor: dial,
			Timeout:     time.Second,
			Attempts:    2,
			RetryDelay:  time.Millisecond,
		},
		PollInterval:  2 * time.Millisecond,
		MaxConcurrent: 4,
	})
	s.Require().NoError(err)
}

// stubHealthyNodes scripts the runner so preflight and health checks
// pass.
func (s *CommonTestSuite) stubHealthyNodes() {
	s.Runner.Handle("virsh domstate", "running\n", nil)
	s.Runner.Handle("virsh dommemstat", "actual 2097152\nrss 1048576\n", nil)
	s.Runner.Handle("virsh vcpuinfo",
		"VCPU:           0\nCPU:            1\nState:          running\n\n"+
			"VCPU:           1\nCPU:            3\nState:          running\n", nil)
	s.Runner.Handle("virsh domblklist",
		" Target   Source\n---------------------------------\n vda      /var/lib/libvirt/images/vm-test.qcow2\n", nil)
	s.Runner.Handle("virsh domiflist",
		" Interface   Type     Source   Model    MAC\n-------------------------------------------------------\n vnet0       bridge   br0      virtio   52:54:00:aa:bb:cc\n", nil)
	s.Runner.Handle("qemu-agent-command", `{"return":{}}`, nil)
	s.Runner.Handle("qemu-img info", `{"format":"qcow2","virtual-size":10737418240}`, nil)
	s.Runner.Handle("free -b",
		"              total        used        free      shared  buff/cache   available\n"+
			"Mem:    16000000000  2000000000  8000000000   100000000  6000000000 12000000000\n"+
			"Swap:            0           0           0\n", nil)
	s.Runner.Handle("/proc/cpuinfo", "flags\t\t: fpu vme de pse sse sse2 vmx\n", nil)
}

func (s *CommonTestSuite) newRequest() taniwha.MigrationRequest {
	return taniwha.MigrationRequest{
		VM:         uuid.New(),
		SourceNode: "hv-01",
		TargetNode: "hv-02",
		Kind:       taniwha.MigrationKindLive,
		MemoryMB:   1024,
		CPUs:       2,
		GuestAgent: true,
		Disks: []taniwha.BlockDevice{
			{Path: "/var/lib/libvirt/images/vm-test.qcow2"},
		},
	}
}

// waitForJob blocks until the job is terminal and returns its final
// snapshot.
func (s *CommonTestSuite) waitForJob(jobID string) *taniwha.MigrationJob {
	ch, err := s.Manager.Wait(jobID)
	s.Require().NoError(err)

	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		s.Require().FailNow("timed out waiting for job " + jobID)
	}

	job, err := s.Manager.Job(jobID)
	s.Require().NoError(err)
	return job
}

func testMsgFunc(prefix string) func(...interface{}) string {
	return func(val ...interface{}) string {
		if len(val) == 0 {
			return prefix
		}
		msgPrefix := prefix + " : "
		if len(val) == 1 {
			return msgPrefix + val[0].(string)
		} else {
			return msgPrefix + fmt.Sprintf(val[0].(string), val[1:]...)
		}
	}
}
