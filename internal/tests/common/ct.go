// Package ct contains common utilities and suites to be used in other tests
package ct

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/mistifyio/taniwha"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/suite"
)

// Suite sets up a general test suite with a stub-backed migration
// manager. No external processes are required.
type Suite struct {
	suite.Suite
	Runner  *taniwha.StubRunner
	Monitor *taniwha.StubMonitor
	Manager *taniwha.Manager
}

// SetupTest creates a fresh manager on stubbed nodes.
func (s *Suite) SetupTest() {
	s.Runner = taniwha.NewStubRunner()
	s.Monitor = taniwha.NewStubMonitor(
		taniwha.StatusSetup,
		taniwha.StatusActive,
		taniwha.StatusCompleted,
	)
	s.StubHealthyNodes()

	dial := func(node, vm string) (taniwha.Monitor, error) {
		return s.Monitor, nil
	}

	var err error
	s.Manager, err = taniwha.NewManager(taniwha.ManagerConfig{
		Runner:      s.Runner,
		DialMonitor: dial,
		Health: &taniwha.HealthCheckEngine{
			Runner:      s.Runner,
			DialMonitor: dial,
			Timeout:     time.Second,
			Attempts:    1,
			RetryDelay:  time.Millisecond,
		},
		PollInterval:  2 * time.Millisecond,
		MaxConcurrent: 4,
	})
	s.Require().NoError(err)
}

// StubHealthyNodes scripts the runner so preflight and health checks
// pass.
func (s *Suite) StubHealthyNodes() {
	s.Runner.Handle("virsh domstate", "running\n", nil)
	s.Runner.Handle("virsh dommemstat", "actual 2097152\nrss 1048576\n", nil)
	s.Runner.Handle("virsh vcpuinfo",
		"VCPU:           0\nCPU:            1\nState:          running\n", nil)
	s.Runner.Handle("virsh domblklist",
		" Target   Source\n---------------------------------\n vda      /var/lib/libvirt/images/vm-test.qcow2\n", nil)
	s.Runner.Handle("virsh domiflist",
		" Interface   Type     Source   Model    MAC\n-------------------------------------------------------\n vnet0       bridge   br0      virtio   52:54:00:aa:bb:cc\n", nil)
	s.Runner.Handle("qemu-agent-command", `{"return":{}}`, nil)
	s.Runner.Handle("qemu-img info", `{"format":"qcow2","virtual-size":10737418240}`, nil)
	s.Runner.Handle("free -b",
		"              total        used        free      shared  buff/cache   available\n"+
			"Mem:    16000000000  2000000000  8000000000   100000000  6000000000 12000000000\n", nil)
	s.Runner.Handle("/proc/cpuinfo", "flags\t\t: fpu vme de pse sse sse2 vmx\n", nil)
}

// NewRequest builds a valid migration request against the stubbed
// nodes.
func (s *Suite) NewRequest() taniwha.MigrationRequest {
	return taniwha.MigrationRequest{
		VM:         uuid.New(),
		SourceNode: "hv-01",
		TargetNode: "hv-02",
		Kind:       taniwha.MigrationKindLive,
		MemoryMB:   1024,
		CPUs:       1,
		Disks: []taniwha.BlockDevice{
			{Path: "/var/lib/libvirt/images/vm-test.qcow2"},
		},
	}
}

// StartAndWait runs a migration to a terminal state and returns the
// final job.
func (s *Suite) StartAndWait(req taniwha.MigrationRequest) *taniwha.MigrationJob {
	job, err := s.Manager.StartMigration(context.Background(), req)
	s.Require().NoError(err)
	return s.WaitForJob(job.ID)
}

// WaitForJob blocks until the job is terminal and returns its final
// snapshot.
func (s *Suite) WaitForJob(jobID string) *taniwha.MigrationJob {
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

// DoRequest is a convenience method for making an http request and doing basic handling of the response.
func (s *Suite) DoRequest(method, url string, expectedRespCode int, postBodyStruct interface{}, respBody interface{}) *http.Response {
	var postBody io.Reader
	if postBodyStruct != nil {
		bodyBytes, _ := json.Marshal(postBodyStruct)
		postBody = bytes.NewBuffer(bodyBytes)
	}

	req, err := http.NewRequest(method, url, postBody)
	s.NoError(err)
	if postBody != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	s.Require().NoError(err)
	correctResponse := s.Equal(expectedRespCode, resp.StatusCode)
	defer func() { _ = resp.Body.Close() }()

	body, err := ioutil.ReadAll(resp.Body)
	s.NoError(err)

	if correctResponse {
		s.NoError(json.Unmarshal(body, respBody))
	} else {
		s.T().Log(string(body))
	}
	return resp
}
