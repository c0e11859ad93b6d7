package main

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/armon/go-metrics"
	mapsink "github.com/bakins/go-metrics-map"
	mmw "github.com/bakins/go-metrics-middleware"
	"github.com/mistifyio/taniwha"
	ct "github.com/mistifyio/taniwha/internal/tests/common"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
	"github.com/tylerb/graceful"
)

type APISuite struct {
	ct.Suite
	Port           uint
	MetricsContext *metricsContext
	APIServer      *graceful.Server
	APIURL         string
}

func (s *APISuite) SetupTest() {
	s.Suite.SetupTest()

	log.SetLevel(log.FatalLevel)
	s.Port = 51324
	s.APIURL = fmt.Sprintf("http://localhost:%d/migrations", s.Port)

	// Metrics context
	sink := mapsink.New()
	fanout := metrics.FanoutSink{sink}
	conf := metrics.DefaultConfig("cmigrationdTEST")
	conf.EnableHostname = false
	m, _ := metrics.New(conf, fanout)
	s.MetricsContext = &metricsContext{
		sink:    sink,
		metrics: m,
		mmw:     mmw.New(m),
	}

	// Run the server
	s.APIServer = Run(s.Port, s.Manager, s.MetricsContext)
	time.Sleep(100 * time.Millisecond)
}

func (s *APISuite) TearDownTest() {
	stopChan := s.APIServer.StopChan()
	s.APIServer.Stop(5 * time.Second)
	<-stopChan
}

func TestCMigrationdAPI(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) TestMigrationStart() {
	req := s.NewRequest()

	var job taniwha.MigrationJob
	resp := s.DoRequest("POST", s.APIURL, http.StatusAccepted, req, &job)
	s.NotEmpty(resp.Header.Get("X-Migration-Job-ID"))
	s.Equal(req.VM, job.VM)

	final := s.WaitForJob(job.ID)
	s.Equal(taniwha.StateCompleted, final.State)
}

func (s *APISuite) TestMigrationStartInvalid() {
	req := s.NewRequest()
	req.TargetNode = req.SourceNode

	var errResp map[string]interface{}
	s.DoRequest("POST", s.APIURL, http.StatusBadRequest, req, &errResp)
}

func (s *APISuite) TestMigrationsList() {
	job := s.StartAndWait(s.NewRequest())

	var jobs []taniwha.MigrationJob
	s.DoRequest("GET", s.APIURL, http.StatusOK, nil, &jobs)
	s.Require().Len(jobs, 1)
	s.Equal(job.ID, jobs[0].ID)

	var active []taniwha.MigrationJob
	s.DoRequest("GET", s.APIURL+"/active", http.StatusOK, nil, &active)
	s.Len(active, 0)
}

func (s *APISuite) TestMigrationGet() {
	job := s.StartAndWait(s.NewRequest())

	var jobResp taniwha.MigrationJob
	s.DoRequest("GET", fmt.Sprintf("%s/%s", s.APIURL, job.ID), http.StatusOK, nil, &jobResp)
	s.Equal(job.ID, jobResp.ID)
	s.Equal(taniwha.StateCompleted, jobResp.State)

	var errResp map[string]interface{}
	s.DoRequest("GET", s.APIURL+"/bogus", http.StatusNotFound, nil, &errResp)
}

func (s *APISuite) TestMigrationStats() {
	job := s.StartAndWait(s.NewRequest())

	var stats taniwha.MigrationStatistics
	s.DoRequest("GET", fmt.Sprintf("%s/%s/stats", s.APIURL, job.ID), http.StatusOK, nil, &stats)
	s.Equal(taniwha.StatusCompleted, stats.Status)
}

func (s *APISuite) TestMigrationCancelTerminal() {
	job := s.StartAndWait(s.NewRequest())

	var errResp map[string]interface{}
	s.DoRequest("DELETE", fmt.Sprintf("%s/%s", s.APIURL, job.ID), http.StatusConflict, nil, &errResp)
}

func (s *APISuite) TestRollbackReportAndHealth() {
	s.Monitor.FailOn("migrate", fmt.Errorf("connection refused"))
	job := s.NewRequest()

	var created taniwha.MigrationJob
	s.DoRequest("POST", s.APIURL, http.StatusAccepted, job, &created)
	final := s.WaitForJob(created.ID)
	s.Require().Equal(taniwha.StateFailed, final.State)

	var report taniwha.RollbackReport
	s.DoRequest("GET", fmt.Sprintf("%s/%s/rollback", s.APIURL, created.ID), http.StatusOK, nil, &report)
	s.Len(report.Steps, 6)

	var reports []taniwha.RollbackReport
	s.DoRequest("GET", fmt.Sprintf("http://localhost:%d/rollbacks", s.Port), http.StatusOK, nil, &reports)
	s.Len(reports, 1)

	// failed before finalizing, so no health report exists
	var errResp map[string]interface{}
	s.DoRequest("GET", fmt.Sprintf("%s/%s/health", s.APIURL, created.ID), http.StatusNotFound, nil, &errResp)

	// manual rollback re-runs the plan
	var rerun taniwha.RollbackReport
	s.DoRequest("POST", fmt.Sprintf("%s/%s/rollback", s.APIURL, created.ID), http.StatusAccepted, nil, &rerun)
	s.Len(rerun.Steps, 6)
}

func (s *APISuite) TestHealthEndpoints() {
	job := s.StartAndWait(s.NewRequest())

	var report taniwha.HealthReport
	s.DoRequest("GET", fmt.Sprintf("%s/%s/health", s.APIURL, job.ID), http.StatusOK, nil, &report)
	s.Len(report.Checks, 7)

	var summary map[string]interface{}
	s.DoRequest("GET", fmt.Sprintf("%s/%s/health/summary", s.APIURL, job.ID), http.StatusOK, nil, &summary)
	s.Equal(true, summary["healthy"])
}

func (s *APISuite) TestConfig() {
	configURL := fmt.Sprintf("http://localhost:%d/config", s.Port)

	update := map[string]interface{}{
		"bandwidth_limit": 10485760,
		"max_concurrent":  3,
		"downtime_ms":     300,
		"auto_rollback":   false,
	}
	var updated map[string]interface{}
	s.DoRequest("PATCH", configURL, http.StatusOK, update, &updated)
	s.EqualValues(10485760, updated["bandwidth_limit"])
	s.EqualValues(3, updated["max_concurrent"])
	s.Equal(false, updated["auto_rollback"])
	s.Equal(true, updated["health_checks"])

	var config map[string]interface{}
	s.DoRequest("GET", configURL, http.StatusOK, nil, &config)
	s.EqualValues(300, config["downtime_ms"])

	var errResp map[string]interface{}
	s.DoRequest("PATCH", configURL, http.StatusBadRequest,
		map[string]interface{}{"max_concurrent": -1}, &errResp)
}

func (s *APISuite) TestMetrics() {
	s.StartAndWait(s.NewRequest())

	var sink map[string]interface{}
	s.DoRequest("GET", fmt.Sprintf("http://localhost:%d/metrics", s.Port), http.StatusOK, nil, &sink)
	s.NotEmpty(sink)
}
