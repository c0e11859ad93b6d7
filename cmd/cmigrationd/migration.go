package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mistifyio/taniwha"
)

// RegisterMigrationRoutes registers the migration routes and handlers
func RegisterMigrationRoutes(prefix string, router *mux.Router, m *metricsContext) {
	router.Handle(prefix, m.mmw.HandlerFunc(ListMigrations, "list")).Methods("GET")
	router.Handle(prefix, m.mmw.HandlerFunc(StartMigration, "start")).Methods("POST")

	// TODO: Figure out a cleaner way to do middleware on the subrouter
	sub := router.PathPrefix(prefix).Subrouter()

	sub.Handle("/active", m.mmw.HandlerFunc(ListActiveMigrations, "active")).Methods("GET")
	sub.Handle("/{jobID}", m.mmw.HandlerFunc(GetMigration, "get")).Methods("GET")
	sub.Handle("/{jobID}", m.mmw.HandlerFunc(CancelMigration, "cancel")).Methods("DELETE")
	sub.Handle("/{jobID}/stats", m.mmw.HandlerFunc(GetMigrationStats, "stats")).Methods("GET")
	sub.Handle("/{jobID}/rollback", m.mmw.HandlerFunc(GetRollback, "rollback")).Methods("GET")
	sub.Handle("/{jobID}/rollback", m.mmw.HandlerFunc(TriggerRollback, "rollback.trigger")).Methods("POST")
	sub.Handle("/{jobID}/health", m.mmw.HandlerFunc(GetHealth, "health")).Methods("GET")
	sub.Handle("/{jobID}/health/summary", m.mmw.HandlerFunc(GetHealthSummary, "health.summary")).Methods("GET")
}

// RegisterConfigRoutes registers the policy routes and handlers
func RegisterConfigRoutes(prefix string, router *mux.Router, m *metricsContext) {
	router.Handle(prefix, m.mmw.HandlerFunc(GetConfig, "config")).Methods("GET")
	router.Handle(prefix, m.mmw.HandlerFunc(UpdateConfig, "config.update")).Methods("PATCH")
}

// jobError maps manager errors to http status codes
func jobError(hr HTTPResponse, err error) {
	precondErr := &taniwha.PreconditionError{}
	switch {
	case errors.Is(err, taniwha.ErrJobNotFound), errors.Is(err, taniwha.ErrNoReport):
		hr.JSONMsg(http.StatusNotFound, err.Error())
	case errors.Is(err, taniwha.ErrVMAlreadyMigrating),
		errors.Is(err, taniwha.ErrNotCancellable),
		errors.Is(err, taniwha.ErrNotRollbackable):
		hr.JSONMsg(http.StatusConflict, err.Error())
	case errors.As(err, &precondErr):
		hr.JSONMsg(http.StatusBadRequest, err.Error())
	default:
		hr.JSONError(http.StatusInternalServerError, err)
	}
}

// ListMigrations gets a list of all migration jobs
func ListMigrations(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	hr.JSON(http.StatusOK, GetManager(r).Jobs())
}

// ListActiveMigrations gets the migration jobs still in flight
func ListActiveMigrations(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	hr.JSON(http.StatusOK, GetManager(r).ActiveJobs())
}

// StartMigration admits a new migration job
func StartMigration(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}

	req := taniwha.MigrationRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		hr.JSONMsg(http.StatusBadRequest, err.Error())
		return
	}

	job, err := GetManager(r).StartMigration(r.Context(), req)
	if err != nil {
		if err == taniwha.ErrVMAlreadyMigrating {
			jobError(hr, err)
			return
		}
		precondErr := &taniwha.PreconditionError{}
		if errors.As(err, &precondErr) {
			jobError(hr, err)
			return
		}
		hr.JSONMsg(http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("X-Migration-Job-ID", job.ID)
	hr.JSON(http.StatusAccepted, job)
}

// GetMigration gets a particular migration job
func GetMigration(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vars := mux.Vars(r)

	job, err := GetManager(r).Job(vars["jobID"])
	if err != nil {
		jobError(hr, err)
		return
	}
	hr.JSON(http.StatusOK, job)
}

// CancelMigration requests cancellation of a migration job
func CancelMigration(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vars := mux.Vars(r)
	manager := GetManager(r)

	if err := manager.Cancel(vars["jobID"]); err != nil {
		jobError(hr, err)
		return
	}

	job, err := manager.Job(vars["jobID"])
	if err != nil {
		jobError(hr, err)
		return
	}
	hr.JSON(http.StatusAccepted, job)
}

// GetMigrationStats gets the memory transfer statistics of a job
func GetMigrationStats(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vars := mux.Vars(r)

	stats, err := GetManager(r).Statistics(vars["jobID"])
	if err != nil {
		jobError(hr, err)
		return
	}
	hr.JSON(http.StatusOK, stats)
}

// GetRollback gets the rollback report of a job
func GetRollback(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vars := mux.Vars(r)

	report, err := GetManager(r).RollbackReport(vars["jobID"])
	if err != nil {
		jobError(hr, err)
		return
	}
	hr.JSON(http.StatusOK, report)
}

// TriggerRollback re-runs the rollback plan for a failed job
func TriggerRollback(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vars := mux.Vars(r)

	report, err := GetManager(r).ManualRollback(r.Context(), vars["jobID"])
	if err != nil {
		jobError(hr, err)
		return
	}
	hr.JSON(http.StatusAccepted, report)
}

// ListRollbacks gets all retained rollback reports
func ListRollbacks(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	hr.JSON(http.StatusOK, GetManager(r).RollbackReports())
}

// GetHealth gets the health report of a job
func GetHealth(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vars := mux.Vars(r)

	report, err := GetManager(r).Health(vars["jobID"])
	if err != nil {
		jobError(hr, err)
		return
	}
	hr.JSON(http.StatusOK, report)
}

// GetHealthSummary gets the per-result counts of a job's health report
func GetHealthSummary(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vars := mux.Vars(r)

	report, err := GetManager(r).Health(vars["jobID"])
	if err != nil {
		jobError(hr, err)
		return
	}
	hr.JSON(http.StatusOK, map[string]interface{}{
		"job_id":  report.JobID,
		"healthy": report.Healthy(),
		"summary": report.Summary(),
	})
}

type configBody struct {
	BandwidthLimit *uint64 `json:"bandwidth_limit,omitempty"`
	MaxConcurrent  *int    `json:"max_concurrent,omitempty"`
	DowntimeMS     *uint64 `json:"downtime_ms,omitempty"`
	AutoRollback   *bool   `json:"auto_rollback,omitempty"`
	HealthChecks   *bool   `json:"health_checks,omitempty"`
}

// GetConfig gets the current migration policy
func GetConfig(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	manager := GetManager(r)

	bw := manager.BandwidthLimit()
	mc := manager.MaxConcurrent()
	dt := uint64(manager.DowntimeLimit() / time.Millisecond)
	ar := manager.AutoRollback()
	hc := manager.HealthChecks()
	hr.JSON(http.StatusOK, configBody{
		BandwidthLimit: &bw,
		MaxConcurrent:  &mc,
		DowntimeMS:     &dt,
		AutoRollback:   &ar,
		HealthChecks:   &hc,
	})
}

// UpdateConfig updates the migration policy
func UpdateConfig(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	manager := GetManager(r)

	body := configBody{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		hr.JSONMsg(http.StatusBadRequest, err.Error())
		return
	}

	if body.BandwidthLimit != nil {
		manager.SetBandwidthLimit(*body.BandwidthLimit)
	}
	if body.MaxConcurrent != nil {
		if *body.MaxConcurrent <= 0 {
			hr.JSONMsg(http.StatusBadRequest, "max_concurrent must be positive")
			return
		}
		manager.SetMaxConcurrent(*body.MaxConcurrent)
	}
	if body.DowntimeMS != nil {
		manager.SetDowntimeLimit(time.Duration(*body.DowntimeMS) * time.Millisecond)
	}
	if body.AutoRollback != nil {
		manager.SetAutoRollback(*body.AutoRollback)
	}
	if body.HealthChecks != nil {
		manager.SetHealthChecks(*body.HealthChecks)
	}

	GetConfig(w, r)
}
