package taniwha

import (
	"encoding/json"
	"path/filepath"

	"github.com/coreos/go-etcd/etcd"
)

// Paths in the config store
var (
	MigrationPath    = "taniwha/migrations/"
	RollbackPath     = "taniwha/rollbacks/"
	HealthReportPath = "taniwha/health/"
)

type (
	// Context carries the config store connection. Jobs, rollback
	// reports, and health reports are mirrored there so other cluster
	// tooling can watch them.
	Context struct {
		etcd *etcd.Client
	}
)

// NewContext creates a Context from an etcd client.
func NewContext(e *etcd.Client) *Context {
	return &Context{
		etcd: e,
	}
}

// SaveJob persists a job. The in-memory manager is the writer of
// record; the store copy is an audit mirror, so last write wins.
func (c *Context) SaveJob(j *MigrationJob) error {
	v, err := json.Marshal(j)
	if err != nil {
		return err
	}

	_, err = c.etcd.Set(filepath.Join(MigrationPath, j.ID), string(v), 0)
	return err
}

// Job retrieves a single job from the store.
func (c *Context) Job(id string) (*MigrationJob, error) {
	resp, err := c.etcd.Get(filepath.Join(MigrationPath, id), false, false)
	if err != nil {
		return nil, err
	}

	j := &MigrationJob{}
	if err := json.Unmarshal([]byte(resp.Node.Value), j); err != nil {
		return nil, err
	}

	return j, nil
}

// ForEachJob will run f on each stored job. It will stop iteration on
// the first error.
func (c *Context) ForEachJob(f func(*MigrationJob) error) error {
	resp, err := c.etcd.Get(MigrationPath, false, false)
	if err != nil {
		return err
	}

	for _, n := range resp.Node.Nodes {
		j := &MigrationJob{}
		if err := json.Unmarshal([]byte(n.Value), j); err != nil {
			return err
		}

		if err := f(j); err != nil {
			return err
		}
	}

	return nil
}

// SaveRollback persists a rollback report.
func (c *Context) SaveRollback(r *RollbackReport) error {
	v, err := json.Marshal(r)
	if err != nil {
		return err
	}

	_, err = c.etcd.Set(filepath.Join(RollbackPath, r.JobID), string(v), 0)
	return err
}

// Rollback retrieves a stored rollback report.
func (c *Context) Rollback(jobID string) (*RollbackReport, error) {
	resp, err := c.etcd.Get(filepath.Join(RollbackPath, jobID), false, false)
	if err != nil {
		return nil, err
	}

	r := &RollbackReport{}
	if err := json.Unmarshal([]byte(resp.Node.Value), r); err != nil {
		return nil, err
	}

	return r, nil
}

// SaveHealthReport persists a health report.
func (c *Context) SaveHealthReport(r *HealthReport) error {
	v, err := json.Marshal(r)
	if err != nil {
		return err
	}

	_, err = c.etcd.Set(filepath.Join(HealthReportPath, r.JobID), string(v), 0)
	return err
}

// HealthReport retrieves a stored health report.
func (c *Context) HealthReport(jobID string) (*HealthReport, error) {
	resp, err := c.etcd.Get(filepath.Join(HealthReportPath, jobID), false, false)
	if err != nil {
		return nil, err
	}

	r := &HealthReport{}
	if err := json.Unmarshal([]byte(resp.Node.Value), r); err != nil {
		return nil, err
	}

	return r, nil
}
