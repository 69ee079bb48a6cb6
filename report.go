package castle

import (
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// Run status values of a RunRecord.
const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusTimedOut  = "timed_out"
)

// RunID identifies one scheduler run.
type RunID struct {
	UUID uuid.UUID
}

// NewRunID returns a fresh random RunID.
func NewRunID() RunID {
	return RunID{UUID: uuid.New()}
}

func (r RunID) String() string {
	return r.UUID.String()
}

// UnitResult is the outcome of one unit. Start and End are zero for units
// that never ran.
type UnitResult struct {
	Unit  UnitID
	State UnitState
	Err   error
	Start time.Time
	End   time.Time
}

// Report is the aggregate outcome of a run. Results are ordered by unit.
type Report struct {
	RunID      RunID
	Targets    []string
	StartedAt  time.Time
	FinishedAt time.Time
	TimedOut   bool
	results    *btree.Map[string, UnitResult]
}

func newReport(id RunID, targets []string) *Report {
	return &Report{
		RunID:   id,
		Targets: append([]string(nil), targets...),
		results: btree.NewMap[string, UnitResult](16),
	}
}

func (r *Report) add(res UnitResult) {
	r.results.Set(res.Unit.String(), res)
}

// Results returns every unit result ordered by unit name.
func (r *Report) Results() []UnitResult {
	out := make([]UnitResult, 0, r.results.Len())
	r.results.Scan(func(_ string, res UnitResult) bool {
		out = append(out, res)
		return true
	})
	return out
}

// Result returns the outcome of unit.
func (r *Report) Result(unit UnitID) (UnitResult, bool) {
	return r.results.Get(unit.String())
}

// Failures returns the units that did not succeed with their errors.
func (r *Report) Failures() []UnitFailure {
	var out []UnitFailure
	r.results.Scan(func(_ string, res UnitResult) bool {
		if res.State != UnitSucceeded {
			out = append(out, UnitFailure{Unit: res.Unit, Err: res.Err})
		}
		return true
	})
	return out
}

// Succeeded reports whether every unit succeeded.
func (r *Report) Succeeded() bool {
	return !r.TimedOut && len(r.Failures()) == 0
}

// Len returns the number of units of the run.
func (r *Report) Len() int {
	return r.results.Len()
}

// RunRecord is the serialized form of a Report.
type RunRecord struct {
	RunID      string       `json:"run_id"`
	Targets    []string     `json:"targets"`
	Status     string       `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Units      []UnitRecord `json:"units"`
}

// UnitRecord is the serialized form of a UnitResult.
type UnitRecord struct {
	Unit       string     `json:"unit"`
	State      string     `json:"state"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Record converts the report for storage.
func (r *Report) Record() RunRecord {
	rec := RunRecord{
		RunID:      r.RunID.String(),
		Targets:    r.Targets,
		Status:     RunStatusSucceeded,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	switch {
	case r.TimedOut:
		rec.Status = RunStatusTimedOut
	case !r.Succeeded():
		rec.Status = RunStatusFailed
	}
	for _, res := range r.Results() {
		u := UnitRecord{Unit: res.Unit.String(), State: res.State.String()}
		if res.Err != nil {
			u.Error = res.Err.Error()
		}
		if !res.Start.IsZero() {
			start, end := res.Start, res.End
			u.StartedAt, u.FinishedAt = &start, &end
		}
		rec.Units = append(rec.Units, u)
	}
	return rec
}
