package delivery

import (
	"time"

	"go.uber.org/zap"

	"github.com/msageha/experian_v2/internal/atomicfile"
	"github.com/msageha/experian_v2/internal/remote"
)

// Report is the YAML summary written to report_path at the end of a run.
type Report struct {
	RunID        string        `yaml:"run_id"`
	Prefix       string        `yaml:"prefix"`
	State        State         `yaml:"state"`
	StartedAt    time.Time     `yaml:"started_at"`
	FinishedAt   time.Time     `yaml:"finished_at"`
	Transitions  []Transition  `yaml:"transitions"`
	MergedFile   string        `yaml:"merged_file,omitempty"`
	Parts        int           `yaml:"parts"`
	Rows         int           `yaml:"rows"`
	Replaced     int           `yaml:"replaced"`
	Remote       *remote.Stats `yaml:"remote,omitempty"`
	Error        string        `yaml:"error,omitempty"`
	CleanupError string        `yaml:"cleanup_error,omitempty"`
}

// Report snapshots the run so far.
func (o *Orchestrator) Report(startedAt time.Time, runErr, cleanupErr error) Report {
	o.mu.Lock()
	r := Report{
		RunID:       o.runID,
		Prefix:      o.task.TmpfilePrefix,
		State:       o.state,
		StartedAt:   startedAt,
		FinishedAt:  o.now(),
		Transitions: append([]Transition(nil), o.transitions...),
		MergedFile:  o.merged.Path,
		Parts:       len(o.merged.Parts),
		Rows:        o.merged.Rows,
		Replaced:    o.merged.Replaced,
	}
	o.mu.Unlock()

	if sr, ok := o.remote.(statsReporter); ok {
		stats := sr.Stats()
		r.Remote = &stats
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	if cleanupErr != nil {
		r.CleanupError = cleanupErr.Error()
	}
	return r
}

func (o *Orchestrator) writeReport(startedAt time.Time, runErr, cleanupErr error) {
	if o.task.ReportPath == "" {
		return
	}
	if err := atomicfile.WriteYAML(o.task.ReportPath, o.Report(startedAt, runErr, cleanupErr)); err != nil {
		o.logger.Warn("write run report failed", zap.String("path", o.task.ReportPath), zap.Error(err))
		return
	}
	o.logger.Debug("run report written", zap.String("path", o.task.ReportPath))
}
