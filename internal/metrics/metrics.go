// Package metrics collects pipeline counters in a private Prometheus registry.
// A batch job has no scrape endpoint, so the registry is written to a node
// exporter textfile after each phase.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics defines the metrics operations the phases need.
type PipelineMetrics interface {
	IncFilesIngested(fileType, destination string)
	IncUnrecognizedFiles()
	SetFileSets(eligible, deferred, keyErrors int)
	SetBatches(n int)
	ObserveFileSet(duration time.Duration)
	IncFileResult(fileType string, success bool, kind string)
	IncTerminalMove(destination string)
	TrackPhase(phase string, f func() error) error
}

// Pipeline implements PipelineMetrics.
type Pipeline struct {
	registry *prometheus.Registry

	FilesIngested     *prometheus.CounterVec // labels: file_type, destination
	UnrecognizedFiles prometheus.Counter
	FileSets          *prometheus.GaugeVec // labels: status
	Batches           prometheus.Gauge
	FileSetDuration   prometheus.Histogram
	FileResults       *prometheus.CounterVec // labels: file_type, outcome, error_kind
	TerminalMoves     *prometheus.CounterVec // labels: destination
	PhaseDuration     *prometheus.GaugeVec   // labels: phase
	PhaseFailures     *prometheus.CounterVec // labels: phase
	LastPhaseSuccess  *prometheus.GaugeVec   // labels: phase
}

const namespace = "stagehand"

// New registers every metric on a fresh registry, labelled with pipeline.
func New(pipeline string) *Pipeline {
	reg := prometheus.NewRegistry()
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"pipeline": pipeline}, reg))

	return &Pipeline{
		registry: reg,
		FilesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_ingested_total",
			Help:      "Files classified and moved out of ingest",
		}, []string{"file_type", "destination"}),
		UnrecognizedFiles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unrecognized_files_total",
			Help:      "Files left in ingest because no file type matched",
		}),
		FileSets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "file_sets",
			Help:      "File sets seen by the last batch phase",
		}, []string{"status"}),
		Batches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches",
			Help:      "Batches planned by the last batch phase",
		}),
		FileSetDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_set_duration_seconds",
			Help:      "Time spent processing one file set",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		FileResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_results_total",
			Help:      "Per-file processing outcomes recorded in the ledger",
		}, []string{"file_type", "outcome", "error_kind"}),
		TerminalMoves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_moves_total",
			Help:      "Files moved to store or quarantine by the store phase",
		}, []string{"destination"}),
		PhaseDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of the last execution of each phase",
		}, []string{"phase"}),
		PhaseFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_failures_total",
			Help:      "Phase executions that returned an error",
		}, []string{"phase"}),
		LastPhaseSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful execution of each phase",
		}, []string{"phase"}),
	}
}

func (p *Pipeline) IncFilesIngested(fileType, destination string) {
	p.FilesIngested.WithLabelValues(fileType, destination).Inc()
}

func (p *Pipeline) IncUnrecognizedFiles() {
	p.UnrecognizedFiles.Inc()
}

func (p *Pipeline) SetBatches(n int) {
	p.Batches.Set(float64(n))
}

func (p *Pipeline) ObserveFileSet(d time.Duration) {
	p.FileSetDuration.Observe(d.Seconds())
}

func (p *Pipeline) IncTerminalMove(destination string) {
	p.TerminalMoves.WithLabelValues(destination).Inc()
}

func (p *Pipeline) SetFileSets(eligible, deferred, keyErrors int) {
	p.FileSets.WithLabelValues("eligible").Set(float64(eligible))
	p.FileSets.WithLabelValues("deferred").Set(float64(deferred))
	p.FileSets.WithLabelValues("key_error").Set(float64(keyErrors))
}

func (p *Pipeline) IncFileResult(fileType string, success bool, kind string) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	p.FileResults.WithLabelValues(fileType, outcome, kind).Inc()
}

func (p *Pipeline) TrackPhase(phase string, f func() error) error {
	start := time.Now()
	err := f()
	p.PhaseDuration.WithLabelValues(phase).Set(time.Since(start).Seconds())
	if err != nil {
		p.PhaseFailures.WithLabelValues(phase).Inc()
		return err
	}
	p.LastPhaseSuccess.WithLabelValues(phase).SetToCurrentTime()
	return nil
}

// Gatherer exposes the registry, mainly for tests.
func (p *Pipeline) Gatherer() prometheus.Gatherer { return p.registry }

// WriteTextfile writes the registry in text exposition format. The write is
// atomic, so a node exporter never reads a partial file.
func (p *Pipeline) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}

// Noop discards every observation.
type Noop struct{}

func (Noop) IncFilesIngested(string, string) {}

func (Noop) IncUnrecognizedFiles() {}

func (Noop) SetFileSets(int, int, int) {}

func (Noop) SetBatches(int) {}

func (Noop) ObserveFileSet(time.Duration) {}

func (Noop) IncFileResult(string, bool, string) {}

func (Noop) IncTerminalMove(string) {}

func (Noop) TrackPhase(_ string, f func() error) error {
	return f()
}
