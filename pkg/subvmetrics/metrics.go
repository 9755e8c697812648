// Per-run gauges, written as a node_exporter textfile (runs are short-lived
// so there is nothing to scrape)
package subvmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OperationScan    = "scan"
	OperationRestore = "restore"
	OperationConvert = "convert"
)

type Metrics struct {
	registry *prometheus.Registry

	subvolumes     *prometheus.GaugeVec
	skippedMounts  *prometheus.GaugeVec
	scanWarnings   *prometheus.GaugeVec
	restoreCreated *prometheus.GaugeVec
	restoreFailed  *prometheus.GaugeVec
	runDuration    *prometheus.GaugeVec
	lastRun        *prometheus.GaugeVec
}

func New() *Metrics {
	labels := []string{"operation", "root"}

	gauge := func(name string, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, labels)
	}

	m := &Metrics{
		registry:       prometheus.NewRegistry(),
		subvolumes:     gauge("subvbackup_subvolumes", "Subvolumes found by the scan"),
		skippedMounts:  gauge("subvbackup_skipped_mounts", "Mount points the scan did not descend into"),
		scanWarnings:   gauge("subvbackup_scan_warnings", "Directories that could not be scanned"),
		restoreCreated: gauge("subvbackup_restore_created", "Subvolumes created by the run"),
		restoreFailed:  gauge("subvbackup_restore_failed", "1 if the run failed and was rolled back"),
		runDuration:    gauge("subvbackup_run_duration_seconds", "Run's duration (seconds)"),
		lastRun:        gauge("subvbackup_last_run_timestamp_seconds", "When the run finished (unix time)"),
	}

	m.registry.MustRegister(
		m.subvolumes,
		m.skippedMounts,
		m.scanWarnings,
		m.restoreCreated,
		m.restoreFailed,
		m.runDuration,
		m.lastRun)

	return m
}

func (m *Metrics) ObserveScan(root string, subvolumes int, skippedMounts int, warnings int, took time.Duration) {
	m.subvolumes.WithLabelValues(OperationScan, root).Set(float64(subvolumes))
	m.skippedMounts.WithLabelValues(OperationScan, root).Set(float64(skippedMounts))
	m.scanWarnings.WithLabelValues(OperationScan, root).Set(float64(warnings))

	m.finished(OperationScan, root, took)
}

// operation is OperationRestore or OperationConvert
func (m *Metrics) ObserveRestore(operation string, root string, created int, failed bool, took time.Duration) {
	m.restoreCreated.WithLabelValues(operation, root).Set(float64(created))
	m.restoreFailed.WithLabelValues(operation, root).Set(boolToFloat(failed))

	m.finished(operation, root, took)
}

func (m *Metrics) finished(operation string, root string, took time.Duration) {
	m.runDuration.WithLabelValues(operation, root).Set(took.Seconds())
	m.lastRun.WithLabelValues(operation, root).SetToCurrentTime()
}

// atomically (temp file + rename), for node_exporter's textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
