package result

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// MetricsFile is the tabular per-trial log, consumed downstream by the
	// evaluation scripts.
	MetricsFile = "abba_metrics.csv"
	// DiagFile holds kernel stack snapshots of blocked processes.
	DiagFile = "stack_traces.log"
	// DaemonLogFile is the trial-scoped daemon output, discarded by recovery
	// after every trial.
	DaemonLogFile = "daemon.log"
)

const metricsHeader = "Run,Status,BlockedThreads,WaitQueue"

func CreateRunDir(baseDir string) (string, error) {
	runsDir := filepath.Join(baseDir, "runs")
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	runDir := filepath.Join(runsDir, stamp)
	runDir, err := filepath.Abs(runDir)
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, nil
}

// MetricsLog is the append-only tabular trial log. The single-threaded trial
// loop is its only writer, so each append simply opens, writes one row, and
// closes; no locking is needed.
type MetricsLog struct {
	path string
}

// CreateMetricsLog starts a fresh metrics log with its header row.
func CreateMetricsLog(runDir string) (*MetricsLog, error) {
	path := filepath.Join(runDir, MetricsFile)
	if err := os.WriteFile(path, []byte(metricsHeader+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("creating metrics log: %w", err)
	}
	return &MetricsLog{path: path}, nil
}

func (m *MetricsLog) Path() string {
	return m.path
}

func (m *MetricsLog) Append(rec *TrialRecord) error {
	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening metrics log: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d,%s,%d,%d\n", rec.Run, rec.Status, rec.BlockedThreads, rec.WaitQueue)
	if err != nil {
		return fmt.Errorf("appending trial record: %w", err)
	}
	return nil
}

// ReadRecords loads a metrics log back for reporting.
func ReadRecords(path string) ([]TrialRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening metrics log: %w", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing metrics log: %w", err)
	}
	var records []TrialRecord
	for i, row := range rows {
		if i == 0 || len(row) != 4 {
			continue
		}
		run, err1 := strconv.Atoi(row[0])
		blocked, err2 := strconv.Atoi(row[2])
		waitq, err3 := strconv.Atoi(row[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("malformed record on line %d of %s", i+1, path)
		}
		records = append(records, TrialRecord{
			Run:            run,
			Status:         row[1],
			BlockedThreads: blocked,
			WaitQueue:      waitq,
		})
	}
	return records, nil
}
