package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/wedgelab/fusewedge/internal/classify"
	"github.com/wedgelab/fusewedge/internal/result"
)

type Summary struct {
	TotalRuns    int            `json:"total_runs"`
	Deadlocks    int            `json:"deadlocks"`
	DeadlockRate float64        `json:"deadlock_rate"`
	Statuses     []StatusCount  `json:"statuses"`
	BlockedDist  []BlockedCount `json:"blocked_distribution"`
	MeanHoldMS   float64        `json:"mean_hold_ms"`
	MeanWaitQ    float64        `json:"mean_wait_queue"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type BlockedCount struct {
	BlockedThreads int `json:"blocked_threads"`
	Count          int `json:"count"`
}

// Generate reads a metrics log and produces a summary report.
func Generate(metricsPath, format string, w io.Writer) error {
	records, err := result.ReadRecords(metricsPath)
	if err != nil {
		return err
	}
	s := aggregate(records)
	switch format {
	case "markdown":
		return writeMarkdown(s, w)
	case "json":
		return writeJSON(s, w)
	default:
		return writeTable(s, w)
	}
}

// aggregate folds raw trial records into a summary. Hold-time verdicts
// ("42ms", "57ms", ...) are bucketed under COMPLETED so the status
// breakdown stays readable; their mean is reported separately.
func aggregate(records []result.TrialRecord) *Summary {
	s := &Summary{TotalRuns: len(records)}

	statuses := map[string]int{}
	blockedDist := map[int]int{}
	holds, waitq := 0, 0
	completed := 0
	for _, r := range records {
		status := r.Status
		if ms, ok := classify.HoldMS(classify.Verdict(r.Status)); ok {
			status = "COMPLETED"
			holds += ms
			completed++
		}
		statuses[status]++
		blockedDist[r.BlockedThreads]++
		waitq += r.WaitQueue
	}
	s.Deadlocks = statuses[string(classify.Deadlock)]
	if s.TotalRuns > 0 {
		s.DeadlockRate = float64(s.Deadlocks) / float64(s.TotalRuns)
		s.MeanWaitQ = float64(waitq) / float64(s.TotalRuns)
	}
	if completed > 0 {
		s.MeanHoldMS = float64(holds) / float64(completed)
	}

	for status, count := range statuses {
		s.Statuses = append(s.Statuses, StatusCount{Status: status, Count: count})
	}
	sort.Slice(s.Statuses, func(i, j int) bool {
		if s.Statuses[i].Count != s.Statuses[j].Count {
			return s.Statuses[i].Count > s.Statuses[j].Count
		}
		return s.Statuses[i].Status < s.Statuses[j].Status
	})

	for blocked, count := range blockedDist {
		s.BlockedDist = append(s.BlockedDist, BlockedCount{BlockedThreads: blocked, Count: count})
	}
	sort.Slice(s.BlockedDist, func(i, j int) bool {
		return s.BlockedDist[i].BlockedThreads < s.BlockedDist[j].BlockedThreads
	})
	return s
}

func writeTable(s *Summary, w io.Writer) error {
	fmt.Fprintf(w, "Total runs:       %d\n", s.TotalRuns)
	fmt.Fprintf(w, "Deadlocks:        %d\n", s.Deadlocks)
	fmt.Fprintf(w, "Deadlock rate:    %.1f%%\n", s.DeadlockRate*100)
	fmt.Fprintf(w, "Mean hold time:   %.1fms\n", s.MeanHoldMS)
	fmt.Fprintf(w, "Mean wait queue:  %.2f\n\n", s.MeanWaitQ)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCOUNT")
	fmt.Fprintln(tw, strings.Repeat("-", 24))
	for _, sc := range s.Statuses {
		fmt.Fprintf(tw, "%s\t%d\n", sc.Status, sc.Count)
	}
	fmt.Fprintln(tw, "\nBLOCKED THREADS\tRUNS")
	fmt.Fprintln(tw, strings.Repeat("-", 24))
	for _, bc := range s.BlockedDist {
		fmt.Fprintf(tw, "%d\t%d\n", bc.BlockedThreads, bc.Count)
	}
	return tw.Flush()
}

func writeMarkdown(s *Summary, w io.Writer) error {
	fmt.Fprintf(w, "Total runs: %d, deadlocks: %d (%.1f%%)\n\n", s.TotalRuns, s.Deadlocks, s.DeadlockRate*100)
	fmt.Fprintln(w, "| Status | Count |")
	fmt.Fprintln(w, "|---|---|")
	for _, sc := range s.Statuses {
		fmt.Fprintf(w, "| %s | %d |\n", sc.Status, sc.Count)
	}
	fmt.Fprintln(w, "\n| Blocked Threads | Runs |")
	fmt.Fprintln(w, "|---|---|")
	for _, bc := range s.BlockedDist {
		fmt.Fprintf(w, "| %d | %d |\n", bc.BlockedThreads, bc.Count)
	}
	return nil
}

func writeJSON(s *Summary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
