package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"antigravity/internal/batch"
)

// PrintJSON writes v indented.
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// RenderRun prints the summary line and a per-item table.
func RenderRun(w io.Writer, r batch.Run) {
	fmt.Fprintln(w, batch.SummaryLine(r))
	if r.Decision != nil && r.Decision.Reasoning != "" {
		fmt.Fprintf(w, "decision: %s\n", r.Decision.Reasoning)
	}
	if len(r.Items) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"#", "Platform", "Niche", "Outcome", "Artifact / Error", "Took"})
	for _, it := range r.Items {
		detail := it.ArtifactID
		if it.Outcome != batch.OutcomeSuccess {
			detail = it.Error
		}
		tw.AppendRow(table.Row{it.Index, it.Platform, it.Niche, it.Outcome, detail, it.FinishedAt.Sub(it.StartedAt).Round(time.Millisecond)})
	}
	tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d ok / %d failed", r.SuccessCount, r.FailedCount), "", r.Duration().Round(time.Millisecond)})
	tw.Render()
}

// RenderReport prints the status view as tables.
func RenderReport(w io.Writer, rep Report) {
	q := rep.Quota
	loc := rep.Now.Location()

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.SetTitle("Quota")
	tw.AppendHeader(table.Row{"Window", "Used", "Limit", "Remaining", "Resets"})
	tw.AppendRow(table.Row{"daily", q.DailyCount, q.DailyLimit, q.DailyRemaining, fmtTime(q.DailyResetAt, loc)})
	hourlyReset := "-"
	if q.HourlyResetAt != nil {
		hourlyReset = fmtTime(*q.HourlyResetAt, loc)
	}
	tw.AppendRow(table.Row{"hourly", q.HourlyCount, q.HourlyLimit, q.HourlyRemaining, hourlyReset})
	quiet := q.QuietHours
	if q.InQuietHours {
		quiet += " (now)"
	}
	tw.AppendFooter(table.Row{"quiet hours", quiet, "", "", ""})
	tw.Render()

	st := table.NewWriter()
	st.SetOutputMirror(w)
	st.SetStyle(table.StyleLight)
	st.SetTitle("Schedule")
	st.AppendRow(table.Row{"policy", rep.Policy})
	if rep.Scheduler != "" {
		st.AppendRow(table.Row{"state", rep.Scheduler})
	}
	next := make([]string, 0, len(rep.NextTriggers))
	for _, t := range rep.NextTriggers {
		next = append(next, fmtTime(t, loc))
	}
	if len(next) == 0 {
		next = append(next, "-")
	}
	st.AppendRow(table.Row{"next", strings.Join(next, "\n")})
	if p := rep.Performance; p.Runs > 0 {
		st.AppendRow(table.Row{"recent", fmt.Sprintf("%.0f%% success over %d runs, avg %.1f items", p.SuccessRate*100, p.Runs, p.AvgBatchSize)})
	}
	st.Render()

	if rep.CurrentRun != nil {
		fmt.Fprintf(w, "running: %s (%s since %s)\n", rep.CurrentRun.ID, rep.CurrentRun.Status, fmtTime(rep.CurrentRun.StartedAt, loc))
	}
	if rep.LastRun == nil {
		fmt.Fprintln(w, "last run: none")
		return
	}
	fmt.Fprint(w, "last run: ")
	RenderRun(w, *rep.LastRun)
}

func fmtTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}
