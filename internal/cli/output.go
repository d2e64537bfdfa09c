package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-runewidth"

	"supd/internal/httpapi"
	"supd/internal/storage"
	"supd/internal/supervisor"
)

const maxCellWidth = 60

// render writes v as indented JSON, or the text form built by text.
func render(w io.Writer, format string, v any, text func() string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "", "table":
		_, err := fmt.Fprintln(w, text())
		return err
	default:
		return fmt.Errorf("unknown output format %q (use table or json)", format)
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...)
}

func cell(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return runewidth.Truncate(s, maxCellWidth, "…")
}

func ts(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func servicesTable(list []supervisor.Info) string {
	if len(list) == 0 {
		return "no services"
	}
	t := newTable("SERVICE", "STATUS", "POLICY", "RESTARTS", "SCHEDULE", "NEXT RUN", "LAST ERROR")
	for _, s := range list {
		policy, sched, next := string(s.RestartPolicy), "-", "-"
		if s.Schedule != "" {
			policy, sched = string(s.Overlap), s.Schedule
			if s.Armed {
				next = ts(s.NextRun)
			} else {
				next = "disarmed"
			}
		}
		status := string(s.Status)
		if s.Exhausted {
			status += " (gave up)"
		}
		t.Row(s.Name, status, policy, fmt.Sprint(s.RestartCount), sched, next, cell(s.LastError))
	}
	return t.String()
}

func serviceDetail(v httpapi.ServiceView) string {
	var b strings.Builder
	line := func(k, val string) { fmt.Fprintf(&b, "%-14s %s\n", k+":", val) }
	line("name", v.Name)
	line("status", string(v.Status))
	if v.Schedule != "" {
		line("schedule", v.Schedule)
		line("overlap", string(v.Overlap))
		line("armed", fmt.Sprint(v.Armed))
		line("next run", ts(v.NextRun))
		line("last run", ts(v.LastRun))
		if v.RunTimeout > 0 {
			line("run timeout", v.RunTimeout.String())
		}
	} else {
		line("restart", string(v.RestartPolicy))
		if v.MaxRetries > 0 {
			line("max retries", fmt.Sprint(v.MaxRetries))
		}
		line("restarts", fmt.Sprint(v.RestartCount))
		line("manual stop", fmt.Sprint(v.ManualStop))
		line("pending", fmt.Sprint(v.RelaunchDue))
	}
	if v.LastError != "" {
		line("last error", v.LastError)
	}
	if v.Health != nil {
		b.WriteString(healthLine("health", *v.Health))
	}
	return strings.TrimRight(b.String(), "\n")
}

func healthLine(name string, h supervisor.Health) string {
	line := fmt.Sprintf("%s: %s", name, h.Status)
	if d := details(h); d != "" {
		line += " " + d
	}
	return line
}

func details(h supervisor.Health) string {
	parts := make([]string, 0, len(h.Details))
	for _, k := range slices.Sorted(maps.Keys(h.Details)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, h.Details[k]))
	}
	return strings.Join(parts, " ")
}

func healthTable(rep httpapi.HealthReport) string {
	t := newTable("SERVICE", "HEALTH", "DETAILS")
	names := slices.Collect(maps.Keys(rep.Services))
	for n := range rep.Errors {
		if _, ok := rep.Services[n]; !ok {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	for _, n := range names {
		if msg, failed := rep.Errors[n]; failed {
			t.Row(n, "error", cell(msg))
			continue
		}
		h := rep.Services[n]
		t.Row(n, string(h.Status), cell(details(h)))
	}
	return fmt.Sprintf("overall: %s\n%s", rep.Status, t.String())
}

func eventsTable(evs []storage.EventRecord) string {
	if len(evs) == 0 {
		return "no events recorded"
	}
	t := newTable("TIME", "EVENT", "TRANSITION", "RESTARTS", "DETAIL")
	for _, e := range evs {
		transition := "-"
		if e.From != "" || e.To != "" {
			transition = e.From + " → " + e.To
		}
		detail := e.Reason
		if e.Delay > 0 {
			detail = strings.TrimSpace(detail + " in " + e.Delay.String())
		}
		if e.Error != "" {
			detail = strings.TrimSpace(detail + " " + e.Error)
		}
		t.Row(ts(e.At), strings.TrimPrefix(e.Type, "service."), transition, fmt.Sprint(e.RestartCount), cell(detail))
	}
	return t.String()
}
