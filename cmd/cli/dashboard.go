package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"courier/internal/connection"
	"courier/internal/hub"
	"courier/internal/jobs"
	"courier/internal/resilience"
	"courier/internal/storage"
)

const maxJobRows = 15

func renderDashboard(m model) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Courier Hub Monitor"))
	b.WriteString("\n\n")
	b.WriteString(renderTabs(m.currentScreen))
	b.WriteString("\n\n")

	switch {
	case m.metrics == nil && m.lastErr != nil:
		b.WriteString(errorStyle.Render("Hub unreachable: " + m.lastErr.Error()))
	case m.metrics == nil:
		b.WriteString(helpStyle.Render("Waiting for metrics..."))
	case m.currentScreen == screenJobs:
		b.WriteString(renderJobs(m.jobs))
	default:
		b.WriteString(renderOverview(m.metrics))
	}

	b.WriteString("\n\n")
	if m.lastErr != nil && m.metrics != nil {
		b.WriteString(errorStyle.Render("Last refresh failed: "+m.lastErr.Error()) + "\n")
	}
	if !m.updatedAt.IsZero() {
		b.WriteString(helpStyle.Render("Updated " + m.updatedAt.Format("15:04:05")))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("tab: switch view • r: refresh • q: quit"))
	return b.String()
}

func renderTabs(current screen) string {
	tabs := []struct {
		name   string
		screen screen
	}{
		{"Overview", screenOverview},
		{"Jobs", screenJobs},
	}
	rendered := make([]string, 0, len(tabs))
	for _, tab := range tabs {
		style := tabStyle
		if tab.screen == current {
			style = tabActiveStyle
		}
		rendered = append(rendered, style.Render(tab.name))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func renderOverview(metrics *hub.Metrics) string {
	routerPanel := panel("Router",
		row("Sent", metrics.Router.Sent),
		row("Delivered", metrics.Router.Delivered),
		row("Failed", metrics.Router.Failed),
		row("Dropped", metrics.Router.Dropped),
		row("Rate limited", metrics.Router.RateLimited),
		row("Duplicates", metrics.Router.Duplicates),
		row("Queue depth", metrics.Router.QueueDepth),
		row("Latency (ms)", fmt.Sprintf("%.1f", metrics.Router.AverageLatencyMs)),
		row("Subscriptions", metrics.Router.Subscriptions),
	)

	conn := metrics.Connections
	connRows := []string{
		row("Total", conn.Total),
		row("Connected", conn.ByState[connection.StateConnected]),
		row("Timed out", conn.ByState[connection.StateTimeout]),
		row("Avg quality", fmt.Sprintf("%.0f", conn.AverageQuality)),
		row("Replays dropped", metrics.Replays.Dropped),
	}
	if len(conn.Degraded) > 0 {
		connRows = append(connRows, warnStyle.Render(row("Degraded", strings.Join(conn.Degraded, ", "))))
	}
	connPanel := panel("Connections", connRows...)

	orch := metrics.Orchestrator
	breaker := string(orch.Breaker.State)
	if orch.Breaker.State == resilience.StateOpen {
		breaker = errorStyle.Render(breaker)
	}
	jobPanel := panel("Jobs",
		row("Queued", orch.Queue.Queued),
		row("Processing", orch.Queue.Processing),
		row("Paused", orch.Queue.Paused),
		row("Completed", orch.Queue.Completed),
		row("Failed", orch.Queue.Failed),
		row("Retried", orch.Queue.Retried),
		row("Memory", bar(ratio(orch.Queue.MemoryInUse, orch.Queue.MemoryBudget), 16)),
		row("Breaker", breaker),
	)

	syncPanel := panel("State sync",
		row("Records", metrics.Sync.Records),
		row("Version", metrics.Sync.Version),
		row("Pending conflicts", metrics.Sync.PendingConflicts),
		row("Remote applied", metrics.Sync.RemoteApplied),
		row("Publish failures", metrics.Sync.PublishFailures),
		row("Broadcasts", metrics.Broadcasts),
	)

	storageRows := make([]string, 0, len(metrics.Storage))
	for _, area := range storage.Areas() {
		usage, ok := metrics.Storage[area]
		if !ok {
			continue
		}
		if usage.Capacity > 0 {
			storageRows = append(storageRows, row(string(area), bar(usage.Ratio, 16)))
		} else {
			storageRows = append(storageRows, row(string(area), fmt.Sprintf("%d bytes", usage.Bytes)))
		}
	}
	storagePanel := panel("Storage", storageRows...)

	top := lipgloss.JoinHorizontal(lipgloss.Top, routerPanel, connPanel, jobPanel)
	bottom := lipgloss.JoinHorizontal(lipgloss.Top, syncPanel, storagePanel)
	return lipgloss.JoinVertical(lipgloss.Left, top, bottom)
}

func renderJobs(list []*jobs.Job) string {
	if len(list) == 0 {
		return helpStyle.Render("No jobs retained")
	}

	sorted := append([]*jobs.Job(nil), list...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	if len(sorted) > maxJobRows {
		sorted = sorted[:maxJobRows]
	}

	var b strings.Builder
	b.WriteString(subtitleStyle.Render(fmt.Sprintf("%-28s %-10s %-11s %-8s %s", "ID", "PRIORITY", "STATUS", "PROGRESS", "STAGE")))
	b.WriteString("\n")
	for _, job := range sorted {
		line := fmt.Sprintf("%-28s %-10s %-11s %7d%% %s",
			truncate(job.ID, 28), job.Priority, job.Status, job.Progress.Percentage, truncate(job.Progress.Stage, 20))
		switch job.Status {
		case jobs.StatusFailed:
			line = errorStyle.Render(line)
		case jobs.StatusCompleted:
			line = successStyle.Render(line)
		case jobs.StatusPaused:
			line = warnStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func ratio(used, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(used) / float64(total)
}
