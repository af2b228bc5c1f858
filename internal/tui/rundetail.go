package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/procmon/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// renderRunDetail renders a run and its client outcomes. names maps client
// ids to display names.
func renderRunDetail(d *RunDetail, names map[string]string) string {
	if d == nil || d.Run == nil {
		return "\n  Loading run...\n"
	}
	r := d.Run

	var b strings.Builder
	b.WriteString(headerStyle.Render("Run "+shortID(r.ID)) + "\n\n")

	field := func(label, value string) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-10s", label)) + " " + valueStyle.Render(value) + "\n")
	}
	field("Status", formatRunStatus(r.Status))
	field("Trigger", string(r.Trigger))
	field("Started", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if r.FinishedAt != nil {
		field("Duration", formatDuration(r.Duration()))
	}
	field("Clients", fmt.Sprintf("%d total, %d ok, %d failed, %d changed", r.Total, r.Succeeded, r.Failed, r.Changed))
	field("Attempts", fmt.Sprintf("%d", r.Attempts))
	if r.Error != "" {
		field("Error", lipgloss.NewStyle().Foreground(errorColor).Render(r.Error))
	}

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Outcomes (%d)", len(d.Outcomes))) + "\n")
	if len(d.Outcomes) == 0 {
		b.WriteString(labelStyle.Render("  none recorded") + "\n")
	}
	for _, o := range d.Outcomes {
		name := names[o.ClientID]
		if name == "" {
			name = shortID(o.ClientID)
		}
		line := fmt.Sprintf("  %s  %-24s attempts=%d", formatOutcome(o.Kind), name, o.Attempts)
		if o.ErrorReason != "" {
			line += "  " + lipgloss.NewStyle().Foreground(errorColor).Render(o.ErrorReason)
			if o.ErrorMessage != "" {
				line += ": " + o.ErrorMessage
			}
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func formatRunStatus(s models.RunStatus) string {
	switch s {
	case models.RunRunning:
		return lipgloss.NewStyle().Foreground(cyanColor).Render("● running")
	case models.RunCompleted:
		return lipgloss.NewStyle().Foreground(successColor).Render("● completed")
	case models.RunCancelled:
		return lipgloss.NewStyle().Foreground(warningColor).Render("● cancelled")
	case models.RunAborted:
		return lipgloss.NewStyle().Foreground(errorColor).Render("● aborted")
	case models.RunUnknown:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("● unknown")
	default:
		return string(s)
	}
}

func formatOutcome(k models.OutcomeKind) string {
	switch k {
	case models.OutcomeChanged:
		return lipgloss.NewStyle().Foreground(warningColor).Render("changed  ")
	case models.OutcomeFirstObservation:
		return lipgloss.NewStyle().Foreground(cyanColor).Render("first    ")
	case models.OutcomeUnchanged:
		return lipgloss.NewStyle().Foreground(successColor).Render("unchanged")
	case models.OutcomeFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("failed   ")
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("skipped  ")
	}
}

func formatNotificationType(t models.NotificationType) string {
	switch t {
	case models.NotificationStatusChange:
		return lipgloss.NewStyle().Foreground(warningColor).Render("CHANGE")
	case models.NotificationError:
		return lipgloss.NewStyle().Foreground(errorColor).Render("ERROR ")
	case models.NotificationWarning:
		return lipgloss.NewStyle().Foreground(warningColor).Render("WARN  ")
	case models.NotificationSuccess:
		return lipgloss.NewStyle().Foreground(successColor).Render("OK    ")
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("INFO  ")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
