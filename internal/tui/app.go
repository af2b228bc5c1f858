// Package tui provides the terminal dashboard for procmon.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/procmon/internal/coordinator"
	"github.com/fentz26/procmon/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

const (
	refreshInterval = 5 * time.Second
	listLimit       = 50
)

// App is the main TUI application model.
type App struct {
	client       *Client
	status       *coordinator.Status
	runs         []models.RunResult
	notes        []models.Notification
	clientNames  map[string]string
	detail       *RunDetail
	runIdx       int
	noteIdx      int
	input        textinput.Model
	viewport     viewport.Model
	width        int
	height       int
	mode         string
	message      string
	daemonOnline bool
	suggestions  *Suggestions
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type: run [@client...] | cancel | time HH:MM | read | / for commands"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr),
		clientNames: map[string]string{},
		input:       ti,
		viewport:    viewport.New(80, 20),
		mode:        modeRuns,
		suggestions: NewSuggestions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.checkDaemon(),
		a.refresh(),
		a.fetchClients(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.input.Value() != "" {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, nil
			}
			if a.mode == modeDetail {
				a.mode = modeRuns
				a.detail = nil
				return a, nil
			}

		case "up":
			switch {
			case a.suggestions.IsVisible():
				a.suggestions.Prev()
			case a.mode == modeRuns && a.runIdx > 0:
				a.runIdx--
			case a.mode == modeNotifications && a.noteIdx > 0:
				a.noteIdx--
			case a.mode == modeDetail:
				a.viewport.LineUp(1)
			}
			return a, nil

		case "down":
			switch {
			case a.suggestions.IsVisible():
				a.suggestions.Next()
			case a.mode == modeRuns && a.runIdx < len(a.runs)-1:
				a.runIdx++
			case a.mode == modeNotifications && a.noteIdx < len(a.notes)-1:
				a.noteIdx++
			case a.mode == modeDetail:
				a.viewport.LineDown(1)
			}
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				a.input.SetValue(a.suggestions.Accept(a.input.Value()))
				a.input.CursorEnd()
				a.suggestions.Update(a.input.Value())
				return a, nil
			}
			if a.mode == modeNotifications {
				a.mode = modeRuns
			} else {
				a.mode = modeNotifications
			}
			return a, nil

		case "enter":
			value := strings.TrimSpace(a.input.Value())
			a.input.SetValue("")
			a.suggestions.Update("")
			if value != "" {
				return a, a.executeCommand(value)
			}
			switch a.mode {
			case modeRuns:
				if len(a.runs) > 0 {
					a.mode = modeDetail
					a.detail = nil
					return a, a.fetchRunDetail(a.runs[a.runIdx].ID)
				}
			case modeNotifications:
				return a, a.markSelectedRead()
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		a.viewport.Width = msg.Width - 4
		a.viewport.Height = max(msg.Height-10, 5)

	case tickMsg:
		return a, tea.Batch(a.checkDaemon(), a.refresh(), a.tickCmd())

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case statusMsg:
		a.status = msg.status

	case runsLoadedMsg:
		a.runs = msg.runs
		if a.runIdx >= len(a.runs) {
			a.runIdx = max(len(a.runs)-1, 0)
		}

	case notesLoadedMsg:
		a.notes = msg.notes
		if a.noteIdx >= len(a.notes) {
			a.noteIdx = max(len(a.notes)-1, 0)
		}

	case clientsLoadedMsg:
		a.clientNames = make(map[string]string, len(msg.clients))
		for _, c := range msg.clients {
			a.clientNames[c.ID] = c.Name
		}
		a.suggestions.SetClients(msg.clients)

	case runDetailMsg:
		a.detail = msg.detail
		a.viewport.SetContent(renderRunDetail(a.detail, a.clientNames))
		a.viewport.GotoTop()

	case commandResultMsg:
		a.message = msg.text
		return a, a.refresh()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
		return a, nil
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)
	if _, ok := msg.(tea.KeyMsg); ok {
		a.suggestions.Update(a.input.Value())
	}

	return a, tea.Batch(cmds...)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("procmon") + "  " + daemon + "  " + a.renderSchedule()
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	contentHeight := max(a.height-8, 5)
	switch a.mode {
	case modeRuns:
		b.WriteString(a.renderRuns(contentHeight))
	case modeNotifications:
		b.WriteString(a.renderNotifications(contentHeight))
	case modeDetail:
		b.WriteString(panelStyle.Render(a.viewport.View()))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(max(a.width, 20)))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeRuns:
		status = fmt.Sprintf(" Runs: %d | ↑↓:nav | Enter:details | Tab:notifications | Ctrl+C:quit", len(a.runs))
	case modeNotifications:
		status = fmt.Sprintf(" Notifications: %d | ↑↓:nav | Enter:mark read | Tab:runs | Ctrl+C:quit", len(a.notes))
	default:
		status = " ↑↓:scroll | Esc:back | Ctrl+C:quit"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(status))

	return b.String()
}

func (a *App) renderSchedule() string {
	if a.status == nil {
		return lipgloss.NewStyle().Foreground(mutedColor).Render("schedule unknown")
	}
	st := a.status
	var parts []string
	if st.State == coordinator.StateRunning && st.CurrentRun != nil {
		parts = append(parts, lipgloss.NewStyle().Foreground(cyanColor).Render("running "+shortID(st.CurrentRun.ID)))
	} else {
		parts = append(parts, lipgloss.NewStyle().Foreground(mutedColor).Render("idle"))
	}
	if !st.DailyQueries {
		parts = append(parts, lipgloss.NewStyle().Foreground(warningColor).Render("daily queries off"))
	} else if st.NextRun != nil {
		parts = append(parts, "next "+st.NextRun.Local().Format("Mon 02 Jan 15:04"))
	}
	return strings.Join(parts, "  ")
}

func (a *App) renderRuns(height int) string {
	if len(a.runs) == 0 {
		return "\n  No runs yet. Type: run\n"
	}

	var lines []string
	for i, r := range a.runs {
		text := fmt.Sprintf("%s  %s  %-8s  %d/%d ok  %d changed",
			r.StartedAt.Local().Format("2006-01-02 15:04"), shortID(r.ID), r.Trigger, r.Succeeded, r.Total, r.Changed)
		if i == a.runIdx {
			lines = append(lines, selectedStyle.Render("▶ "+text+"  "+string(r.Status)))
		} else {
			lines = append(lines, itemStyle.Render("  "+text+"  "+formatRunStatus(r.Status)))
		}
	}
	return windowLines(lines, a.runIdx, height)
}

func (a *App) renderNotifications(height int) string {
	if len(a.notes) == 0 {
		return "\n  No notifications.\n"
	}

	var lines []string
	for i, n := range a.notes {
		marker := "•"
		if n.Read {
			marker = " "
		}
		text := fmt.Sprintf("%s %s  %s", marker, n.CreatedAt.Local().Format("01-02 15:04"), n.Title)
		if i == a.noteIdx {
			lines = append(lines, selectedStyle.Render("▶ "+text))
			if n.Message != "" {
				lines = append(lines, itemStyle.Render("    "+n.Message))
			}
		} else {
			lines = append(lines, itemStyle.Render(formatNotificationType(n.Type)+" "+text))
		}
	}
	return windowLines(lines, a.noteIdx, height)
}

// windowLines keeps the selected line visible within height lines.
func windowLines(lines []string, selected, height int) string {
	if len(lines) > height {
		start := 0
		if selected >= height {
			start = selected - height + 1
		}
		end := min(start+height, len(lines))
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n") + "\n"
}

// --- commands ---

func (a *App) refresh() tea.Cmd {
	return tea.Batch(a.fetchStatus(), a.fetchRuns(), a.fetchNotes())
}

func (a *App) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		st, err := a.client.Status()
		if err != nil {
			return errMsg{err}
		}
		return statusMsg{st}
	}
}

func (a *App) fetchRuns() tea.Cmd {
	return func() tea.Msg {
		runs, err := a.client.ListRuns(listLimit)
		if err != nil {
			return errMsg{err}
		}
		return runsLoadedMsg{runs}
	}
}

func (a *App) fetchNotes() tea.Cmd {
	return func() tea.Msg {
		notes, err := a.client.ListNotifications(false, listLimit)
		if err != nil {
			return errMsg{err}
		}
		return notesLoadedMsg{notes}
	}
}

func (a *App) fetchClients() tea.Cmd {
	return func() tea.Msg {
		clients, err := a.client.ListClients()
		if err != nil {
			return errMsg{err}
		}
		return clientsLoadedMsg{clients}
	}
}

func (a *App) fetchRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		d, err := a.client.GetRun(id)
		if err != nil {
			return errMsg{err}
		}
		return runDetailMsg{d}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		return daemonStatusMsg{online: a.client.Health()}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) markSelectedRead() tea.Cmd {
	if len(a.notes) == 0 {
		return nil
	}
	id := a.notes[a.noteIdx].ID
	return func() tea.Msg {
		if err := a.client.MarkRead(id); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{"✓ Marked read"}
	}
}

// parseCommand splits input into a command name and its arguments. A
// leading "/" is accepted.
func parseCommand(input string) (string, []string) {
	parts := strings.Fields(strings.TrimPrefix(strings.TrimSpace(input), "/"))
	if len(parts) == 0 {
		return "", nil
	}
	return strings.ToLower(parts[0]), parts[1:]
}

// clientRefs strips the "@" from client references.
func clientRefs(args []string) []string {
	var ids []string
	for _, arg := range args {
		if id := strings.TrimPrefix(arg, "@"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (a *App) executeCommand(input string) tea.Cmd {
	cmd, args := parseCommand(input)

	switch cmd {
	case "q", "quit", "exit":
		return tea.Quit
	case "refresh":
		return tea.Batch(a.refresh(), a.fetchClients())
	case "read":
		return a.markSelectedRead()
	}

	return func() tea.Msg {
		switch cmd {
		case "run":
			id, err := a.client.ManualQuery(clientRefs(args))
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{"✓ Started run " + shortID(id)}

		case "cancel":
			if err := a.client.CancelRun(); err != nil {
				return errMsg{err}
			}
			return commandResultMsg{"✓ Cancelling run"}

		case "time":
			if len(args) != 1 {
				return commandResultMsg{"Usage: time HH:MM"}
			}
			settings, err := a.client.UpdateQueryTime(args[0])
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{"✓ Daily query time set to " + settings.QueryTime}

		default:
			return commandResultMsg{fmt.Sprintf("Unknown command: %s", cmd)}
		}
	}
}
