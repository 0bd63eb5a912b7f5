// Package tui provides the interactive terminal dashboard for taskvault.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/fentz26/taskvault/internal/models"
)

// RefreshInterval is how often the dashboard polls the daemon.
const RefreshInterval = 3 * time.Second

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

	labelStyle = lipgloss.NewStyle().Foreground(mutedColor)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

const (
	modeList   = "list"
	modeDetail = "detail"
	modeStatus = "status"
)

// filters cycles through every folder, starting with all of them.
var filters = append([]models.State{""}, models.AllStates...)

// App is the main TUI application model.
type App struct {
	client      *Client
	records     []RecordItem
	selectedIdx int
	input       textinput.Model
	viewport    viewport.Model
	width       int
	height      int
	mode        string
	detail      *RecordDetail
	snapshot    *models.StatusSnapshot
	health      *HealthInfo
	message     string
	filterIdx   int
	loading     bool
	suggestions *Suggestions
	now         func() time.Time
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type / for commands, @ for records"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr),
		input:       ti,
		viewport:    viewport.New(80, 20),
		mode:        modeList,
		suggestions: NewSuggestions(),
		now:         time.Now,
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
		a.fetchRecords(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, handled := a.handleKey(msg); handled {
			return a, cmd
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width - 4
		a.viewport.Height = max(msg.Height-16, 3)

	case recordsLoadedMsg:
		a.loading = false
		a.records = msg.records
		if a.selectedIdx >= len(a.records) {
			a.selectedIdx = max(0, len(a.records)-1)
		}

	case recordDetailLoadedMsg:
		a.detail = msg.detail
		a.viewport.SetContent(msg.detail.Record.Body)
		a.viewport.GotoTop()

	case statusLoadedMsg:
		a.snapshot = msg.snap

	case healthMsg:
		a.health = msg.health

	case tickMsg:
		cmds = append(cmds, a.checkDaemon(), a.refresh(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		cmds = append(cmds, a.refresh())

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())
	a.suggestions.SetRecords(a.records)

	return a, tea.Batch(cmds...)
}

// handleKey reports whether the key was consumed. Single-letter shortcuts
// only apply while the input line is empty.
func (a *App) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	idle := a.input.Value() == ""

	switch msg.String() {
	case "ctrl+c":
		return tea.Quit, true

	case "esc":
		if !idle {
			a.input.SetValue("")
			a.suggestions.Update("")
			return nil, true
		}
		if a.mode != modeList {
			a.mode = modeList
			a.detail = nil
			return a.fetchRecords(), true
		}

	case "up":
		a.moveSelection(-1)
		return nil, true

	case "down":
		a.moveSelection(1)
		return nil, true

	case "pgup", "pgdown":
		if a.mode == modeDetail {
			var cmd tea.Cmd
			a.viewport, cmd = a.viewport.Update(msg)
			return cmd, true
		}

	case "tab":
		if a.suggestions.IsVisible() {
			a.input.SetValue(a.suggestions.Accept())
			a.input.CursorEnd()
			a.suggestions.Update(a.input.Value())
			return nil, true
		}
		if a.mode == modeList {
			a.filterIdx = (a.filterIdx + 1) % len(filters)
			return a.fetchRecords(), true
		}

	case "enter":
		if a.suggestions.IsVisible() {
			a.input.SetValue(a.suggestions.Accept())
			a.input.CursorEnd()
			a.suggestions.Update(a.input.Value())
			return nil, true
		}
		if line := strings.TrimSpace(a.input.Value()); line != "" {
			a.input.SetValue("")
			a.suggestions.Update("")
			return a.executeCommand(line), true
		}
		if a.mode == modeList && len(a.records) > 0 {
			a.mode = modeDetail
			return a.fetchDetail(a.records[a.selectedIdx].ID), true
		}
		return nil, true
	}

	if !idle {
		return nil, false
	}
	switch msg.String() {
	case "k":
		a.moveSelection(-1)
	case "j":
		a.moveSelection(1)
	case "r":
		return a.refresh(), true
	case "s":
		a.mode = modeStatus
		return a.fetchStatus(), true
	case "a":
		return a.decide(a.selectedID(), true), true
	case "x":
		return a.decide(a.selectedID(), false), true
	default:
		return nil, false
	}
	return nil, true
}

func (a *App) moveSelection(delta int) {
	switch {
	case a.suggestions.IsVisible() && delta < 0:
		a.suggestions.Prev()
	case a.suggestions.IsVisible():
		a.suggestions.Next()
	case a.mode == modeList:
		a.selectedIdx = min(max(a.selectedIdx+delta, 0), max(len(a.records)-1, 0))
	}
}

// selectedID is the record an approve or reject applies to.
func (a *App) selectedID() string {
	if a.mode == modeDetail && a.detail != nil {
		return a.detail.Record.ID
	}
	if a.mode == modeList && a.selectedIdx < len(a.records) {
		return a.records[a.selectedIdx].ID
	}
	return ""
}

func (a *App) filter() models.State {
	return filters[a.filterIdx]
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(a.renderHeader() + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 20)) + "\n")

	contentHeight := max(a.height-8, 5)
	switch a.mode {
	case modeList:
		label := "ALL"
		if f := a.filter(); f != "" {
			label = strings.ToUpper(string(f))
		}
		b.WriteString(labelStyle.Render(fmt.Sprintf(" Folder: [%s]", label)) + "\n")
		b.WriteString(a.renderRecordList(contentHeight - 1))
	case modeDetail:
		b.WriteString(a.renderDetail())
	case modeStatus:
		b.WriteString(a.renderStatus(contentHeight))
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
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var help string
	switch a.mode {
	case modeList:
		help = fmt.Sprintf(" Records: %d | ↑↓:nav | Enter:open | Tab:folder | a:approve | x:reject | s:status | r:refresh | Ctrl+C:quit", len(a.records))
	case modeDetail:
		help = " a:approve | x:reject | PgUp/PgDn:scroll | Esc:back"
	default:
		help = " r:refresh | Esc:back | Ctrl+C:quit"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 20)).Render(help))

	return b.String()
}

func (a *App) renderHeader() string {
	daemon := offlineStyle.Render("○ DAEMON")
	if a.health != nil && a.health.OK {
		daemon = onlineStyle.Render("● DAEMON")
	} else if a.health != nil {
		daemon = lipgloss.NewStyle().Foreground(warningColor).Render("◐ DEGRADED")
	}

	header := titleStyle.Render("taskvault") + "  " + daemon
	if a.health != nil {
		header += "  " + labelStyle.Render(a.health.Version)
		if ag := a.health.Agent; ag != nil {
			style := onlineStyle
			if !ag.Available {
				style = offlineStyle
			}
			header += "  " + style.Render("agent: "+ag.Name)
		}
	}
	return header
}

func (a *App) renderRecordList(height int) string {
	if a.loading && len(a.records) == 0 {
		return "\n  Loading records...\n"
	}
	if len(a.records) == 0 {
		return "\n  No records. Drop a file into Inbox to start.\n"
	}

	lines := make([]string, 0, len(a.records))
	for i, r := range a.records {
		text := fmt.Sprintf("%s %-16s %-40s %s", stateIcon(r.State), r.State, r.ID, formatStatus(r.Status))
		if r.Attempts > 0 {
			text += fmt.Sprintf(" (%d attempts)", r.Attempts)
		}
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("▶ "+text))
		} else {
			lines = append(lines, itemStyle.Render("  "+text))
		}
	}

	if len(lines) > height {
		start := max(a.selectedIdx-height/2, 0)
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderDetail() string {
	if a.detail == nil {
		return "\n  Loading...\n"
	}

	var b strings.Builder
	r := a.detail.Record
	now := a.now()

	b.WriteString(fmt.Sprintf("\n  %s\n", lipgloss.NewStyle().Bold(true).Render(r.ID)))
	row := func(label, value string) {
		if value != "" {
			b.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), value))
		}
	}
	row("Kind", string(r.Kind))
	row("State", string(r.State))
	row("Status", formatStatus(r.Status))
	row("Priority", string(r.Priority))
	row("Source", r.Source)
	row("Parent", r.SourceRef)
	if r.AttemptCount > 0 {
		row("Attempts", fmt.Sprintf("%d", r.AttemptCount))
	}
	if r.NextAttempt != nil {
		row("Retry", humanize.RelTime(*r.NextAttempt, now, "ago", "from now"))
	}
	row("Updated", humanize.RelTime(r.UpdatedAt, now, "ago", "from now"))

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		row(k, r.Fields[k])
	}

	if len(a.detail.Runs) > 0 {
		b.WriteString("\n  " + sectionStyle.Render("Agent Runs") + "\n")
		for i, run := range a.detail.Runs {
			if i >= 5 {
				break
			}
			style := lipgloss.NewStyle().Foreground(successColor)
			if strings.HasPrefix(run.Outcome, "failure") {
				style = lipgloss.NewStyle().Foreground(errorColor)
			}
			b.WriteString(fmt.Sprintf("    • %s %s (%s)\n", run.Step, style.Render(run.Outcome), humanize.RelTime(run.StartedAt, now, "ago", "from now")))
		}
	}

	b.WriteString("\n" + a.viewport.View())
	return b.String()
}

func (a *App) renderStatus(height int) string {
	if a.snapshot == nil {
		return "\n  Loading...\n"
	}

	var b strings.Builder
	s := a.snapshot
	now := a.now()

	b.WriteString("\n  " + sectionStyle.Render("Pipeline") + "\n")
	for _, st := range models.AllStates {
		b.WriteString(fmt.Sprintf("    %s %-16s %d\n", stateIcon(st), st, s.Counts[st]))
	}
	b.WriteString(fmt.Sprintf("    %-18s %d\n", "Total", s.Total))
	b.WriteString(labelStyle.Render(fmt.Sprintf("    Completed today: %d  this week: %d", s.CompletedToday, s.CompletedThisWeek)) + "\n")

	b.WriteString("\n  " + sectionStyle.Render("Needs Attention") + "\n")
	if len(s.Urgent) == 0 {
		b.WriteString(labelStyle.Render("    Nothing urgent.") + "\n")
	}
	for _, u := range s.Urgent {
		b.WriteString(fmt.Sprintf("    %s %s: %s\n", lipgloss.NewStyle().Foreground(errorColor).Render(strings.ToUpper(string(u.Priority))), u.ID, u.Summary))
	}

	b.WriteString("\n  " + sectionStyle.Render("Recent Activity") + "\n")
	budget := max(height-len(models.AllStates)-len(s.Urgent)-8, 3)
	for i := len(s.Recent) - 1; i >= 0 && budget > 0; i, budget = i-1, budget-1 {
		e := s.Recent[i]
		line := fmt.Sprintf("    %s %s %s", labelStyle.Render(humanize.RelTime(e.Timestamp, now, "ago", "from now")), e.ActionType, e.RecordID)
		if e.Result == models.ResultFailure {
			line += " " + lipgloss.NewStyle().Foreground(errorColor).Render("failed")
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func stateIcon(s models.State) string {
	switch s {
	case models.StateInbox:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("○")
	case models.StateNeedsAction, models.StatePlans:
		return lipgloss.NewStyle().Foreground(secondaryColor).Render("◐")
	case models.StatePendingApproval:
		return lipgloss.NewStyle().Foreground(warningColor).Render("◑")
	case models.StateApproved, models.StateDone:
		return lipgloss.NewStyle().Foreground(successColor).Render("●")
	case models.StateRejected, models.StateQuarantine:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗")
	default:
		return "?"
	}
}

func formatStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPending:
		return lipgloss.NewStyle().Foreground(warningColor).Render("pending")
	case models.TaskStatusInProgress:
		return lipgloss.NewStyle().Foreground(primaryColor).Render("in progress")
	case models.TaskStatusCompleted:
		return lipgloss.NewStyle().Foreground(successColor).Render("completed")
	case models.TaskStatusFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("failed")
	default:
		return string(status)
	}
}

// refresh reloads whatever the current view shows.
func (a *App) refresh() tea.Cmd {
	switch a.mode {
	case modeDetail:
		if a.detail != nil {
			return a.fetchDetail(a.detail.Record.ID)
		}
	case modeStatus:
		return a.fetchStatus()
	}
	return a.fetchRecords()
}

func (a *App) fetchRecords() tea.Cmd {
	a.loading = true
	state := a.filter()
	return func() tea.Msg {
		records, err := a.client.ListRecords(state)
		if err != nil {
			return errMsg{err}
		}
		return recordsLoadedMsg{records}
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	return func() tea.Msg {
		detail, err := a.client.GetRecord(id)
		if err != nil {
			return errMsg{err}
		}
		return recordDetailLoadedMsg{detail}
	}
}

func (a *App) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		snap, err := a.client.Status()
		if err != nil {
			return errMsg{err}
		}
		return statusLoadedMsg{snap}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		h, err := a.client.CheckHealth()
		if err != nil {
			return healthMsg{nil}
		}
		return healthMsg{h}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) decide(id string, approve bool) tea.Cmd {
	if id == "" {
		a.message = "No record selected"
		return nil
	}
	return func() tea.Msg {
		var (
			to  models.State
			err error
		)
		if approve {
			to, err = a.client.Approve(id)
		} else {
			to, err = a.client.Reject(id)
		}
		if err != nil {
			return commandResultMsg{"Error: " + err.Error()}
		}
		return commandResultMsg{fmt.Sprintf("✓ %s moved to %s", id, to)}
	}
}

// executeCommand runs a typed command. View changes happen here; only API
// calls run in the returned command.
func (a *App) executeCommand(line string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]

	target := a.selectedID()
	if len(args) > 0 {
		target = strings.TrimPrefix(args[0], "@")
	}

	switch cmd {
	case "approve", "reject":
		return a.decide(target, cmd == "approve")

	case "open":
		if target == "" {
			a.message = "Usage: open <id>"
			return nil
		}
		a.mode = modeDetail
		a.detail = nil
		return a.fetchDetail(target)

	case "filter":
		a.mode = modeList
		a.filterIdx = 0
		if len(args) > 0 && args[0] != "all" {
			idx := -1
			for i, st := range filters {
				if strings.EqualFold(string(st), args[0]) {
					idx = i
				}
			}
			if idx < 0 {
				a.message = fmt.Sprintf("Error: unknown folder %q", args[0])
				return nil
			}
			a.filterIdx = idx
		}
		return a.fetchRecords()

	case "status":
		a.mode = modeStatus
		return a.fetchStatus()

	case "refresh":
		return a.refresh()

	case "q", "quit", "exit":
		return tea.Quit

	default:
		a.message = fmt.Sprintf("Unknown: %s (try: approve, reject, open, filter, status)", cmd)
		return nil
	}
}
