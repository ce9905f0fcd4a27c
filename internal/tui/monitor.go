// Package tui renders live pipeline progress in the terminal from the
// in-process event hub.
package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/procchain/internal/events"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusQueued  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	progressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

const maxEventLog = 50

// --- Types ---

// NodeView is the monitor's view of one node.
type NodeView struct {
	ID        string
	Status    string
	Error     string
	StartTime time.Time
	EndTime   time.Time
}

// Model is a bubbletea model fed by a hub subscription. It quits when the
// run finishes or the subscription closes.
type Model struct {
	title  string
	events <-chan events.Event

	width  int
	height int

	order     []string
	nodes     map[string]*NodeView
	eventLog  []events.Event
	runStatus string

	nodeTable table.Model
	spinner   spinner.Model
}

type eventMsg events.Event
type closedMsg struct{}

// --- Init ---

// NewMonitor returns a model reading from ch, usually the channel returned
// by events.Hub.Subscribe.
func NewMonitor(title string, ch <-chan events.Event) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Node", Width: 28},
			{Title: "Status", Width: 12},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		title:     title,
		events:    ch,
		nodes:     make(map[string]*NodeView),
		nodeTable: t,
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(statusRunning)),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.receiveNextEvent())
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.nodeTable.SetWidth(m.width - 6)

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.updateTable()
		if m.runStatus != "" {
			return m, tea.Quit
		}
		return m, m.receiveNextEvent()

	case closedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.nodeTable, cmd = m.nodeTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	switch e.Type {
	case events.TypeRunStarted:
		var info events.RunInfo
		if err := json.Unmarshal(e.Data, &info); err != nil {
			return
		}
		if info.Title != "" {
			m.title = info.Title
		}
		for _, id := range info.Nodes {
			m.node(id)
		}

	case events.TypeNodeStatus:
		var ns events.NodeStatus
		if err := json.Unmarshal(e.Data, &ns); err != nil {
			return
		}
		node := m.node(ns.NodeID)
		node.Status = ns.Status
		node.Error = ns.Error
		switch ns.Status {
		case "in progress":
			if node.StartTime.IsZero() {
				node.StartTime = e.At
			}
		case "success", "failure":
			node.EndTime = e.At
		}

	case events.TypeRunFinished:
		var info events.RunInfo
		if err := json.Unmarshal(e.Data, &info); err != nil {
			m.runStatus = "finished"
			return
		}
		m.runStatus = info.Status
	}
}

func (m *Model) node(id string) *NodeView {
	if n, ok := m.nodes[id]; ok {
		return n
	}
	n := &NodeView{ID: id, Status: "not started"}
	m.nodes[id] = n
	m.order = append(m.order, id)
	return n
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.order))
	for _, id := range m.order {
		rows = append(rows, nodeToRow(m.nodes[id]))
	}
	m.nodeTable.SetRows(rows)
}

func nodeToRow(node *NodeView) table.Row {
	statusSym := statusQueued.Render("○")
	switch node.Status {
	case "in progress":
		statusSym = statusRunning.Render("◉")
	case "success":
		statusSym = statusOK.Render("●")
	case "resumed":
		statusSym = statusOK.Render("◍")
	case "failure":
		statusSym = statusFailed.Render("∅")
	}
	if node.Status == "not started" && node.Error != "" {
		statusSym = statusFailed.Render("◔")
	}

	duration := "-"
	if !node.StartTime.IsZero() {
		end := node.EndTime
		if end.IsZero() {
			end = time.Now()
		}
		duration = end.Sub(node.StartTime).Round(time.Second).String()
	}

	return table.Row{statusSym, node.ID, node.Status, duration}
}

// Finished reports the run status, empty while running.
func (m Model) Finished() string { return m.runStatus }

// Nodes returns the node views in arrival order.
func (m Model) Nodes() []NodeView {
	out := make([]NodeView, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.nodes[id])
	}
	return out
}

// Progress returns the fraction of nodes that reached a final state.
func (m Model) Progress() float64 {
	if len(m.order) == 0 {
		return 0
	}
	done := 0
	for _, n := range m.nodes {
		switch {
		case n.Status == "success", n.Status == "failure", n.Status == "resumed":
			done++
		case n.Error != "":
			done++
		}
	}
	return float64(done) / float64(len(m.order))
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := m.renderHeader()
	nodesView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Processes"),
			m.nodeTable.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit monitor • [↑/↓] Scroll")

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			nodesView,
			eventsView,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	state := m.spinner.View() + " RUNNING"
	switch m.runStatus {
	case "":
	case "succeeded":
		state = statusOK.Render("SUCCEEDED")
	default:
		state = statusFailed.Render(strings.ToUpper(m.runStatus))
	}

	inner := m.width - 4
	return borderStyle.Width(inner).Render(
		lipgloss.JoinHorizontal(lipgloss.Top,
			lipgloss.NewStyle().Width(inner/3).Render(titleStyle.Render(m.title)),
			lipgloss.NewStyle().Width(inner/3).Render(state),
			lipgloss.NewStyle().Width(inner/3).Render(renderBar(m.Progress(), inner/3-8)),
		),
	)
}

func renderBar(frac float64, width int) string {
	if width < 5 {
		width = 5
	}
	filled := int(frac * float64(width))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return progressStyle.Render(bar) + fmt.Sprintf(" %3.0f%%", frac*100)
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-15s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// --- Commands ---

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}
