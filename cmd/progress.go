package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/airframesio/table-archiver/cmd/archive"
)

type progressModel struct {
	tables          []string
	tableIndex      int
	source          string
	destination     string
	matching        int64
	totals          archive.Totals
	lastBatch       *archive.BatchResult
	finished        []*archive.TableReport
	failures        map[string]error
	messages        []string
	tableProgress   progress.Model
	overallProgress progress.Model
	spinner         spinner.Model
	width           int
	startTime       time.Time
	dryRun          bool
	cancel          context.CancelFunc
	stopping        bool
	done            bool
	err             error
}

// engineEventMsg carries an archive engine event into the program
type engineEventMsg archive.Event

// runDoneMsg is sent once every table has been processed or the run stopped
type runDoneMsg struct {
	err error
}

// programObserver forwards engine events to a running bubbletea program
type programObserver struct {
	program *tea.Program
}

func (o programObserver) Observe(e archive.Event) {
	o.program.Send(engineEventMsg(e))
}

const maxMessages = 6

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87")).
			Margin(0, 2)
)

func newProgressModel(config *Config, cancel context.CancelFunc) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return progressModel{
		tables:   config.Tables,
		matching: -1,
		failures: make(map[string]error),
		tableProgress: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(60),
		),
		overallProgress: progress.New(
			progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
			progress.WithWidth(60),
		),
		spinner:   s,
		startTime: time.Now(),
		dryRun:    config.DryRun,
		cancel:    cancel,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.tableProgress.Width = msg.Width - 10
		m.overallProgress.Width = msg.Width - 10
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case engineEventMsg:
		return m.handleEvent(archive.Event(msg)), nil
	case runDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

// handleKeyMsg stops the run after the current batch on the first press and
// leaves the display on the second
func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.stopping {
			return m, tea.Quit
		}
		m.stopping = true
		if m.cancel != nil {
			m.cancel()
		}
		m = m.addMessage("⚠️  Stopping after the current batch...")
	}
	return m, nil
}

func (m progressModel) addMessage(s string) progressModel {
	m.messages = append(m.messages, s)
	if len(m.messages) > maxMessages {
		m.messages = m.messages[len(m.messages)-maxMessages:]
	}
	return m
}

func (m progressModel) handleEvent(e archive.Event) progressModel {
	switch e.Kind {
	case archive.EventTableStarted:
		m.tableIndex++
		m.source = e.Source
		m.destination = e.Destination
		m.matching = -1
		m.totals = archive.Totals{}
		m.lastBatch = nil
		m = m.addMessage(fmt.Sprintf("🚀 %s -> %s", e.Source, e.Destination))
	case archive.EventCounted:
		m.matching = e.Matching
		m = m.addMessage(fmt.Sprintf("🔢 %s: %d matching rows", e.Source, e.Matching))
	case archive.EventBatch:
		m.totals = e.Totals
		m.lastBatch = e.Batch
	case archive.EventTableFinished:
		m.totals = e.Totals
		if e.Report != nil {
			m.finished = append(m.finished, e.Report)
		}
		if e.Err != nil {
			m.failures[e.Source] = e.Err
			if !errors.Is(e.Err, context.Canceled) {
				m = m.addMessage(fmt.Sprintf("❌ %s: %v", e.Source, e.Err))
			}
		} else {
			m = m.addMessage(fmt.Sprintf("✅ %s: %d archived, %d deleted", e.Source, e.Totals.Archived, e.Totals.Deleted))
		}
	}
	return m
}

// tableFraction is the share of the current table already scanned, or -1 when
// no count is available
func (m progressModel) tableFraction() float64 {
	if m.matching <= 0 {
		return -1
	}
	f := float64(m.totals.Scanned) / float64(m.matching)
	if f > 1 {
		f = 1
	}
	return f
}

func (m progressModel) renderMessages() []string {
	sections := []string{helpStyle.Render("   Log:")}
	if len(m.messages) == 0 {
		return append(sections, "     (waiting for operations...)")
	}
	for _, msg := range m.messages {
		sections = append(sections, "     "+msg)
	}
	return sections
}

func (m progressModel) renderSeparator() []string {
	separatorWidth := 80
	if m.width > 0 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	separator := "   " + strings.Repeat("─", separatorWidth)
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

func (m progressModel) renderCurrentTable() []string {
	var sections []string
	if m.source == "" {
		return append(sections, stageStyle.Render("   "+m.spinner.View()+" Connecting..."))
	}

	title := fmt.Sprintf("   %s -> %s", m.source, m.destination)
	if m.dryRun {
		title += " (dry run)"
	}
	sections = append(sections, tableHeaderStyle.Render(title), "")

	overall := fmt.Sprintf("   Tables: %d/%d", m.tableIndex, len(m.tables))
	sections = append(sections, progressInfoStyle.Render(overall))
	if len(m.tables) > 0 {
		done := len(m.finished)
		sections = append(sections, "   "+m.overallProgress.ViewAs(float64(done)/float64(len(m.tables))))
	}
	sections = append(sections, "")

	rows := fmt.Sprintf("   Scanned: %d", m.totals.Scanned)
	if m.matching >= 0 {
		rows = fmt.Sprintf("   Scanned: %d/%d", m.totals.Scanned, m.matching)
	}
	sections = append(sections, progressInfoStyle.Render(rows))
	if f := m.tableFraction(); f >= 0 {
		sections = append(sections, "   "+m.tableProgress.ViewAs(f))
	}

	counts := fmt.Sprintf("   %s Batches: %d  Archived: %d  Already archived: %d  Deleted: %d",
		m.spinner.View(), m.totals.Batches, m.totals.Archived, m.totals.AlreadyArchived, m.totals.Deleted)
	sections = append(sections, "", stageStyle.Render(counts))

	if b := m.lastBatch; b != nil {
		last := fmt.Sprintf("   Last batch %d: keys %v..%v in %s", b.Index, b.FirstKey, b.LastKey,
			b.Timings.Total().Round(time.Millisecond))
		sections = append(sections, progressInfoStyle.Render(last))
	}
	return sections
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, "", titleStyle.Render("   Table Archiver")+"  "+helpStyle.Render("v"+Version), "")
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, m.renderCurrentTable()...)

	sections = append(sections, "")
	if m.stopping {
		sections = append(sections, warnStyle.Render("   Stopping after the current batch, press Ctrl+C again to leave the display"))
	} else {
		sections = append(sections, helpStyle.Render(fmt.Sprintf("   Elapsed %s. Press Ctrl+C or 'q' to stop after the current batch",
			time.Since(m.startTime).Round(time.Second))))
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
