// Package cli holds the terminal views of the export CLI.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	exportprogress "github.com/m-martinez/occams/internal/progress"
)

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

type recordMsg struct {
	rec exportprogress.Record
	err error
}

type tickMsg time.Time

// WatchModel polls the progress record of one export until it is complete
// or failed.
type WatchModel struct {
	ctx      context.Context
	store    exportprogress.Store
	exportID string
	interval time.Duration

	bar     progress.Model
	rec     exportprogress.Record
	seen    bool
	err     error
	stopped bool
}

// NewWatchModel creates a model polling store every interval.
func NewWatchModel(ctx context.Context, store exportprogress.Store, exportID string, interval time.Duration) WatchModel {
	if interval <= 0 {
		interval = time.Second
	}
	return WatchModel{
		ctx:      ctx,
		store:    store,
		exportID: exportID,
		interval: interval,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m WatchModel) fetch() tea.Msg {
	rec, err := m.store.Get(m.ctx, m.exportID)
	return recordMsg{rec: rec, err: err}
}

func (m WatchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m WatchModel) Init() tea.Cmd {
	return m.fetch
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.stopped = true
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-20, 10), 60)
		return m, nil

	case tickMsg:
		return m, m.fetch

	case recordMsg:
		switch {
		case errors.Is(msg.err, exportprogress.ErrNotFound):
			// Queued but not claimed by a worker yet
		case msg.err != nil:
			m.err = msg.err
			return m, tea.Quit
		default:
			m.rec = msg.rec
			m.seen = true
			if m.rec.Terminal() {
				return m, tea.Quit
			}
		}
		return m, m.tick()
	}

	return m, nil
}

func (m WatchModel) percent() float64 {
	if m.rec.Total == 0 {
		return 0
	}
	return float64(m.rec.Count) / float64(m.rec.Total)
}

func (m WatchModel) View() string {
	var b strings.Builder
	b.WriteString(watchTitleStyle.Render("export " + m.exportID))
	b.WriteString("\n\n")

	if !m.seen {
		b.WriteString(watchMutedStyle.Render("waiting for a worker..."))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.bar.ViewAs(m.percent()))
	b.WriteString("\n")
	b.WriteString(watchMutedStyle.Render(fmt.Sprintf("%d/%d schemata", m.rec.Count, m.rec.Total)))
	b.WriteString("\n")

	switch m.rec.Status {
	case exportprogress.StatusComplete:
		b.WriteString(watchOKStyle.Render("complete " + m.rec.FileSize))
	case exportprogress.StatusFailed:
		b.WriteString(watchErrorStyle.Render("failed"))
	default:
		b.WriteString(m.rec.Status)
	}
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(watchErrorStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	return b.String()
}

// Record is the last progress record seen.
func (m WatchModel) Record() exportprogress.Record {
	return m.rec
}

// Err is the store error that ended the watch, if any.
func (m WatchModel) Err() error {
	return m.err
}

// Watch renders progress of exportID until it finishes, the store fails or
// the user quits.
func Watch(ctx context.Context, store exportprogress.Store, exportID string, interval time.Duration, opts ...tea.ProgramOption) (exportprogress.Record, error) {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(NewWatchModel(ctx, store, exportID, interval), opts...)
	final, err := p.Run()
	if err != nil {
		return exportprogress.Record{}, err
	}
	fm, ok := final.(WatchModel)
	if !ok {
		return exportprogress.Record{}, fmt.Errorf("unexpected model %T", final)
	}
	if fm.err != nil {
		return fm.rec, fm.err
	}
	if fm.stopped && !fm.rec.Terminal() {
		return fm.rec, context.Canceled
	}
	return fm.rec, nil
}
