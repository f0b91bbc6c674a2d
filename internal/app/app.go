package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/brensch/edgarsync/internal/orchestrator"
)

var (
	titleStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	menuStyle         = lipgloss.NewStyle().PaddingLeft(2)
	selectedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("79"))
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	progressBarStyle  = lipgloss.NewStyle().Padding(0, 1)
	rowHeaderStyle    = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	entityStatusStyle = map[string]lipgloss.Style{
		"Gap fill":    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"Complete":    lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		"Incomplete":  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		"Error":       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"Downloading": lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	}
)

// Task runs one orchestrator operation, reporting events to obs, and returns
// a one-line summary.
type Task func(ctx context.Context, obs orchestrator.Observer) (string, error)

// MenuItem is a selectable task.
type MenuItem struct {
	Label string
	Run   Task
}

type EntityProgress struct {
	EntityID string
	Status   string
	Done     int64
	Total    int64
	Failed   int
	ErrMsg   string
	Start    time.Time
	Elapsed  time.Duration
}

type AppModel struct {
	State            AppState
	menu             []MenuItem
	menuCursor       int
	spinner          spinner.Model
	overallProgress  progress.Model
	progressBarWidth int

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu             sync.RWMutex
	entityProgress map[string]*EntityProgress
	entityOrder    []string
	overallTotal   int64
	overallCurrent int64
	successful     int
	failed         int
	skipped        int
	currentTaskTag string
	lastActivity   string
	lastMessage    string
	taskStartTime  time.Time

	lastError    error
	FatalErr     error
	Quitting     bool
	quitAfterRun bool

	termWidth  int
	termHeight int

	uiMsgChan chan tea.Msg
}

// NewAppModel builds the model. Tasks run under ctx; cancelling it stops a
// running task the same way pressing q does.
func NewAppModel(ctx context.Context, logger *slog.Logger, items ...MenuItem) *AppModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	prog := progress.New(progress.WithDefaultGradient())

	menu := append(append([]MenuItem(nil), items...), MenuItem{Label: "Exit"})
	return &AppModel{
		State:           ShowMenu,
		menu:            menu,
		spinner:         s,
		overallProgress: prog,
		ctx:             ctx,
		logger:          logger,
		entityProgress:  make(map[string]*EntityProgress),
		termWidth:       80,
		termHeight:      24,
	}
}

func (m *AppModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch m.State {
		case ShowMenu:
			cmds = append(cmds, m.handleMenuKey(msg))
		case ShowError:
			if msg.Type == tea.KeyEnter || msg.Type == tea.KeyEsc {
				m.State = ShowMenu
				m.lastError = nil
			} else if msg.String() == "q" || msg.String() == "ctrl+c" {
				m.Quitting = true
				m.State = Exiting
				return m, tea.Quit
			}
		case Exiting:
			return m, nil
		case Cancelling:
			if msg.String() == "ctrl+c" {
				m.logger.Warn("Second interrupt, leaving without waiting for the run to stop.")
				m.Quitting = true
				m.State = Exiting
				return m, tea.Quit
			}
		default:
			if msg.String() == "ctrl+c" || msg.String() == "q" {
				m.logger.Info("Interrupt received, stopping run and saving state.")
				m.State = Cancelling
				m.quitAfterRun = true
				m.lastActivity = "stopping, saving state..."
				if m.cancel != nil {
					m.cancel()
				}
			}
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.termHeight = msg.Height
		m.progressBarWidth = max(0, m.termWidth-4)
		m.overallProgress.Width = m.progressBarWidth
	case ProgressMsg:
		m.mu.Lock()
		m.currentTaskTag = msg.Tag
		m.overallCurrent = msg.Current
		m.overallTotal = msg.Total
		if m.State != Cancelling {
			m.lastActivity = msg.Activity
		}
		m.mu.Unlock()
		var percent float64
		if msg.Total > 0 {
			percent = float64(msg.Current) / float64(msg.Total)
		}
		cmds = append(cmds, m.overallProgress.SetPercent(percent), m.waitForActivityCmd(m.uiMsgChan))
	case EntityProgressMsg:
		m.applyEntityProgress(msg)
		cmds = append(cmds, m.waitForActivityCmd(m.uiMsgChan))
	case TaskFinishedMsg:
		m.mu.Lock()
		m.logger.Info("Task finished.", slog.String("task", msg.Tag), slog.Duration("duration", msg.EndTime.Sub(msg.StartTime).Round(time.Millisecond)))
		m.State = ShowMenu
		m.uiMsgChan = nil
		m.cancel = nil
		m.lastMessage = msg.Message
		m.mu.Unlock()
		if msg.Err != nil {
			m.logger.Error("Task finished with error.", slog.String("task", msg.Tag), "error", msg.Err)
			m.lastError = fmt.Errorf("task '%s' failed: %w", msg.Tag, msg.Err)
			m.FatalErr = msg.Err
			m.State = ShowError
		}
		if m.quitAfterRun {
			m.Quitting = true
			m.State = Exiting
			return m, tea.Quit
		}
	case GeneralErrorMsg:
		m.logger.Error("General error.", "error", msg.Err)
		m.lastError = msg.Err
		m.State = ShowError
		m.uiMsgChan = nil
	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case progress.FrameMsg:
		if m.State == RunningTask || m.State == Cancelling {
			progModel, frameCmd := m.overallProgress.Update(msg)
			if newModel, ok := progModel.(progress.Model); ok {
				m.overallProgress = newModel
				cmds = append(cmds, frameCmd)
			}
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *AppModel) applyEntityProgress(msg EntityProgressMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, exists := m.entityProgress[msg.EntityID]
	if !exists {
		ep = &EntityProgress{EntityID: msg.EntityID, Start: time.Now()}
		m.entityProgress[msg.EntityID] = ep
		m.entityOrder = append(m.entityOrder, msg.EntityID)
	}
	ep.Status = msg.Status
	if msg.Total > 0 {
		ep.Done = msg.Done
		ep.Total = msg.Total
	}
	if msg.ErrMsg != "" {
		ep.ErrMsg = msg.ErrMsg
	}
	if msg.Item {
		switch msg.Outcome {
		case orchestrator.OutcomeSuccess:
			m.successful++
		case orchestrator.OutcomeFailed:
			m.failed++
			ep.Failed++
		case orchestrator.OutcomeSkipped:
			m.skipped++
		}
	}
	if msg.Status == "Complete" || msg.Status == "Incomplete" {
		ep.Elapsed = time.Since(ep.Start)
	}
}

func (m *AppModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("--- EDGAR Filing Sync ---"))
	b.WriteString("\n\n")

	switch m.State {
	case ShowMenu:
		b.WriteString(m.viewMenu())
	case RunningTask, Cancelling:
		b.WriteString(m.viewProgress())
	case ShowError:
		b.WriteString(m.viewError())
	case Exiting:
		b.WriteString(infoStyle.Render("Exiting..."))
	}

	b.WriteString("\n\n")
	switch m.State {
	case ShowMenu:
		b.WriteString(infoStyle.Render("Use up/down arrows and Enter to select. 'q' or Ctrl+C to quit."))
	case RunningTask:
		b.WriteString(infoStyle.Render("Task running... 'q' or Ctrl+C to stop and save state."))
	case Cancelling:
		b.WriteString(infoStyle.Render("Stopping... Ctrl+C again to leave immediately."))
	case ShowError:
		b.WriteString(infoStyle.Render("Press Enter or Esc to return to menu. 'q' or Ctrl+C to quit."))
	}

	return b.String()
}

func (m *AppModel) viewMenu() string {
	var b strings.Builder
	if m.lastMessage != "" {
		b.WriteString(infoStyle.Render(m.lastMessage))
		b.WriteString("\n\n")
	}
	b.WriteString("Select an action:\n")

	for i, item := range m.menu {
		var lineContent string
		if m.menuCursor == i {
			lineContent = "> " + selectedStyle.Render(item.Label)
		} else {
			lineContent = "  " + item.Label
		}
		b.WriteString(menuStyle.Render(lineContent))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *AppModel) viewProgress() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s Running Task: %s %s\n", m.spinner.View(), m.currentTaskTag, m.lastActivity))
	b.WriteString(progressBarStyle.Render(m.overallProgress.View()))
	b.WriteString(fmt.Sprintf(" (%d/%d)\n", m.overallCurrent, m.overallTotal))
	b.WriteString(fmt.Sprintf("downloaded %d | failed %d | skipped %d\n\n", m.successful, m.failed, m.skipped))

	maxLines := m.termHeight - 11
	if maxLines < 1 {
		maxLines = 1
	}
	startIdx := 0
	if len(m.entityOrder) > maxLines {
		startIdx = len(m.entityOrder) - maxLines
	}

	if len(m.entityOrder) > 0 {
		b.WriteString(rowHeaderStyle.Render(fmt.Sprintf("%-12s | %-12s | %-11s | %s", "Entity", "Status", "Items", "Elapsed")))
		b.WriteString("\n")
		b.WriteString(strings.Repeat("-", m.termWidth))
		b.WriteString("\n")
		for i := startIdx; i < len(m.entityOrder); i++ {
			ep := m.entityProgress[m.entityOrder[i]]
			if ep == nil {
				continue
			}
			statusStyled, ok := entityStatusStyle[ep.Status]
			if !ok {
				statusStyled = infoStyle
			}
			items := ""
			if ep.Total > 0 {
				items = fmt.Sprintf("%d/%d", ep.Done, ep.Total)
			}
			elapsedStr := ""
			if ep.Elapsed > 0 {
				elapsedStr = ep.Elapsed.Round(time.Millisecond).String()
			} else if !ep.Start.IsZero() {
				elapsedStr = time.Since(ep.Start).Round(time.Second).String() + "..."
			}
			line := fmt.Sprintf("%-12s | %-12s | %-11s | %s", ep.EntityID, statusStyled.Render(ep.Status), items, elapsedStr)
			b.WriteString(line)
			if ep.Failed > 0 && ep.ErrMsg != "" {
				errMsg := fmt.Sprintf("  -> %d failed, last: %s", ep.Failed, ep.ErrMsg)
				if m.termWidth > 1 && len(errMsg) >= m.termWidth {
					errMsg = errMsg[:m.termWidth-1]
				}
				b.WriteString("\n")
				b.WriteString(errorStyle.Render(errMsg))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m *AppModel) viewError() string {
	var b strings.Builder
	b.WriteString(errorStyle.Render("An error occurred:"))
	b.WriteString("\n\n")
	if m.lastError != nil {
		b.WriteString(wrapText(m.lastError.Error(), m.termWidth-4))
	} else {
		b.WriteString("Unknown error.")
	}
	b.WriteString("\n")
	return b.String()
}

func (m *AppModel) handleMenuKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "up", "k":
		if m.menuCursor > 0 {
			m.menuCursor--
		}
	case "down", "j":
		if m.menuCursor < len(m.menu)-1 {
			m.menuCursor++
		}
	case "enter":
		item := m.menu[m.menuCursor]
		if item.Run == nil {
			m.Quitting = true
			m.State = Exiting
			return tea.Quit
		}
		m.lastError = nil
		m.lastMessage = ""
		m.mu.Lock()
		m.entityProgress = make(map[string]*EntityProgress)
		m.entityOrder = nil
		m.overallCurrent = 0
		m.overallTotal = 0
		m.successful, m.failed, m.skipped = 0, 0, 0
		m.currentTaskTag = item.Label
		m.lastActivity = ""
		m.mu.Unlock()
		m.taskStartTime = time.Now()
		m.uiMsgChan = make(chan tea.Msg, 64)
		m.State = RunningTask
		m.logger.Info("Menu selection.", slog.String("task", item.Label))
		return m.startTask(item, m.uiMsgChan)
	case "ctrl+c", "q":
		m.Quitting = true
		m.State = Exiting
		return tea.Quit
	}
	return nil
}

// waitForActivityCmd delivers the next message from the running task. Only
// one wait is outstanding at a time so messages arrive in order.
func (m *AppModel) waitForActivityCmd(uiMsgChan chan tea.Msg) tea.Cmd {
	if uiMsgChan == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-uiMsgChan
		if !ok {
			return nil
		}
		return msg
	}
}

// startTask runs item in the background. Orchestrator events go through a
// translator goroutine onto uiMsgChan; the task's result follows as a
// TaskFinishedMsg and the channel is closed.
func (m *AppModel) startTask(item MenuItem, uiMsgChan chan tea.Msg) tea.Cmd {
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	startTime := m.taskStartTime
	tag := item.Label

	launch := func() tea.Msg {
		events := make(chan orchestrator.Event, 256)
		translated := make(chan struct{})
		go func() {
			defer close(translated)
			t := &translator{}
			for ev := range events {
				for _, msg := range t.translate(ev) {
					uiMsgChan <- msg
				}
			}
		}()
		go func() {
			defer cancel()
			message, err := item.Run(ctx, orchestrator.ObserverFunc(func(ev orchestrator.Event) {
				events <- ev
			}))
			close(events)
			<-translated
			uiMsgChan <- NewTaskFinished(tag, startTime, err, message)
			close(uiMsgChan)
		}()
		return nil
	}
	return tea.Batch(launch, m.waitForActivityCmd(uiMsgChan))
}

func wrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return text
	}
	var result strings.Builder
	var currentLine strings.Builder
	for _, word := range strings.Fields(text) {
		if currentLine.Len() > 0 && currentLine.Len()+len(word)+1 > maxWidth {
			result.WriteString(currentLine.String())
			result.WriteString("\n")
			currentLine.Reset()
		}
		if currentLine.Len() > 0 {
			currentLine.WriteString(" ")
		}
		currentLine.WriteString(word)
	}
	result.WriteString(currentLine.String())
	return result.String()
}
