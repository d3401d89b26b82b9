package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"streambridge/pkg/bus"
)

const mouseWheelLines = 3

// Submitter is the engine surface the console drives. *engine.Engine satisfies it.
type Submitter interface {
	Handle(ctx context.Context, msg bus.IncomingMessage) error
}

// RuntimeInfo is shown in the header.
type RuntimeInfo struct {
	Provider  string
	Model     string
	Retrieval string
}

type chatMessage struct {
	role      string
	content   string
	messageID int
}

type submitResultMsg struct {
	err error
}

type bootTickMsg struct{}

type model struct {
	ctx     context.Context
	submit  Submitter
	runtime RuntimeInfo

	theme      theme
	spinner    spinner.Model
	input      textinput.Model
	viewport   viewport.Model
	messages   []chatMessage
	width      int
	height     int
	isReady    bool
	generating bool
	live       int
	lastErr    string
	booting    bool
	bootStep   int
	followLog  bool
	edits      int
}

func newModel(ctx context.Context, submit Submitter, info RuntimeInfo) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Ask anything..."
	in.Focus()
	in.CharLimit = 0

	vp := viewport.New(80, 12)

	return &model{
		ctx:       ctx,
		submit:    submit,
		runtime:   info,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  vp,
		width:     100,
		height:    28,
		booting:   true,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return bootTickCmd()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}

		m.bootStep++
		if m.bootStep < len(bootScriptLines())+1 {
			return m, bootTickCmd()
		}

		m.booting = false
		return m, textinput.Blink
	case tea.MouseMsg:
		if !m.booting {
			m.handleViewportMouse(typed)
		}
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.booting {
			return m, nil
		}

		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		if typed.String() == "enter" {
			prompt := strings.TrimSpace(m.input.Value())
			if prompt == "" {
				return m, nil
			}
			if isExitCommand(prompt) {
				return m, tea.Quit
			}

			// A prompt sent while a reply streams preempts it.
			m.lastErr = ""
			m.messages = append(m.messages, chatMessage{role: "user", content: prompt})
			m.input.SetValue("")
			m.followLog = true
			m.refreshViewport(true)
			return m, submitCmd(m.ctx, m.submit, prompt)
		}
	}

	m.input, cmd = m.input.Update(msg)

	switch typed := msg.(type) {
	case spinner.TickMsg:
		if !m.generating {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case renderMsg:
		m.render(typed)
		m.refreshViewport(false)
	case lifecycleMsg:
		tick := m.lifecycle(typed)
		m.refreshViewport(false)
		return m, tick
	case submitResultMsg:
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			m.messages = append(m.messages, chatMessage{role: "error", content: typed.err.Error()})
			m.refreshViewport(false)
		}
	}

	return m, cmd
}

// render applies a send or edit to the card that owns the message id.
func (m *model) render(msg renderMsg) {
	m.edits++
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].messageID == msg.messageID {
			m.messages[i].content = msg.text
			return
		}
	}
	m.messages = append(m.messages, chatMessage{role: "assistant", content: msg.text, messageID: msg.messageID})
}

// lifecycle counts live generations. A preempted reply may report its end after its successor
// started, so the spinner follows the count rather than the latest event.
func (m *model) lifecycle(msg lifecycleMsg) tea.Cmd {
	wasGenerating := m.generating
	switch msg.eventType {
	case bus.EventGenerationStarted:
		m.live++
		m.lastErr = ""
	case bus.EventGenerationFailed:
		m.live--
		m.lastErr = msg.err
	default:
		m.live--
	}
	if m.live < 0 {
		m.live = 0
	}

	m.generating = m.live > 0
	if m.generating && !wasGenerating {
		return m.spinner.Tick
	}
	return nil
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.booting {
		return m.bootView()
	}

	header := m.theme.header.Width(m.width - 2).Render("📡 StreamBridge Console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"provider:%s · model:%s · retrieval:%s · turns:%d · edits:%d",
		displayOrNA(m.runtime.Provider),
		displayOrNA(m.runtime.Model),
		displayOrNA(m.runtime.Retrieval),
		conversationTurns(m.messages),
		m.edits,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter send  ·  PgUp/PgDn scroll  ·  End jump latest  ·  🛑 Ctrl+C/Esc quit")
	if m.generating {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ streaming reply...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 last reply failed - try again")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("👤 You")+" "+m.theme.hint.Render("(/stop cancels, /new resets, /history shows the chat, /exit quits)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := m.width - 6
	if w < 50 {
		w = 50
	}
	h := m.height - 10
	if h < 8 {
		h = 8
	}

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	live := -1
	if m.generating {
		live = m.lastAssistant()
	}

	var sections []string
	for i, item := range m.messages {
		switch item.role {
		case "user":
			sections = append(sections, m.renderCard(
				m.theme.userTitle.Render("▛▚ [ 👤 ] ▞▜"),
				m.theme.userBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		case "assistant":
			box := m.theme.assistantBox
			if i == live {
				box = m.theme.liveBox
			}
			sections = append(sections, m.renderCard(
				m.theme.assistantTitle.Render("▛▚ [ 📡 ] ▞▜"),
				box.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		case "error":
			sections = append(sections, m.renderCard(
				m.theme.errorTitle.Render("▛▚ [ERROR] ▞▜"),
				m.theme.errorBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if previousOffset > maxOffset {
		previousOffset = maxOffset
	}
	m.viewport.SetYOffset(previousOffset)
}

func (m *model) lastAssistant() int {
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].role == "assistant" {
			return i
		}
	}
	return -1
}

func (m *model) renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) bootView() string {
	header := m.theme.header.Width(m.width - 2).Render("📡 StreamBridge Console")
	meta := m.theme.headerMeta.Render("boot sequence")
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	script := bootScriptLines()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := 0; i < count; i++ {
		visible = append(visible, m.theme.bootLine.Render(script[i]))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootDone.Render("✅ console online"))
	}

	body := m.theme.viewport.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

// handleViewportMouse scrolls on wheel events. Scrolling up detaches from the live tail until
// the bottom is reached again.
func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.SetYOffset(m.viewport.YOffset - mouseWheelLines)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.SetYOffset(m.viewport.YOffset + mouseWheelLines)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func bootScriptLines() []string {
	return []string{
		"[BOOT] opening in-process chat",
		"[BOOT] wiring edit scheduler",
		"[BOOT] warming model stream",
	}
}

func submitCmd(ctx context.Context, submit Submitter, prompt string) tea.Cmd {
	return func() tea.Msg {
		err := submit.Handle(ctx, bus.IncomingMessage{
			ChatID:    ConsoleChat,
			SenderID:  "console",
			Text:      prompt,
			ArrivedAt: time.Now(),
			Mode:      bus.ModeConsole,
		})
		return submitResultMsg{err: err}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func conversationTurns(messages []chatMessage) int {
	count := 0
	for _, message := range messages {
		if message.role == "user" {
			count++
		}
	}

	return count
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
