package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"localthreads/internal/client"
	"localthreads/internal/domain"
)

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	feedbackStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
)

// Messages delivered from the streaming goroutine.
type streamUpdateMsg struct{ update client.StreamUpdate }
type streamClosedMsg struct{}
type retrievalMsg struct{ enabled bool }

// Model is the root Bubble Tea model: a viewport of the current thread over a
// textarea, with a status line between them while a reply streams.
type Model struct {
	session *client.Session

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	updates    <-chan client.StreamUpdate
	streaming  bool
	toolLabel  string
	draft      string // assistant content while streaming
	statusLine string

	retrievalAvailable bool
	width              int
	height             int
	ready              bool
}

func NewModel(session *client.Session) Model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Prompt = "┃ "
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = toolStyle

	return Model{
		session: session,
		input:   ta,
		spinner: sp,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.spinner.Tick,
		m.queryRetrieval(),
	)
}

func (m Model) queryRetrieval() tea.Cmd {
	return func() tea.Msg {
		on, err := m.session.RetrievalEnabled(context.Background())
		if err != nil {
			return retrievalMsg{enabled: false}
		}
		return retrievalMsg{enabled: on}
	}
}

func waitForUpdate(ch <-chan client.StreamUpdate) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return streamUpdateMsg{update: u}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case retrievalMsg:
		m.retrievalAvailable = msg.enabled
		if msg.enabled {
			m.session.SetRetrieval(true)
		}
		return m, nil

	case streamUpdateMsg:
		u := msg.update
		m.draft = u.Content
		m.toolLabel = u.ToolStatus
		if u.Done {
			if u.Err != "" {
				m.statusLine = errorStyle.Render("stream failed: " + u.Err)
			} else {
				m.statusLine = ""
			}
		}
		m.refreshViewport()
		return m, waitForUpdate(m.updates)

	case streamClosedMsg:
		m.streaming = false
		m.toolLabel = ""
		m.draft = ""
		m.updates = nil
		m.input.Focus()
		m.refreshViewport()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit

	case "enter":
		if m.streaming {
			return m, nil
		}
		content := strings.TrimSpace(m.input.Value())
		if content == "" {
			return m, nil
		}
		return m.startStream(func() (<-chan client.StreamUpdate, error) {
			return m.session.Send(context.Background(), content)
		})

	case "ctrl+n":
		if m.streaming {
			return m, nil
		}
		m.session.NewThread()
		m.statusLine = statusStyle.Render("new thread")
		m.refreshViewport()
		return m, nil

	case "ctrl+p":
		if m.streaming {
			return m, nil
		}
		m.cycleThread()
		m.refreshViewport()
		return m, nil

	case "ctrl+r":
		if m.streaming {
			return m, nil
		}
		id, ok := m.lastAssistantID()
		if !ok {
			return m, nil
		}
		return m.startStream(func() (<-chan client.StreamUpdate, error) {
			return m.session.Regenerate(context.Background(), id)
		})

	case "ctrl+u", "ctrl+d":
		if m.streaming {
			return m, nil
		}
		kind := domain.FeedbackUp
		if msg.String() == "ctrl+d" {
			kind = domain.FeedbackDown
		}
		if id, ok := m.lastAssistantID(); ok {
			if err := m.session.Feedback(context.Background(), id, kind); err == nil {
				m.statusLine = feedbackStyle.Render("feedback saved")
			}
		}
		m.refreshViewport()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) startStream(open func() (<-chan client.StreamUpdate, error)) (tea.Model, tea.Cmd) {
	updates, err := open()
	if err != nil {
		m.statusLine = errorStyle.Render(err.Error())
		return m, nil
	}
	m.updates = updates
	m.streaming = true
	m.statusLine = ""
	m.draft = ""
	m.input.Reset()
	m.input.Blur()
	m.refreshViewport()
	return m, tea.Batch(waitForUpdate(updates), m.spinner.Tick)
}

// lastAssistantID finds the newest assistant message in the current thread.
func (m Model) lastAssistantID() (string, bool) {
	t, ok := m.session.Current()
	if !ok {
		return "", false
	}
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == domain.RoleAssistant {
			return t.Messages[i].ID, true
		}
	}
	return "", false
}

// cycleThread selects the next thread in the collection.
func (m *Model) cycleThread() {
	threads := m.session.Threads()
	if len(threads) == 0 {
		return
	}
	cur, ok := m.session.Current()
	if !ok {
		m.session.Select(threads[0].ID)
		return
	}
	for i, t := range threads {
		if t.ID == cur.ID {
			next := threads[(i+1)%len(threads)]
			m.session.Select(next.ID)
			m.statusLine = statusStyle.Render(next.Title)
			return
		}
	}
}

func (m *Model) layout() {
	vpHeight := m.height - m.input.Height() - 3
	if vpHeight < 1 {
		vpHeight = 1
	}
	if !m.ready {
		m.viewport = viewport.New(m.width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = m.width
		m.viewport.Height = vpHeight
	}
	m.input.SetWidth(m.width - 2)

	wrap := m.width - 4
	if wrap < 20 {
		wrap = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	)
	if err == nil {
		m.renderer = r
	}
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderThread())
	m.viewport.GotoBottom()
}

func (m *Model) renderThread() string {
	t, ok := m.session.Current()
	if !ok {
		return statusStyle.Render("Start a conversation, or press ctrl+p to open a saved thread.")
	}

	var b strings.Builder
	for i, msg := range t.Messages {
		content := msg.Content
		// The last assistant message mirrors the in-flight draft.
		if m.streaming && i == len(t.Messages)-1 && msg.Role == domain.RoleAssistant {
			content = m.draft
		}
		switch msg.Role {
		case domain.RoleUser:
			b.WriteString(userStyle.Render("You"))
			b.WriteString("\n")
			b.WriteString(content)
		case domain.RoleAssistant:
			label := "Assistant"
			switch msg.Feedback {
			case domain.FeedbackUp:
				label += " 👍"
			case domain.FeedbackDown:
				label += " 👎"
			}
			b.WriteString(assistantStyle.Render(label))
			b.WriteString("\n")
			b.WriteString(m.renderMarkdown(content))
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

func (m *Model) renderMarkdown(content string) string {
	if m.renderer == nil || content == "" {
		return content
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(out, "\n")
}

func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	status := m.statusLine
	if m.streaming {
		switch {
		case m.toolLabel != "":
			status = toolStyle.Render(fmt.Sprintf("%s %s...", m.spinner.View(), m.toolLabel))
		case m.draft == "":
			status = toolStyle.Render(m.spinner.View() + " thinking...")
		default:
			status = toolStyle.Render(m.spinner.View() + " streaming")
		}
	}
	if status == "" {
		hints := "enter send · ctrl+n new · ctrl+p threads · ctrl+r regenerate · ctrl+u/d feedback · esc quit"
		if m.retrievalAvailable {
			hints = "retrieval on · " + hints
		}
		status = statusStyle.Render(hints)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.viewport.View(),
		status,
		m.input.View(),
	)
}

// Run starts the chat TUI and blocks until the user quits.
func Run(session *client.Session) error {
	p := tea.NewProgram(NewModel(session), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
