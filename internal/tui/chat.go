package tui

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sealroom.dev/go/sealroom/internal/client"
	"sealroom.dev/go/sealroom/internal/protocol"
)

// ChatSession is the part of client.Session the chat view drives
type ChatSession interface {
	Name() string
	Room() string
	Updates() <-chan client.Update
	Members() []protocol.Member
	SendText(text string) (client.Message, error)
	SendImage(data []byte) (client.Message, error)
}

const (
	memberPaneWidth = 22
	headerHeight    = 2
	footerHeight    = 2
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	sepStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	selfStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	peerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Italic(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	imageStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	memberPane   = lipgloss.NewStyle().
			Width(memberPaneWidth).
			PaddingLeft(1).
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("8"))
)

type updateMsg struct{ update client.Update }

type updatesClosedMsg struct{}

type sentMsg struct{ message client.Message }

type sendErrMsg struct{ err error }

// ChatModel is the interactive room view
type ChatModel struct {
	session  ChatSession
	lines    []string
	members  []protocol.Member
	input    textinput.Model
	viewport viewport.Model
	width    int
	height   int
	ready    bool
	closed   bool

	readFile func(string) ([]byte, error)
}

// NewChatModel returns a chat view for a session that has already joined
// its room.
func NewChatModel(session ChatSession) ChatModel {
	ti := textinput.New()
	ti.Placeholder = "Message, /img <path> or /quit"
	ti.CharLimit = 4096
	ti.Focus()

	return ChatModel{
		session:  session,
		members:  session.Members(),
		input:    ti,
		readFile: os.ReadFile,
	}
}

// RunChat runs the chat view until the user quits or the relay goes away.
func RunChat(session ChatSession) error {
	p := tea.NewProgram(NewChatModel(session), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m ChatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForUpdate)
}

func (m ChatModel) waitForUpdate() tea.Msg {
	u, ok := <-m.session.Updates()
	if !ok {
		return updatesClosedMsg{}
	}
	return updateMsg{update: u}
}

func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(msg.Width-4, 10)
		m.viewport = viewport.New(max(msg.Width-memberPaneWidth-2, 20), max(msg.Height-headerHeight-footerHeight, 3))
		m.ready = true
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			return m.submit(line)
		case tea.KeyPgUp:
			m.viewport.ViewUp()
			return m, nil
		case tea.KeyPgDown:
			m.viewport.ViewDown()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case updateMsg:
		m.apply(msg.update)
		m.refresh()
		return m, m.waitForUpdate

	case updatesClosedMsg:
		m.closed = true
		m.appendLine(errorStyle.Render("connection to relay closed"))
		m.refresh()
		return m, nil

	case sentMsg:
		m.appendLine(renderMessage(msg.message))
		if len(msg.message.Unreachable) > 0 {
			m.appendLine(noticeStyle.Render("not delivered to " + strings.Join(msg.message.Unreachable, ", ") + ": invalid public key"))
		}
		m.refresh()
		return m, nil

	case sendErrMsg:
		m.appendLine(errorStyle.Render(sendErrorText(msg.err)))
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// submit handles one line of input: a command or a text message.
func (m ChatModel) submit(line string) (tea.Model, tea.Cmd) {
	if line == "/quit" {
		return m, tea.Quit
	}
	if m.closed {
		m.appendLine(errorStyle.Render("not connected"))
		m.refresh()
		return m, nil
	}

	session := m.session
	if path, ok := strings.CutPrefix(line, "/img "); ok {
		path = strings.TrimSpace(path)
		readFile := m.readFile
		return m, func() tea.Msg {
			data, err := readFile(path)
			if err != nil {
				return sendErrMsg{err: err}
			}
			sent, err := session.SendImage(data)
			if err != nil {
				return sendErrMsg{err: err}
			}
			return sentMsg{message: sent}
		}
	}

	return m, func() tea.Msg {
		sent, err := session.SendText(line)
		if err != nil {
			return sendErrMsg{err: err}
		}
		return sentMsg{message: sent}
	}
}

func (m *ChatModel) apply(u client.Update) {
	switch u := u.(type) {
	case client.Message:
		m.appendLine(renderMessage(u))
	case client.History:
		if len(u.Messages) > 0 {
			m.appendLine(sepStyle.Render(fmt.Sprintf("-- %d earlier messages --", len(u.Messages))))
		}
		for _, msg := range u.Messages {
			m.appendLine(renderMessage(msg))
		}
	case client.Roster:
		m.members = u.Members
	case client.Notice:
		m.appendLine(noticeStyle.Render("! " + u.String()))
	}
}

func (m *ChatModel) appendLine(line string) {
	m.lines = append(m.lines, line)
}

func (m *ChatModel) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m ChatModel) View() string {
	if !m.ready {
		return "Connecting..."
	}

	var b strings.Builder

	header := titleStyle.Render("Room "+m.session.Room()) + "  " +
		timeStyle.Render(fmt.Sprintf("as %s, %d members", m.session.Name(), len(m.members)))
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(sepStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		m.viewport.View(),
		memberPane.Height(m.viewport.Height).Render(m.renderMembers()),
	))
	b.WriteString("\n")

	b.WriteString(sepStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func (m ChatModel) renderMembers() string {
	var lines []string
	for _, member := range m.members {
		marker := offlineStyle.Render("○")
		if member.Online {
			marker = onlineStyle.Render("●")
		}
		name := member.Name
		if name == m.session.Name() {
			name += " (you)"
		}
		lines = append(lines, marker+" "+name)
	}
	return strings.Join(lines, "\n")
}

func renderMessage(msg client.Message) string {
	ts := timeStyle.Render(msg.Timestamp.Local().Format("15:04"))

	from := peerStyle.Render(msg.From)
	if msg.Self {
		from = selfStyle.Render(msg.From)
	}

	body := msg.Text
	if msg.Kind == protocol.KindImage && msg.Image != nil {
		body = imageStyle.Render(fmt.Sprintf("[image %s, %d KB]", msg.Image.MIME, (len(msg.Image.Data)+1023)/1024))
	}
	return ts + " " + from + ": " + body
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		return fmt.Sprintf("image too large (limit %d KB)", protocol.MaxImageBytes/1024)
	case errors.Is(err, protocol.ErrInvalidImage):
		return "not a supported image: " + err.Error()
	case errors.Is(err, client.ErrNoRoster):
		return "room roster not received yet, try again in a moment"
	default:
		return "send failed: " + err.Error()
	}
}
