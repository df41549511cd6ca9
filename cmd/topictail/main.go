// topictail is an interactive monitor for one bridge topic: it subscribes
// over the bridge's WebSocket protocol, tails incoming messages in a
// scrollback view and publishes whatever is typed into the input box.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D4AA"))

	topicStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))

	payloadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	statusOKStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D4AA"))

	statusErrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00D4AA")).
			Padding(0, 1)
)

// clientOp mirrors the bridge's client operation frame.
type clientOp struct {
	Op             string `json:"op"`
	Topic          string `json:"topic"`
	Type           string `json:"type,omitempty"`
	ThrottleRateMS int64  `json:"throttle_rate_ms,omitempty"`
	Data           string `json:"data,omitempty"`
}

// serverFrame mirrors the bridge's server frames (message and status).
type serverFrame struct {
	Op        string `json:"op"`
	Topic     string `json:"topic,omitempty"`
	Type      string `json:"type,omitempty"`
	Data      string `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Level     string `json:"level,omitempty"`
	ID        string `json:"id,omitempty"`
	Msg       string `json:"msg,omitempty"`
}

type frameMsg serverFrame

type connErrMsg struct{ err error }

type model struct {
	conn    *websocket.Conn
	frames  chan serverFrame
	topic   string
	msgType string

	viewport  viewport.Model
	textInput textinput.Model
	lines     []string
	ready     bool
	err       error
}

func newModel(conn *websocket.Conn, topic, msgType string) model {
	ti := textinput.New()
	ti.Placeholder = "type a message and press enter to publish"
	ti.Focus()
	ti.CharLimit = 512

	return model{
		conn:      conn,
		frames:    make(chan serverFrame, 64),
		topic:     topic,
		msgType:   msgType,
		textInput: ti,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.readFrames(), m.waitForFrame())
}

// readFrames pumps socket frames into the channel until the socket dies.
func (m model) readFrames() tea.Cmd {
	conn := m.conn
	frames := m.frames
	return func() tea.Msg {
		for {
			var frame serverFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return connErrMsg{err: err}
			}
			frames <- frame
		}
	}
}

func (m model) waitForFrame() tea.Cmd {
	frames := m.frames
	return func() tea.Msg {
		return frameMsg(<-frames)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		inputHeight := 4
		if !m.ready {
			m.viewport = viewport.New(msg.Width-2, msg.Height-inputHeight-3)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 2
			m.viewport.Height = msg.Height - inputHeight - 3
		}
		m.textInput.Width = msg.Width - 6
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := m.textInput.Value()
			if text == "" {
				return m, nil
			}
			op := clientOp{
				Op:    "publish",
				Topic: m.topic,
				Data:  base64.StdEncoding.EncodeToString([]byte(text)),
			}
			if err := m.conn.WriteJSON(op); err != nil {
				m.err = err
				return m, tea.Quit
			}
			m.textInput.SetValue("")
			return m, nil
		}

	case frameMsg:
		m.appendFrame(serverFrame(msg))
		return m, m.waitForFrame()

	case connErrMsg:
		m.err = msg.err
		return m, tea.Quit
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *model) appendFrame(frame serverFrame) {
	var line string
	switch frame.Op {
	case "message":
		payload, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			payload = []byte(frame.Data)
		}
		ts := time.UnixMilli(frame.Timestamp).Format("15:04:05")
		line = fmt.Sprintf("%s %s %s",
			timestampStyle.Render(ts),
			topicStyle.Render(frame.Topic),
			payloadStyle.Render(string(payload)))
	case "status":
		style := statusOKStyle
		if frame.Level == "error" {
			style = statusErrStyle
		}
		line = style.Render(fmt.Sprintf("[%s] %s %s", frame.Level, frame.ID, frame.Msg))
	default:
		return
	}

	m.lines = append(m.lines, line)
	if len(m.lines) > 500 {
		m.lines = m.lines[len(m.lines)-500:]
	}
	if m.ready {
		m.viewport.SetContent(joinLines(m.lines))
		m.viewport.GotoBottom()
	}
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func (m model) View() string {
	if !m.ready {
		return "connecting..."
	}

	header := titleStyle.Render("topictail") + " " + topicStyle.Render(m.topic)
	return header + "\n" +
		m.viewport.View() + "\n" +
		boxStyle.Render(m.textInput.View()) +
		helpStyle.Render("enter: publish • esc: quit")
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/ws", "Bridge WebSocket URL")
	topic := flag.String("topic", "", "Topic to tail (required)")
	msgType := flag.String("type", "raw", "Message type of the topic")
	throttleMS := flag.Int64("throttle-ms", 0, "Minimum interval between deliveries, in milliseconds")
	flag.Parse()

	if *topic == "" {
		fmt.Fprintln(os.Stderr, "topictail: -topic is required")
		flag.Usage()
		os.Exit(2)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "topictail: dial %s: %v\n", *url, err)
		os.Exit(1)
	}
	defer conn.Close()

	subscribe := clientOp{
		Op:             "subscribe",
		Topic:          *topic,
		Type:           *msgType,
		ThrottleRateMS: *throttleMS,
	}
	advertise := clientOp{Op: "advertise", Topic: *topic, Type: *msgType}
	if err := conn.WriteJSON(subscribe); err != nil {
		fmt.Fprintf(os.Stderr, "topictail: subscribe: %v\n", err)
		os.Exit(1)
	}
	if err := conn.WriteJSON(advertise); err != nil {
		fmt.Fprintf(os.Stderr, "topictail: advertise: %v\n", err)
		os.Exit(1)
	}

	m := newModel(conn, *topic, *msgType)
	p := tea.NewProgram(m, tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "topictail: %v\n", err)
		os.Exit(1)
	}
	if fm, ok := final.(model); ok && fm.err != nil {
		fmt.Fprintf(os.Stderr, "topictail: connection closed: %v\n", fm.err)
		os.Exit(1)
	}
}
