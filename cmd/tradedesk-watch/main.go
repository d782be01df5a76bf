package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"tradedesk/pkg/tradedesk"
)

// Styles.
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	workingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	filledStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	deadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	liveStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	downStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

const (
	maxOrderRows = 15
	maxFillRows  = 8
)

// streamUpdate mirrors the server's websocket envelope. Exactly one payload
// field is set, named by Kind.
type streamUpdate struct {
	Kind         string                  `json:"kind"`
	At           time.Time               `json:"at"`
	Order        *tradedesk.Order        `json:"order,omitempty"`
	Fill         *tradedesk.Fill         `json:"fill,omitempty"`
	Position     *tradedesk.Position     `json:"position,omitempty"`
	AccountValue *tradedesk.AccountValue `json:"account_value,omitempty"`
}

// Messages.
type tickMsg time.Time
type updateMsg streamUpdate
type streamClosedMsg struct{}

type snapshotMsg struct {
	orders    []tradedesk.Order
	positions []tradedesk.Position
	err       error
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForUpdate(ch <-chan streamUpdate) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return updateMsg(u)
	}
}

func snapshotCmd(client *tradedesk.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orders, err := client.ListOrders(ctx, maxOrderRows)
		if err != nil {
			return snapshotMsg{err: err}
		}
		positions, err := client.Positions(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{orders: orders, positions: positions}
	}
}

type model struct {
	client  *tradedesk.Client
	updates <-chan streamUpdate

	orders    map[int64]tradedesk.Order
	fills     []tradedesk.Fill
	positions map[string]tradedesk.Position
	account   map[string]tradedesk.AccountValue

	connected bool
	lastErr   string
	now       time.Time
	width     int
}

func initialModel(client *tradedesk.Client, updates <-chan streamUpdate) model {
	return model{
		client:    client,
		updates:   updates,
		orders:    make(map[int64]tradedesk.Order),
		positions: make(map[string]tradedesk.Position),
		account:   make(map[string]tradedesk.AccountValue),
		connected: true,
		now:       time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitForUpdate(m.updates), snapshotCmd(m.client))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, snapshotCmd(m.client)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()

	case snapshotMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
			return m, nil
		}
		m.lastErr = ""
		for _, o := range msg.orders {
			m.orders[o.OrderID] = o
		}
		for _, p := range msg.positions {
			m.positions[positionKey(p)] = p
		}

	case updateMsg:
		m.apply(streamUpdate(msg))
		return m, waitForUpdate(m.updates)

	case streamClosedMsg:
		m.connected = false
	}

	return m, nil
}

func (m *model) apply(u streamUpdate) {
	switch u.Kind {
	case "order":
		if u.Order != nil {
			m.orders[u.Order.OrderID] = *u.Order
		}
	case "fill":
		if u.Fill != nil {
			m.fills = append([]tradedesk.Fill{*u.Fill}, m.fills...)
			if len(m.fills) > maxFillRows {
				m.fills = m.fills[:maxFillRows]
			}
		}
	case "position":
		if u.Position != nil {
			m.positions[positionKey(*u.Position)] = *u.Position
		}
	case "account_value":
		if u.AccountValue != nil {
			v := *u.AccountValue
			m.account[v.Account+"|"+v.Tag+"|"+v.Currency] = v
		}
	}
}

func positionKey(p tradedesk.Position) string {
	return fmt.Sprintf("%s|%s|%s|%d", p.Account, p.Symbol, p.SecType, p.ConID)
}

func (m model) View() string {
	var b strings.Builder

	status := liveStyle.Render("LIVE")
	if !m.connected {
		status = downStyle.Render("DISCONNECTED")
	}
	b.WriteString(titleStyle.Render("tradedesk"))
	b.WriteString(dimStyle.Render("  " + m.now.Format("15:04:05") + "  "))
	b.WriteString(status)
	if m.lastErr != "" {
		b.WriteString(deadStyle.Render("  " + m.lastErr))
	}
	b.WriteString("\n\n")

	m.renderOrders(&b)
	m.renderFills(&b)
	m.renderPositions(&b)
	m.renderAccount(&b)

	b.WriteString(dimStyle.Render("q quit  r refresh"))
	return b.String()
}

func (m model) renderOrders(b *strings.Builder) {
	b.WriteString(sectionStyle.Render("ORDERS"))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-5s %-6s %-5s %6s %-4s %9s %-16s %6s %9s",
		"ID", "SYMBOL", "SIDE", "QTY", "TYPE", "PRICE", "STATUS", "FILLED", "AVG")))
	b.WriteString("\n")

	ids := make([]int64, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if len(ids) > maxOrderRows {
		ids = ids[:maxOrderRows]
	}

	for _, id := range ids {
		o := m.orders[id]
		line := fmt.Sprintf("%-5d %-6s %-5s %6d %-4s %9s %-16s %6d %9s",
			o.OrderID, o.Symbol, o.Side, o.Quantity, o.OrderType,
			price(o.Price), o.Status, o.FilledQty, price(o.AvgPrice))
		b.WriteString(statusStyle(o.Status).Render(line))
		b.WriteString("\n")
	}
	if len(ids) == 0 {
		b.WriteString(dimStyle.Render("(no orders)"))
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func (m model) renderFills(b *strings.Builder) {
	if len(m.fills) == 0 {
		return
	}
	b.WriteString(sectionStyle.Render("FILLS"))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-5s %-6s %-5s %6s %9s  %s",
		"ORDER", "SYMBOL", "SIDE", "QTY", "PRICE", "EXEC")))
	b.WriteString("\n")
	for _, f := range m.fills {
		b.WriteString(fmt.Sprintf("%-5d %-6s %-5s %6d %9.4f  %s\n",
			f.OrderID, f.Symbol, f.Side, f.FilledQty, f.Price, f.ExecID))
	}
	b.WriteString("\n")
}

func (m model) renderPositions(b *strings.Builder) {
	if len(m.positions) == 0 {
		return
	}
	b.WriteString(sectionStyle.Render("POSITIONS"))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-10s %-6s %-4s %10s %10s",
		"ACCOUNT", "SYMBOL", "TYPE", "POSITION", "AVG COST")))
	b.WriteString("\n")

	keys := make([]string, 0, len(m.positions))
	for k := range m.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := m.positions[k]
		style := filledStyle
		if p.Position < 0 {
			style = deadStyle
		}
		b.WriteString(style.Render(fmt.Sprintf("%-10s %-6s %-4s %10.0f %10.4f",
			p.Account, p.Symbol, p.SecType, p.Position, p.AvgCost)))
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func (m model) renderAccount(b *strings.Builder) {
	if len(m.account) == 0 {
		return
	}
	b.WriteString(sectionStyle.Render("ACCOUNT"))
	b.WriteString("\n")

	keys := make([]string, 0, len(m.account))
	for k := range m.account {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m.account[k]
		b.WriteString(fmt.Sprintf("%-10s %-20s %14s %s\n", v.Account, v.Tag, v.Value, v.Currency))
	}
	b.WriteString("\n")
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "FILLED":
		return filledStyle
	case "CANCELLED", "REJECTED", "ERROR":
		return deadStyle
	case "SUBMITTED", "PARTIALLY_FILLED", "CANCEL_REQUESTED", "PENDING_SUBMIT":
		return workingStyle
	default:
		return lipgloss.NewStyle()
	}
}

func price(p float64) string {
	if p == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", p)
}

func main() {
	addr := "http://localhost:8080"
	if a := os.Getenv("TRADEDESK_ADDR"); a != "" {
		addr = a
	}

	wsURL := strings.Replace(addr, "http", "ws", 1) + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connecting to %s: %v\n", wsURL, err)
		os.Exit(1)
	}
	defer conn.Close()

	updates := make(chan streamUpdate, 64)
	go readStream(conn, updates)

	client := tradedesk.NewClient(addr)
	p := tea.NewProgram(initialModel(client, updates), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func readStream(conn *websocket.Conn, ch chan<- streamUpdate) {
	defer close(ch)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var u streamUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			continue
		}
		ch <- u
	}
}
