package main

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"invoicewa/internal/session"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the session and show the pairing QR code in the terminal",
	Long: `Polls a running invoicewa and renders the pairing QR code in the terminal
so the session can be paired from a phone without a browser.

Keys: r restarts the session, q quits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newWatchModel(newAPIClient(), watchInterval)
		_, err := tea.NewProgram(m, tea.WithContext(cmd.Context()), tea.WithAltScreen()).Run()
		return err
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Poll interval")
}

// qrClient is the part of apiClient the watch view needs.
type qrClient interface {
	QR(ctx context.Context, format session.QRFormat) (session.QRView, error)
	Restart(ctx context.Context) error
}

type (
	pollMsg    struct{}
	qrMsg      struct{ view session.QRView }
	errMsg     struct{ err error }
	restartMsg struct{ err error }
)

type watchModel struct {
	client   qrClient
	interval time.Duration
	spinner  spinner.Model

	view       session.QRView
	loaded     bool
	err        error
	restarting bool
}

func newWatchModel(c qrClient, interval time.Duration) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorAccent)
	return watchModel{client: c, interval: interval, spinner: s}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

// fetch uses GET /qr, which also kicks an idle session into pairing.
func (m watchModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval+10*time.Second)
		defer cancel()
		v, err := m.client.QR(ctx, session.QRFormatTerminal)
		if err != nil {
			return errMsg{err}
		}
		return qrMsg{v}
	}
}

func (m watchModel) restart() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		return restartMsg{m.client.Restart(ctx)}
	}
}

func (m watchModel) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if m.restarting {
				return m, nil
			}
			m.restarting = true
			return m, m.restart()
		}
		return m, nil

	case pollMsg:
		return m, m.fetch()

	case qrMsg:
		m.view, m.loaded, m.err = msg.view, true, nil
		return m, m.schedule()

	case errMsg:
		m.err = msg.err
		return m, m.schedule()

	case restartMsg:
		m.restarting = false
		m.err = msg.err
		return m, m.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	switch {
	case m.restarting:
		b.WriteString(m.spinner.View() + " Restarting session...\n")
	case !m.loaded && m.err == nil:
		b.WriteString(m.spinner.View() + " Contacting " + serverURL + "...\n")
	case m.loaded:
		b.WriteString(renderStatus(m.view.StatusView))
		b.WriteString("\n")
		if m.view.QR != "" {
			b.WriteString("\n" + m.view.QR + "\n")
		} else if inProgress(m.view.Phase) {
			b.WriteString("\n" + m.spinner.View() + " Waiting for WhatsApp...\n")
		}
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render(m.err.Error()) + "\n")
	}
	b.WriteString("\n" + mutedStyle.Render("r restart • q quit"))
	return b.String()
}

func inProgress(phase string) bool {
	var p session.Phase
	return p.UnmarshalText([]byte(phase)) == nil && p.InProgress()
}
