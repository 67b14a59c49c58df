package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway and lifecycle-marker health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}

		if statusWatch {
			m := newStatusModel(a)
			_, err := tea.NewProgram(m).Run()
			return err
		}

		rep, err := a.collectStatus(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(renderStatus(rep))
		return nil
	},
}

func renderStatus(rep statusReport) string {
	out := fmt.Sprintf("container:        %s\n", rep.Container)
	if rep.GatewayRunning {
		out += fmt.Sprintf("gateway:          running (pid %d)\n", rep.GatewayPID)
	} else {
		out += "gateway:          not running\n"
	}
	if rep.BootAgeSeconds > 0 {
		out += fmt.Sprintf("boot age:         %ds\n", rep.BootAgeSeconds)
	} else {
		out += "boot age:         unknown (no boot stamp)\n"
	}
	out += fmt.Sprintf("restore complete: %v\n", rep.RestoreComplete)
	out += fmt.Sprintf("local last sync:  %s\n", orNever(rep.LocalLastSync))
	out += fmt.Sprintf("remote last sync: %s\n", orNever(rep.RemoteLastSync))
	return out
}

func orNever(stamp string) string {
	if stamp == "" {
		return "never"
	}
	return stamp
}

// Styles
var (
	watchTitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("cyan")).
			Bold(true).
			Padding(0, 1)

	watchOKStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Padding(0, 1)

	watchErrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Padding(0, 1)

	watchHelpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Padding(0, 1)
)

const watchInterval = 2 * time.Second

type statusMsg struct {
	rep statusReport
	err error
}

type tickMsg time.Time

// statusModel is the watch-mode view: one snapshot, refreshed on a
// fixed cadence.
type statusModel struct {
	app        *app
	rep        statusReport
	err        error
	lastUpdate time.Time
}

func newStatusModel(a *app) statusModel {
	return statusModel{app: a}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.fetch, watchTick())
}

func (m statusModel) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), watchInterval)
	defer cancel()
	rep, err := m.app.collectStatus(ctx)
	return statusMsg{rep: rep, err: err}
}

func watchTick() tea.Cmd {
	return tea.Tick(watchInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch
		}
	case statusMsg:
		m.rep = msg.rep
		m.err = msg.err
		m.lastUpdate = time.Now()
	case tickMsg:
		return m, tea.Batch(m.fetch, watchTick())
	}
	return m, nil
}

func (m statusModel) View() string {
	s := watchTitleStyle.Render("keelson status") + "\n\n"
	if m.err != nil {
		s += watchErrStyle.Render(fmt.Sprintf("error: %v", m.err)) + "\n"
	} else if m.lastUpdate.IsZero() {
		s += watchOKStyle.Render("loading...") + "\n"
	} else {
		s += renderStatus(m.rep)
		s += watchOKStyle.Render(fmt.Sprintf("updated %s", m.lastUpdate.Format("15:04:05"))) + "\n"
	}
	s += "\n" + watchHelpStyle.Render("r: refresh  q: quit")
	return s
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Continuously refresh the status view")
	rootCmd.AddCommand(statusCmd)
}
