package cli

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/zoya/internal/dashboard"
	"github.com/iambrandonn/zoya/internal/vault"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current state of the vault",
	Long: `Summarize the vault: queue depths, tasks awaiting your approval,
recent completions, and the quarantine. With --watch the view refreshes in
place until you quit with q or ctrl-c.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolP("watch", "w", false, "refresh the view continuously")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	v := vault.New(cfg.VaultRoot)
	if err := v.Check(); err != nil {
		return err
	}

	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}

	if !watch {
		snap, err := dashboard.Build(v, cfg.Dashboard.RecentLimit, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), snap.Render())
		return nil
	}

	model := statusModel{
		vault:       v,
		recentLimit: cfg.Dashboard.RecentLimit,
		interval:    time.Duration(cfg.Queue.PollIntervalS) * time.Second,
	}.refresh()
	_, err = tea.NewProgram(model, tea.WithOutput(cmd.OutOrStdout())).Run()
	return err
}

type tickMsg time.Time

// statusModel re-renders the snapshot on a fixed tick.
type statusModel struct {
	vault       *vault.Vault
	recentLimit int
	interval    time.Duration
	view        string
	err         error
}

func (m statusModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m statusModel) refresh() statusModel {
	snap, err := dashboard.Build(m.vault, m.recentLimit, time.Now())
	if err != nil {
		m.err = err
		return m
	}
	m.err = nil
	m.view = snap.Render()
	return m
}

func (m statusModel) Init() tea.Cmd {
	return m.tick()
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m.refresh(), m.tick()
	}
	return m, nil
}

func (m statusModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("error reading vault: %v\n", m.err)
	}
	return m.view + "\npress q to quit\n"
}
