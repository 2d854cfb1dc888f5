package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/driftlab/driftsync/internal/manager"
	"github.com/driftlab/driftsync/internal/transport"
)

type statusReply struct {
	Status           manager.SyncStatus `json:"status"`
	CacheGUID        string             `json:"cacheGuid"`
	HasUnsyncedItems bool               `json:"hasUnsyncedItems"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		client := newDebugClient(cmd)

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			interval, _ := cmd.Flags().GetDuration("interval")
			return watchStatus(cmd.Context(), client, interval)
		}

		var reply statusReply
		if err := client.get(cmd.Context(), "/v1/getStatus", &reply); err != nil {
			return err
		}
		fmt.Print(renderStatus(&reply))
		return nil
	},
}

func init() {
	addDebugAddrFlag(statusCmd)
	statusCmd.Flags().BoolP("watch", "w", false, "Continuously refresh")
	statusCmd.Flags().Duration("interval", time.Second, "Refresh interval for --watch")
	rootCmd.AddCommand(statusCmd)
}

func renderStatus(r *statusReply) string {
	s := &r.Status

	state := green.Render("idle")
	if s.Syncing {
		state = cyan.Render("syncing")
	}
	if s.ProtocolError.Type != transport.ErrorSuccess {
		state = red.Render(s.ProtocolError.Type.String())
	}

	lastSynced := "never"
	if !s.LastSyncedAt.IsZero() {
		lastSynced = humanize.Time(s.LastSyncedAt)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", cyan.Render("driftsync"), state)
	fmt.Fprintf(&b, "  connection      %s\n", s.Connection)
	fmt.Fprintf(&b, "  notifications   enabled=%v received=%d\n", s.NotificationsEnabled, s.NotificationsReceived)
	fmt.Fprintf(&b, "  last synced     %s\n", lastSynced)
	fmt.Fprintf(&b, "  cycles          %d\n", s.CyclesCompleted)
	fmt.Fprintf(&b, "  updates         received=%s tombstones=%s available=%d\n",
		humanize.Comma(s.UpdatesReceived), humanize.Comma(s.TombstonesReceived), s.UpdatesAvailable)
	fmt.Fprintf(&b, "  commits         ok=%s unsynced=%d conflicting=%d\n",
		humanize.Comma(s.SuccessfulCommits), s.UnsyncedCount, s.ConflictingCount)
	fmt.Fprintf(&b, "  overwrites      local=%d server=%d\n", s.LocalOverwrites, s.ServerOverwrites)
	fmt.Fprintf(&b, "  cache guid      %s\n", gray.Render(r.CacheGUID))
	return b.String()
}

// --- watch TUI ---

type statusTickMsg struct{}

type statusFetchedMsg struct {
	reply *statusReply
	err   error
}

type statusModel struct {
	ctx      context.Context
	client   *debugClient
	interval time.Duration
	spinner  spinner.Model

	reply *statusReply
	err   error
}

func newStatusModel(ctx context.Context, client *debugClient, interval time.Duration) statusModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = cyan
	return statusModel{ctx: ctx, client: client, interval: interval, spinner: sp}
}

func (m statusModel) fetch() tea.Msg {
	var reply statusReply
	if err := m.client.get(m.ctx, "/v1/getStatus", &reply); err != nil {
		return statusFetchedMsg{err: err}
	}
	return statusFetchedMsg{reply: &reply}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch)
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	case statusFetchedMsg:
		m.reply, m.err = msg.reply, msg.err
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return statusTickMsg{} })
	case statusTickMsg:
		return m, m.fetch
	default:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
}

func (m statusModel) View() string {
	var b strings.Builder
	switch {
	case m.err != nil:
		fmt.Fprintf(&b, "%s %v\n", red.Render("error:"), m.err)
	case m.reply == nil:
		fmt.Fprintf(&b, "%s connecting...\n", m.spinner.View())
	default:
		b.WriteString(renderStatus(m.reply))
	}
	b.WriteString(gray.Render("\npress q to quit\n"))
	return b.String()
}

func watchStatus(ctx context.Context, client *debugClient, interval time.Duration) error {
	p := tea.NewProgram(newStatusModel(ctx, client, interval))
	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	_, err := p.Run()
	return err
}
