package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/services"
	"classmesh/internal/infrastructure/repositories"
	"classmesh/pkg/utils"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var flagRosterRoom string

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Print the participants currently in a room",
	Long: `Read a room's participant records once and print them, earliest
joined first. Only meaningful with a shared backend such as redis.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printRoster(cmd.Context())
	},
}

func init() {
	rosterCmd.Flags().StringVar(&flagRosterRoom, "room", "", "room id")
	_ = rosterCmd.MarkFlagRequired("room")
}

func printRoster(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, sync := newLogger(cfg)
	defer sync()

	if cfg.Signaling.Backend == "memory" {
		printWarning("memory backend is process-local; the roster will be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	factory, err := repositories.NewChannelFactory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer factory.Close()

	channel, err := factory.Connect(ctx)
	if err != nil {
		return err
	}
	defer channel.Close()

	room := domain.RoomID(utils.NormalizeRoomID(flagRosterRoom))
	participants, err := services.ReadRoster(ctx, channel, room, log)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Room " + string(room)))
	renderRoster(os.Stdout, participants)
	return nil
}

func renderRoster(out io.Writer, participants []domain.Participant) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Name", "Role", "Video", "Audio", "Screen", "Hand", "Joined"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignCenter},
		{Number: 5, Align: text.AlignCenter},
		{Number: 6, Align: text.AlignCenter},
		{Number: 7, Align: text.AlignCenter},
	})

	for i, p := range participants {
		t.AppendRow(table.Row{
			i + 1,
			utils.TruncateString(p.Name, 24),
			p.Role,
			onOff(p.VideoEnabled),
			onOff(p.AudioEnabled),
			onOff(p.ScreenSharing),
			onOff(p.HandRaised),
			time.UnixMilli(p.JoinedAt).Format(time.TimeOnly),
		})
	}
	t.AppendFooter(table.Row{"", "Total", len(participants)})
	t.Render()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "-"
}
