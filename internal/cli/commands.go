package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/quest-radar/internal/server"
	"github.com/ChuLiYu/quest-radar/internal/storage/wal"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

const rpcTimeout = 10 * time.Second

// serverAddr 預設連線位址：設定中的 gRPC 位址，省略主機時連本機
func serverAddr(addr string) string {
	if addr != "" {
		return addr
	}
	a := cfg.Server.GRPCAddr
	if strings.HasPrefix(a, ":") {
		return "localhost" + a
	}
	return a
}

// withClient 建立連線後執行 fn
func withClient(cmd *cobra.Command, addr string, fn func(ctx context.Context, c *server.Client) error) error {
	client, err := server.Dial(serverAddr(addr))
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	return fn(ctx, client)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display the active configuration and, when questd is reachable, live engine statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			renderConfig(out)
			err := withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				stats, err := c.GetStats(ctx)
				if err != nil {
					return err
				}
				renderStats(out, stats.Quests, [][2]any{
					{"Live actors", stats.LiveActors},
					{"Tracking sessions", stats.TrackingSessions},
					{"Geofences", stats.Geofences},
					{"Journal seq", stats.JournalSeq},
				})
				return nil
			})
			if err != nil {
				fmt.Fprintf(out, "questd not reachable at %s: %v\n", serverAddr(addr), err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "questd gRPC address (default from config)")
	return cmd
}

func renderConfig(w io.Writer) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("Configuration")
	storage := cfg.Storage.Dir
	if storage == "" {
		storage = "(memory only)"
	}
	tw.AppendRows([]table.Row{
		{"Config file", configFile},
		{"gRPC", cfg.Server.GRPCAddr},
		{"HTTP", cfg.Server.HTTPAddr},
		{"Storage", storage},
		{"Snapshot every", cfg.SnapshotInterval()},
		{"SQLite", cfg.Storage.SQLitePath},
		{"MQTT", fmt.Sprintf("%v (%s)", cfg.MQTT.Enabled, cfg.MQTT.Broker)},
		{"Metrics", cfg.Metrics.Enabled},
		{"Decision window", cfg.Engine.DecisionWindow()},
		{"Boost interval", cfg.Engine.BoostInterval()},
	})
	tw.Render()
}

func renderStats(w io.Writer, byState map[string]int, extra [][2]any) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("Engine")

	states := make([]string, 0, len(byState))
	for s := range byState {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		tw.AppendRow(table.Row{"Quests " + s, byState[s]})
	}
	tw.AppendSeparator()
	for _, kv := range extra {
		tw.AppendRow(table.Row{kv[0], kv[1]})
	}
	tw.Render()
}

// ============================================================================
// quest
// ============================================================================

func buildQuestCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "quest",
		Short: "Create, claim and list quests on a running questd",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "questd gRPC address (default from config)")
	cmd.AddCommand(buildQuestCreateCommand(&addr))
	cmd.AddCommand(buildQuestClaimCommand(&addr))
	cmd.AddCommand(buildQuestListCommand(&addr))
	return cmd
}

func buildQuestCreateCommand(addr *string) *cobra.Command {
	var (
		req      server.CreateQuestRequest
		base     string
		lat, lon float64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Broadcast a new urgent quest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			amount, err := decimal.NewFromString(base)
			if err != nil {
				return fmt.Errorf("invalid --base %q: %w", base, err)
			}
			req.BasePayment = amount
			req.PosterLocation = types.Location{Lat: lat, Lon: lon}
			return withClient(cmd, *addr, func(ctx context.Context, c *server.Client) error {
				q, err := c.CreateQuest(ctx, req)
				if err != nil {
					return err
				}
				renderQuests(cmd.OutOrStdout(), []types.Quest{q})
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.PosterID, "poster", "", "poster ID")
	f.StringVar(&req.Title, "title", "", "quest title")
	f.StringVar(&req.Category, "category", "", "quest category")
	f.StringVar(&req.TaskID, "task", "", "task reference (defaults to the quest ID)")
	f.StringVar(&base, "base", "", "base payment, e.g. 20.00")
	f.Float64Var(&lat, "lat", 0, "poster latitude")
	f.Float64Var(&lon, "lon", 0, "poster longitude")
	f.Float64Var(&req.MaxRadiusMeters, "radius", 0, "visibility radius in meters (default from config)")
	f.IntVar(&req.MinTrustTier, "min-tier", 0, "minimum trust tier")
	f.IntVar(&req.MinCompletedTasks, "min-completed", 0, "minimum completed tasks")
	cmd.MarkFlagRequired("poster")
	cmd.MarkFlagRequired("base")
	return cmd
}

func buildQuestClaimCommand(addr *string) *cobra.Command {
	var (
		actor    string
		lat, lon float64
	)
	cmd := &cobra.Command{
		Use:   "claim <quest-id>",
		Short: "Claim a broadcasting quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, *addr, func(ctx context.Context, c *server.Client) error {
				s, err := c.ClaimQuest(ctx, types.QuestID(args[0]), actor, types.Location{Lat: lat, Lon: lon})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "claimed %s: session %s, %.0fm to go, navigate by %s\n",
					s.QuestID, s.ID, s.DistanceRemaining, s.NavigationDeadline.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor ID")
	cmd.Flags().Float64Var(&lat, "lat", 0, "actor latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "actor longitude")
	cmd.MarkFlagRequired("actor")
	return cmd
}

func buildQuestListCommand(addr *string) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quests by state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, *addr, func(ctx context.Context, c *server.Client) error {
				quests, err := c.ListQuests(ctx, types.QuestState(state))
				if err != nil {
					return err
				}
				renderQuests(cmd.OutOrStdout(), quests)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", string(types.QuestBroadcasting), "quest state")
	return cmd
}

func renderQuests(w io.Writer, quests []types.Quest) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Title", "State", "Payout", "Boosts", "Expires", "Assignee"})
	for _, q := range quests {
		tw.AppendRow(table.Row{
			q.ID, q.Title, q.State, q.TotalPayment().StringFixed(2), q.BoostsApplied,
			q.ExpiresAt.Format(time.RFC3339), q.AssignedActorID,
		})
	}
	tw.Render()
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the quest journal",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump [path]",
		Short: "Print journal entries with checksum status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(cfg.Storage.Dir, journalFile)
			if len(args) == 1 {
				path = args[0]
			} else if cfg.Storage.Dir == "" {
				return fmt.Errorf("no journal path given and storage.dir is not configured")
			}
			return wal.DumpWAL(path, cmd.OutOrStdout())
		},
	})
	return cmd
}
