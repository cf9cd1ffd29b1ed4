package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/quest-radar/internal/clock"
	"github.com/ChuLiYu/quest-radar/internal/config"
	"github.com/ChuLiYu/quest-radar/internal/dispatch"
	"github.com/ChuLiYu/quest-radar/internal/geo"
	"github.com/ChuLiYu/quest-radar/internal/livesession"
	"github.com/ChuLiYu/quest-radar/internal/pricing"
	"github.com/ChuLiYu/quest-radar/internal/radar"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// simulationStart 模擬的起始時間，固定以便輸出可重現
var simulationStart = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// 模擬情境的角色與位置
var (
	simPoster = types.Location{Lat: 25.0330, Lon: 121.5654}
	simGhost  = "ghost"  // 接單後不出發
	simRunner = "runner" // 接手並完成任務
)

// SimulationOptions simulate 指令參數
type SimulationOptions struct {
	Seed        int64
	BasePayment decimal.Decimal
	RunnerSpeed float64 // m/s
	FixEvery    time.Duration
}

// simEvent 時間線上的一列
type simEvent struct {
	At      time.Duration
	Event   string
	State   types.QuestState
	Payment decimal.Decimal
	Detail  string
}

// SimulationResult 模擬結果
type SimulationResult struct {
	Timeline      []simEvent
	Notifications map[string]int // actorID → 收到的推播數
	Actors        []types.ActorStats
}

func buildSimulateCommand() *cobra.Command {
	opts := SimulationOptions{}
	var base float64

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a scripted quest scenario on a manual clock",
		Long: `Runs an in-memory engine through a full scenario: a quest is broadcast and
boosted, the first actor claims and ghosts, the quest is re-broadcast, and a second
actor travels to the poster, arrives and completes it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.BasePayment = decimal.NewFromFloat(base)
			res, err := Simulate(cmd.Context(), cfg.Engine, opts)
			if err != nil {
				return err
			}
			res.Render(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().Int64Var(&opts.Seed, "seed", 42, "pricing random seed")
	cmd.Flags().Float64Var(&base, "base", 25, "base payment")
	cmd.Flags().Float64Var(&opts.RunnerSpeed, "speed", 6, "runner travel speed in m/s")
	cmd.Flags().DurationVar(&opts.FixEvery, "fix-every", 5*time.Second, "runner position report interval")
	return cmd
}

// recordingNotifier 記錄每位接單者收到的推播
type recordingNotifier struct {
	mu     sync.Mutex
	counts map[string]int
}

func (n *recordingNotifier) Notify(_ context.Context, actorIDs []string, _ types.QuestSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range actorIDs {
		n.counts[id]++
	}
	return nil
}

func (n *recordingNotifier) snapshot() map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]int, len(n.counts))
	for k, v := range n.counts {
		out[k] = v
	}
	return out
}

// Simulate 以手動時鐘執行情境；背景迴圈關閉，由情境自行驅動 Tick 與取樣
func Simulate(ctx context.Context, engineCfg config.Engine, opts SimulationOptions) (*SimulationResult, error) {
	if opts.RunnerSpeed <= 0 {
		return nil, fmt.Errorf("runner speed must be positive")
	}
	if opts.FixEvery <= 0 {
		opts.FixEvery = 5 * time.Second
	}
	if opts.BasePayment.Sign() <= 0 {
		opts.BasePayment = decimal.NewFromInt(25)
	}

	engineCfg.TickSeconds = 24 * 3600
	engineCfg.MovementSampleSeconds = 24 * 3600
	clk := clock.NewManual(simulationStart)
	recorder := &recordingNotifier{counts: make(map[string]int)}

	e, err := dispatch.New(dispatch.Deps{
		Config:   engineCfg,
		Clock:    clk,
		Oracle:   radar.OracleFunc(simOracle),
		Pricing:  pricing.NewSeeded(engineCfg, opts.Seed),
		Notifier: recorder,
	})
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		return nil, err
	}

	res := &SimulationResult{}
	record := func(event string, q types.Quest, detail string) {
		res.Timeline = append(res.Timeline, simEvent{
			At:      clk.Now().Sub(simulationStart),
			Event:   event,
			State:   q.State,
			Payment: q.TotalPayment(),
			Detail:  detail,
		})
	}

	runErr := runScenario(ctx, e, clk, opts, record)
	// 結束 live session，讓本次的計數併入累計統計
	for _, actor := range []string{simGhost, simRunner} {
		st, err := e.EndLive(actor)
		if err != nil {
			st = e.ActorStats(actor)
		}
		res.Actors = append(res.Actors, st)
	}
	stopErr := e.Stop()
	if runErr != nil {
		return nil, runErr
	}
	if stopErr != nil {
		return nil, stopErr
	}

	res.Notifications = recorder.snapshot()
	return res, nil
}

func simOracle(context.Context, string) (types.Eligibility, error) {
	return types.Eligibility{TrustTier: 2, CompletedTasks: 30, CancellationRate: 0.05}, nil
}

func runScenario(ctx context.Context, e *dispatch.Engine, clk *clock.Manual, opts SimulationOptions,
	record func(string, types.Quest, string)) error {

	ghostAt := geo.Offset(simPoster, 300, 0)
	runnerAt := geo.Offset(simPoster, -600, 400)
	for actor, loc := range map[string]types.Location{simGhost: ghostAt, simRunner: runnerAt} {
		if _, err := e.GoLive(ctx, actor, livesession.StartOptions{Location: loc, Battery: 0.9, SignalQuality: 0.9}); err != nil {
			return err
		}
	}

	q, err := e.CreateQuest(ctx, dispatch.CreateRequest{
		Title:          "Carry groceries upstairs",
		Category:       "errand",
		PosterID:       "poster",
		BasePayment:    opts.BasePayment,
		PosterLocation: simPoster,
	})
	if err != nil {
		return err
	}
	record("created", q, fmt.Sprintf("premium %.0f%%, expires in %s", q.UrgencyPremium*100, q.ExpiresAt.Sub(clk.Now())))

	// 廣播到決策視窗過半，期間每秒 tick
	half := q.ExpiresAt.Sub(clk.Now())/2 + time.Second
	boosts := q.BoostsApplied
	for elapsed := time.Duration(0); elapsed < half; elapsed += time.Second {
		clk.Advance(time.Second)
		e.Tick(clk.Now())
		if cur, err := e.Quest(q.ID); err == nil && cur.BoostsApplied != boosts {
			boosts = cur.BoostsApplied
			record("boosted", cur, fmt.Sprintf("boost #%d", boosts))
		}
	}

	if _, err := e.ClaimQuest(ctx, q.ID, simGhost, ghostAt); err != nil {
		return fmt.Errorf("ghost claim: %w", err)
	}
	cur, _ := e.Quest(q.ID)
	record("claimed", cur, simGhost+" accepts but never starts navigation")

	// 等待放鴿子偵測
	for i := 0; i < 600; i++ {
		clk.Advance(time.Second)
		e.Tick(clk.Now())
		if err := e.SampleMovement(ctx); err != nil {
			return err
		}
		if cur, _ = e.Quest(q.ID); cur.State == types.QuestBroadcasting {
			record("ghosted", cur, fmt.Sprintf("%s penalized, re-broadcast #%d", simGhost, cur.Rebroadcasts))
			break
		}
	}
	if cur.State != types.QuestBroadcasting {
		return fmt.Errorf("ghosting was not detected")
	}

	clk.Advance(2 * time.Second)
	if _, err := e.ClaimQuest(ctx, q.ID, simRunner, runnerAt); err != nil {
		return fmt.Errorf("runner claim: %w", err)
	}
	cur, _ = e.Quest(q.ID)
	record("claimed", cur, fmt.Sprintf("%s accepts %.0fm away", simRunner, geo.Distance(runnerAt, simPoster)))

	if _, err := e.StartNavigation(ctx, q.ID, simRunner); err != nil {
		return err
	}
	record("navigating", cur, fmt.Sprintf("%s heads out at %.1f m/s", simRunner, opts.RunnerSpeed))

	pos := runnerAt
	step := opts.RunnerSpeed * opts.FixEvery.Seconds()
	speed := opts.RunnerSpeed
	for i := 0; i < 10000; i++ {
		clk.Advance(opts.FixEvery)
		pos = geo.StepToward(pos, simPoster, step)
		u, err := e.UpdatePosition(ctx, q.ID, simRunner, types.TrackedLocation{
			Lat: pos.Lat, Lon: pos.Lon, Timestamp: clk.Now(), Accuracy: 8, Speed: &speed,
		})
		if err != nil {
			return fmt.Errorf("runner update: %w", err)
		}
		if u.Arrived {
			cur, _ = e.Quest(q.ID)
			record("arrived", cur, fmt.Sprintf("path %.0fm", geo.PathLength(u.Session.Path)))
			break
		}
	}
	if cur.State != types.QuestInProgress {
		return fmt.Errorf("runner never arrived")
	}

	clk.Advance(5 * time.Minute)
	done, err := e.CompleteQuest(ctx, q.ID, simRunner)
	if err != nil {
		return err
	}
	summary, err := e.MovementSummary(q.ID)
	if err != nil {
		return err
	}
	record("completed", done, fmt.Sprintf("movement %s, risk %s", summary.Status, summary.RiskLevel))
	return nil
}

// Render 以表格輸出模擬結果
func (r *SimulationResult) Render(w io.Writer) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("Quest timeline")
	tw.AppendHeader(table.Row{"T+", "Event", "State", "Payout", "Detail"})
	for _, ev := range r.Timeline {
		tw.AppendRow(table.Row{ev.At.String(), ev.Event, ev.State, ev.Payment.StringFixed(2), ev.Detail})
	}
	tw.Render()

	aw := table.NewWriter()
	aw.SetOutputMirror(w)
	aw.SetTitle("Actors")
	aw.AppendHeader(table.Row{"Actor", "Notified", "Accepted", "Completed", "Earnings", "Reliability", "Strikes"})
	for _, a := range r.Actors {
		aw.AppendRow(table.Row{
			a.ActorID, r.Notifications[a.ActorID], a.QuestsAccepted, a.QuestsCompleted,
			a.Earnings.StringFixed(2), a.ReliabilityScore, a.GhostingStrikes,
		})
	}
	aw.Render()

	var others []string
	for id, n := range r.Notifications {
		if id != simGhost && id != simRunner {
			others = append(others, fmt.Sprintf("%s=%d", id, n))
		}
	}
	if len(others) > 0 {
		sort.Strings(others)
		fmt.Fprintf(w, "other notifications: %s\n", strings.Join(others, ", "))
	}
}
