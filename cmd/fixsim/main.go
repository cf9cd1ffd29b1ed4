package main

// ============================================================================
// 職責說明：
// 1. 模擬接單者裝置，沿直線走向目的地
// 2. 每隔 --every 把定位發佈到 MQTT fix topic，格式與 questd 訂閱端相同
// 3. 抵達目的地或收到 SIGINT / SIGTERM 後斷線結束
//
// 搭配 questd run（mqtt.enabled: true）在本機驗證定位串流。
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/quest-radar/internal/geo"
	"github.com/ChuLiYu/quest-radar/internal/mqttbridge"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

type options struct {
	broker   string
	topic    string
	actor    string
	from, to types.Location
	speed    float64
	every    time.Duration
	accuracy float64
}

func main() {
	if err := buildCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}

func buildCommand() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          "fixsim",
		Short:        "Publish simulated location fixes for one actor over MQTT",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	f.StringVar(&o.topic, "topic", "actors/+/fix", "fix topic pattern, + is replaced by the actor ID")
	f.StringVar(&o.actor, "actor", "", "actor ID")
	f.Float64Var(&o.from.Lat, "from-lat", 0, "start latitude")
	f.Float64Var(&o.from.Lon, "from-lon", 0, "start longitude")
	f.Float64Var(&o.to.Lat, "to-lat", 0, "destination latitude")
	f.Float64Var(&o.to.Lon, "to-lon", 0, "destination longitude")
	f.Float64Var(&o.speed, "speed", 1.4, "travel speed in m/s")
	f.DurationVar(&o.every, "every", 5*time.Second, "interval between fixes")
	f.Float64Var(&o.accuracy, "accuracy", 10, "reported horizontal accuracy in meters")
	cmd.MarkFlagRequired("actor")
	return cmd
}

func run(ctx context.Context, o options) error {
	if o.speed <= 0 || o.every <= 0 {
		return fmt.Errorf("speed and interval must be positive")
	}
	if !o.from.Valid() || !o.to.Valid() {
		return fmt.Errorf("invalid coordinates")
	}

	client, err := mqttbridge.Connect(ctx, o.broker, "fixsim-"+o.actor)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	topic := mqttbridge.FixTopic(o.topic, o.actor)
	slog.Info("Publishing fixes", "topic", topic, "distance_m", geo.Distance(o.from, o.to))

	ticker := time.NewTicker(o.every)
	defer ticker.Stop()

	for i, fix := range route(o.from, o.to, o.speed, o.every, o.accuracy, time.Now()) {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		fix.Timestamp = time.Now()
		payload, err := mqttbridge.EncodeFix(fix)
		if err != nil {
			return err
		}
		token := client.Publish(topic, 1, false, payload)
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("publish to %s timed out", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		slog.Info("Fix published", "seq", i, "lat", fix.Lat, "lon", fix.Lon,
			"remaining_m", geo.Distance(fix.Point(), o.to))
	}
	slog.Info("Arrived", "actor", o.actor)
	return nil
}

// route 從 from 以固定速度走到 to，每 every 一筆，第一筆為起點、最後一筆為終點
func route(from, to types.Location, speed float64, every time.Duration, accuracy float64, start time.Time) []types.TrackedLocation {
	step := speed * every.Seconds()
	s := speed
	fixAt := func(loc types.Location, n int) types.TrackedLocation {
		return types.TrackedLocation{
			Lat:       loc.Lat,
			Lon:       loc.Lon,
			Accuracy:  accuracy,
			Speed:     &s,
			Timestamp: start.Add(time.Duration(n) * every),
		}
	}

	fixes := []types.TrackedLocation{fixAt(from, 0)}
	pos := from
	for pos != to {
		pos = geo.StepToward(pos, to, step)
		fixes = append(fixes, fixAt(pos, len(fixes)))
	}
	return fixes
}
