// Package integrity 依據接單者的定位軌跡判斷是否有造假或異常，
// 全部使用明確的數值門檻，不做機率推論。
package integrity

import (
	"time"

	"github.com/ChuLiYu/quest-radar/internal/config"
	"github.com/ChuLiYu/quest-radar/internal/geo"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// 旗標嚴重度，用於計算風險分數
var severity = map[types.MovementFlag]int{
	types.FlagImpossibleSpeed:   3,
	types.FlagLocationJump:      3,
	types.FlagStationaryTooLong: 2,
	types.FlagLowAccuracy:       1,
}

// Thresholds 軌跡判定門檻
type Thresholds struct {
	StationaryWindow    time.Duration
	StationaryRadius    float64
	ImpossibleSpeed     float64
	JumpDistance        float64
	JumpTime            time.Duration
	LowAccuracy         float64
	LowAccuracySamples  int
	MinConfidentSamples int
}

// ThresholdsFrom 從引擎設定取出門檻
func ThresholdsFrom(cfg config.Engine) Thresholds {
	return Thresholds{
		StationaryWindow:    cfg.StationaryWindow(),
		StationaryRadius:    cfg.StationaryRadiusMeters,
		ImpossibleSpeed:     cfg.ImpossibleSpeedMps,
		JumpDistance:        cfg.LocationJumpDistanceMeters,
		JumpTime:            cfg.LocationJumpTime(),
		LowAccuracy:         cfg.LowAccuracyThresholdMeters,
		LowAccuracySamples:  cfg.LowAccuracySamples,
		MinConfidentSamples: cfg.MinConfidentSamples,
	}
}

// Analyzer 無狀態的軌跡分析器
type Analyzer struct {
	th Thresholds
}

// NewAnalyzer 建立分析器
func NewAnalyzer(th Thresholds) *Analyzer {
	return &Analyzer{th: th}
}

// Evaluate 對軌跡計算目前成立的旗標（已排序）
func (a *Analyzer) Evaluate(trail []types.TrackedLocation) types.FlagSet {
	var flags types.FlagSet
	if a.stationaryTooLong(trail) {
		flags = append(flags, types.FlagStationaryTooLong)
	}
	if a.impossibleSpeed(trail) {
		flags = append(flags, types.FlagImpossibleSpeed)
	}
	if a.locationJump(trail) {
		flags = append(flags, types.FlagLocationJump)
	}
	if a.lowAccuracy(trail) {
		flags = append(flags, types.FlagLowAccuracy)
	}
	return types.FlagSet(nil).Union(flags)
}

// stationaryTooLong 取最近一段涵蓋 ≥ 窗口時間的樣本，
// 所有點與窗口第一點的距離都小於半徑時成立
func (a *Analyzer) stationaryTooLong(trail []types.TrackedLocation) bool {
	if len(trail) < 2 {
		return false
	}
	last := trail[len(trail)-1]
	start := -1
	for i := len(trail) - 2; i >= 0; i-- {
		if last.Timestamp.Sub(trail[i].Timestamp) >= a.th.StationaryWindow {
			start = i
			break
		}
	}
	if start < 0 {
		return false
	}
	anchor := trail[start].Point()
	for _, p := range trail[start+1:] {
		if geo.Distance(anchor, p.Point()) >= a.th.StationaryRadius {
			return false
		}
	}
	return true
}

// lastSegment 最近兩點的距離與時間差
func lastSegment(trail []types.TrackedLocation) (float64, time.Duration, bool) {
	if len(trail) < 2 {
		return 0, 0, false
	}
	prev, last := trail[len(trail)-2], trail[len(trail)-1]
	return geo.Distance(prev.Point(), last.Point()), last.Timestamp.Sub(prev.Timestamp), true
}

func (a *Analyzer) impossibleSpeed(trail []types.TrackedLocation) bool {
	d, dt, ok := lastSegment(trail)
	if !ok || dt <= 0 {
		return false
	}
	return d/dt.Seconds() > a.th.ImpossibleSpeed
}

func (a *Analyzer) locationJump(trail []types.TrackedLocation) bool {
	d, dt, ok := lastSegment(trail)
	if !ok {
		return false
	}
	return d > a.th.JumpDistance && dt < a.th.JumpTime
}

func (a *Analyzer) lowAccuracy(trail []types.TrackedLocation) bool {
	n := a.th.LowAccuracySamples
	if n <= 0 || len(trail) == 0 {
		return false
	}
	if len(trail) < n {
		n = len(trail)
	}
	sum := 0.0
	for _, p := range trail[len(trail)-n:] {
		sum += p.Accuracy
	}
	return sum/float64(n) > a.th.LowAccuracy
}

// Status 依目前旗標推導 session 狀態
func Status(flags types.FlagSet) types.MovementStatus {
	switch {
	case flags.Has(types.FlagImpossibleSpeed) || flags.Has(types.FlagLocationJump):
		return types.MovementSuspicious
	case flags.Has(types.FlagStationaryTooLong):
		return types.MovementStationary
	default:
		return types.MovementActive
	}
}

// Risk 由旗標嚴重度與樣本數推導風險等級
//
//	分數 0 → low，1-2 → medium，3-4 → high，≥5 → critical
//	樣本數不足時至少為 medium
func (a *Analyzer) Risk(flags types.FlagSet, samples int) types.RiskLevel {
	score := 0
	for _, f := range flags {
		score += severity[f]
	}

	var level types.RiskLevel
	switch {
	case score >= 5:
		level = types.RiskCritical
	case score >= 3:
		level = types.RiskHigh
	case score >= 1:
		level = types.RiskMedium
	default:
		level = types.RiskLow
	}
	if level == types.RiskLow && samples < a.th.MinConfidentSamples {
		level = types.RiskMedium
	}
	return level
}

// Recommend 依風險等級給出處理建議
func Recommend(level types.RiskLevel) types.Recommendation {
	switch level {
	case types.RiskLow:
		return types.RecommendApprove
	case types.RiskCritical:
		return types.RecommendReject
	default:
		return types.RecommendManualReview
	}
}
