// Package config 對應 questd.yaml：引擎參數，以及周邊服務（gRPC/HTTP、儲存、
// 指標、MQTT、日誌）的設定。
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Range 閉區間 [min, max]
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Engine 派單引擎的所有可調參數
//
// 時間長度的單位寫在 key 名稱中（_seconds、_minutes）。
type Engine struct {
	DecisionWindowSeconds     float64 `yaml:"decision_window_seconds"`
	NavigationDeadlineSeconds float64 `yaml:"navigation_deadline_seconds"`
	MovementDeadlineSeconds   float64 `yaml:"movement_deadline_seconds"`
	TickSeconds               float64 `yaml:"tick_seconds"`

	BoostIntervalSeconds float64 `yaml:"boost_interval_seconds"`
	BoostRange           Range   `yaml:"boost_range"`
	UrgencyPremiumRange  Range   `yaml:"urgency_premium_range"`
	RandomSeed           int64   `yaml:"random_seed"` // 0 = seeded from the clock

	MaxRadiusMeters           float64 `yaml:"max_radius_meters"`
	HeadStartSeconds          float64 `yaml:"head_start_seconds"`
	EligibilityCacheSize      int     `yaml:"eligibility_cache_size"`
	EligibilityCacheTTLSecond float64 `yaml:"eligibility_cache_ttl_seconds"`

	WalkingSpeedMps          float64 `yaml:"walking_speed_mps"`
	TrackerMinMovementMeters float64 `yaml:"tracker_min_movement_meters"`
	NearThresholdMeters      float64 `yaml:"near_threshold_meters"`
	ArrivedThresholdMeters   float64 `yaml:"arrived_threshold_meters"`

	GeofenceRadiusMeters  float64 `yaml:"geofence_radius_meters"`
	DwellThresholdSeconds float64 `yaml:"dwell_threshold_seconds"`
	AutoArriveOnDwell     bool    `yaml:"auto_arrive_on_dwell"`

	StationaryThresholdMinutes float64 `yaml:"stationary_threshold_minutes"`
	StationaryRadiusMeters     float64 `yaml:"stationary_radius_meters"`
	ImpossibleSpeedMps         float64 `yaml:"impossible_speed_mps"`
	LocationJumpDistanceMeters float64 `yaml:"location_jump_distance_meters"`
	LocationJumpTimeSeconds    float64 `yaml:"location_jump_time_seconds"`
	LowAccuracyThresholdMeters float64 `yaml:"low_accuracy_threshold_meters"`
	LowAccuracySamples         int     `yaml:"low_accuracy_samples"`
	MinConfidentSamples        int     `yaml:"min_confident_samples"`
	MovementSampleSeconds      float64 `yaml:"movement_sample_seconds"`
	SampleConcurrency          int     `yaml:"sample_concurrency"`

	LivePingSeconds    float64 `yaml:"live_ping_seconds"`
	MinLiveTrustTier   int     `yaml:"min_live_trust_tier"`
	GhostingPenalty    int     `yaml:"ghosting_penalty"`
	MaxGhostingStrikes int     `yaml:"max_ghosting_strikes"`

	NotifyTimeoutSeconds float64 `yaml:"notify_timeout_seconds"`
	NotifyWorkers        int     `yaml:"notify_workers"`
	NotifyQueueSize      int     `yaml:"notify_queue_size"`
}

// Config questd 完整設定
type Config struct {
	Engine Engine `yaml:"engine"`

	Server struct {
		GRPCAddr string `yaml:"grpc_addr"`
		HTTPAddr string `yaml:"http_addr"`
	} `yaml:"server"`

	Storage struct {
		Dir                     string  `yaml:"dir"` // 空字串表示任務狀態只保存在記憶體
		SnapshotIntervalSeconds float64 `yaml:"snapshot_interval_seconds"`
		SnapshotBackups         int     `yaml:"snapshot_backups"` // 目前快照之外保留的舊快照數
		SyncOnAppend            bool    `yaml:"sync_on_append"`
		SQLitePath              string  `yaml:"sqlite_path"`
	} `yaml:"storage"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	MQTT struct {
		Enabled           bool    `yaml:"enabled"`
		Broker            string  `yaml:"broker"`
		ClientID          string  `yaml:"client_id"`
		NotifyTopicPrefix string  `yaml:"notify_topic_prefix"`
		FixTopic          string  `yaml:"fix_topic"`
		FixCacheSize      int     `yaml:"fix_cache_size"`
		FixMaxAgeSeconds  float64 `yaml:"fix_max_age_seconds"`
	} `yaml:"mqtt"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultEngine 正式環境使用的引擎參數
func DefaultEngine() Engine {
	return Engine{
		DecisionWindowSeconds:     60,
		NavigationDeadlineSeconds: 60,
		MovementDeadlineSeconds:   120,
		TickSeconds:               1,

		BoostIntervalSeconds: 30,
		BoostRange:           Range{Min: 2, Max: 5},
		UrgencyPremiumRange:  Range{Min: 0.20, Max: 0.30},

		MaxRadiusMeters:           3218,
		HeadStartSeconds:          3,
		EligibilityCacheSize:      1024,
		EligibilityCacheTTLSecond: 60,

		WalkingSpeedMps:          1.39,
		TrackerMinMovementMeters: 5,
		NearThresholdMeters:      100,
		ArrivedThresholdMeters:   20,

		GeofenceRadiusMeters:  50,
		DwellThresholdSeconds: 30,
		AutoArriveOnDwell:     true,

		StationaryThresholdMinutes: 10,
		StationaryRadiusMeters:     20,
		ImpossibleSpeedMps:         27.8,
		LocationJumpDistanceMeters: 500,
		LocationJumpTimeSeconds:    30,
		LowAccuracyThresholdMeters: 75,
		LowAccuracySamples:         5,
		MinConfidentSamples:        5,
		MovementSampleSeconds:      30,
		SampleConcurrency:          8,

		LivePingSeconds:    2,
		MinLiveTrustTier:   0,
		GhostingPenalty:    10,
		MaxGhostingStrikes: 3,

		NotifyTimeoutSeconds: 3,
		NotifyWorkers:        4,
		NotifyQueueSize:      256,
	}
}

// Default 以正式環境預設值建立完整設定
func Default() *Config {
	cfg := &Config{Engine: DefaultEngine()}
	cfg.Server.GRPCAddr = ":50051"
	cfg.Server.HTTPAddr = ":8080"
	cfg.Storage.SnapshotIntervalSeconds = 30
	cfg.Storage.SnapshotBackups = 2
	cfg.Storage.SyncOnAppend = true
	cfg.Metrics.Enabled = true
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "questd"
	cfg.MQTT.NotifyTopicPrefix = "actors"
	cfg.MQTT.FixTopic = "actors/+/fix"
	cfg.MQTT.FixCacheSize = 4096
	cfg.MQTT.FixMaxAgeSeconds = 30
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load 讀取 YAML 設定檔疊加在預設值上並驗證
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return FromYAML(data)
}

// FromYAML 解析 YAML 疊加在預設值上並驗證
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查完整設定
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config.mqtt.broker is required when mqtt is enabled")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Validate 檢查引擎參數是否可用
func (e Engine) Validate() error {
	positive := map[string]float64{
		"decision_window_seconds":       e.DecisionWindowSeconds,
		"navigation_deadline_seconds":   e.NavigationDeadlineSeconds,
		"movement_deadline_seconds":     e.MovementDeadlineSeconds,
		"tick_seconds":                  e.TickSeconds,
		"boost_interval_seconds":        e.BoostIntervalSeconds,
		"max_radius_meters":             e.MaxRadiusMeters,
		"walking_speed_mps":             e.WalkingSpeedMps,
		"geofence_radius_meters":        e.GeofenceRadiusMeters,
		"dwell_threshold_seconds":       e.DwellThresholdSeconds,
		"stationary_threshold_minutes":  e.StationaryThresholdMinutes,
		"impossible_speed_mps":          e.ImpossibleSpeedMps,
		"location_jump_distance_meters": e.LocationJumpDistanceMeters,
		"movement_sample_seconds":       e.MovementSampleSeconds,
		"live_ping_seconds":             e.LivePingSeconds,
		"notify_timeout_seconds":        e.NotifyTimeoutSeconds,
	}
	for key, v := range positive {
		if v <= 0 {
			return fmt.Errorf("config.engine.%s must be positive, got %v", key, v)
		}
	}
	if e.BoostRange.Min < 0 || e.BoostRange.Max < e.BoostRange.Min {
		return fmt.Errorf("config.engine.boost_range is invalid: [%v, %v]", e.BoostRange.Min, e.BoostRange.Max)
	}
	if e.UrgencyPremiumRange.Min < 0 || e.UrgencyPremiumRange.Max < e.UrgencyPremiumRange.Min {
		return fmt.Errorf("config.engine.urgency_premium_range is invalid: [%v, %v]",
			e.UrgencyPremiumRange.Min, e.UrgencyPremiumRange.Max)
	}
	if e.ArrivedThresholdMeters <= 0 || e.NearThresholdMeters < e.ArrivedThresholdMeters {
		return fmt.Errorf("config.engine.near_threshold_meters must be >= arrived_threshold_meters > 0")
	}
	if e.HeadStartSeconds < 0 {
		return fmt.Errorf("config.engine.head_start_seconds must not be negative")
	}
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (e Engine) DecisionWindow() time.Duration     { return seconds(e.DecisionWindowSeconds) }
func (e Engine) NavigationDeadline() time.Duration { return seconds(e.NavigationDeadlineSeconds) }
func (e Engine) MovementDeadline() time.Duration   { return seconds(e.MovementDeadlineSeconds) }
func (e Engine) TickInterval() time.Duration       { return seconds(e.TickSeconds) }
func (e Engine) BoostInterval() time.Duration      { return seconds(e.BoostIntervalSeconds) }
func (e Engine) HeadStart() time.Duration          { return seconds(e.HeadStartSeconds) }
func (e Engine) EligibilityCacheTTL() time.Duration {
	return seconds(e.EligibilityCacheTTLSecond)
}
func (e Engine) DwellThreshold() time.Duration { return seconds(e.DwellThresholdSeconds) }
func (e Engine) StationaryWindow() time.Duration {
	return seconds(e.StationaryThresholdMinutes * 60)
}
func (e Engine) LocationJumpTime() time.Duration { return seconds(e.LocationJumpTimeSeconds) }
func (e Engine) MovementSampleInterval() time.Duration {
	return seconds(e.MovementSampleSeconds)
}
func (e Engine) LivePingInterval() time.Duration { return seconds(e.LivePingSeconds) }
func (e Engine) NotifyTimeout() time.Duration    { return seconds(e.NotifyTimeoutSeconds) }

// SnapshotInterval 任務簿快照間隔
func (c *Config) SnapshotInterval() time.Duration {
	return seconds(c.Storage.SnapshotIntervalSeconds)
}

// FixMaxAge MQTT 定位超過此時間即視為過期
func (c *Config) FixMaxAge() time.Duration {
	return seconds(c.MQTT.FixMaxAgeSeconds)
}
