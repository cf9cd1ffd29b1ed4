// ============================================================================
// Quest Radar CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: 以 Cobra 提供 questd 的命令列介面
//
// Command Structure:
//   questd                         # Root command
//   ├── run                        # 啟動派單引擎、gRPC 與 HTTP 服務
//   ├── simulate                   # 以手動時鐘重播一段情境並輸出時間線
//   ├── status                     # 查詢執行中的 questd
//   ├── quest                      # 任務操作（透過 gRPC）
//   │   ├── create
//   │   ├── claim
//   │   └── list
//   ├── journal dump               # 以表格輸出 journal 內容
//   ├── --config, -c               # 設定檔（預設 configs/questd.yaml）
//   └── --version / --help
//
// Configuration:
//   YAML 設定檔疊加在預設值上；未指定 --config 且預設檔不存在時直接使用預設值。
//   日誌格式與等級來自 log 區塊，可用 --log-level 覆寫。
//
// run Command:
//   1. 載入設定並設定 slog
//   2. 開啟 journal、快照、SQLite 分析庫（有設定時）
//   3. 連線 MQTT broker，推播走 MQTT、定位由 fix topic 餵入（有啟用時）
//   4. 啟動引擎（崩潰恢復 + 背景迴圈）
//   5. 啟動 gRPC 與 HTTP 服務
//   6. 收到 SIGINT / SIGTERM 後依序關閉服務、引擎與儲存
//
//   Examples:
//     questd run
//     questd run -c /etc/questd.yaml
//
// simulate Command:
//   在記憶體內以手動時鐘跑完一段完整情境（發布、加價、接單、放鴿子、
//   重新廣播、抵達、完成），結果以表格輸出；不需要任何外部服務。
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/quest-radar/internal/config"
)

const defaultConfigPath = "configs/questd.yaml"

var (
	configFile string
	logLevel   string
	cfg        *config.Config
)

// BuildCLI 建立 root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "questd",
		Short: "Quest Radar: urgent quest dispatch engine",
		Long: `Quest Radar matches urgent, short-lived quests to nearby available actors:
- radar visibility with live head start
- escalating urgency pricing
- on-the-way tracking with ghosting detection
- journal + snapshot crash recovery`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := loadConfig(configFile, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if logLevel != "" {
				loaded.Log.Level = logLevel
			}
			cfg = loaded
			setupLogging(cfg, cmd.ErrOrStderr())
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildQuestCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// loadConfig 讀取設定檔；explicit 為 false 且檔案不存在時回傳預設值
func loadConfig(path string, explicit bool) (*config.Config, error) {
	c, err := config.Load(path)
	if err == nil {
		return c, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("failed to load config: %w", err)
}

// setupLogging 依設定建立 slog handler 並設為預設
func setupLogging(c *config.Config, w io.Writer) *slog.Logger {
	level := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if c.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(h)
	// 各套件在初始化時取得的 logger 經由 log 套件轉送，等級也要一併調整
	slog.SetLogLoggerLevel(level)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
