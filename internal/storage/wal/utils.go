package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 journal 讀取、驗證與診斷的輔助功能
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// maxRecordSize 單一事件行的上限
const maxRecordSize = 1 << 20

// readEvents 逐行解析 WAL，fn 收到事件與其在檔案中的起始位移
func readEvents(path string, fn func(event Event, offset int64) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 64*1024)
	var offset int64
	var lastSeq uint64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			start := offset
			offset += int64(len(line))

			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				if len(trimmed) > maxRecordSize {
					return &CorruptionError{Seq: lastSeq, Offset: start, Cause: errors.New("record too large")}
				}
				var event Event
				if decodeErr := json.Unmarshal(trimmed, &event); decodeErr != nil {
					return &CorruptionError{Seq: lastSeq, Offset: start, Cause: decodeErr}
				}
				if fnErr := fn(event, start); fnErr != nil {
					return fnErr
				}
				lastSeq = event.Seq
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ============================================================================
// 檔案操作輔助
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 用途：
// - NewWAL 時需要取得 last_seq 以繼續編號
//
// 回傳：
//
//	最後一個事件，錯誤（如果檔案為空則回傳 ErrEmptyWAL）
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := readEvents(path, func(event Event, _ int64) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 連續且無重複（旋轉後的檔案從任意 seq 開始）
func ValidateWAL(path string) error {
	var prev uint64
	first := true
	return readEvents(path, func(event Event, offset int64) error {
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if !first && event.Seq != prev+1 {
			return fmt.Errorf("%w: seq %d follows %d at offset %d", ErrSeqGap, event.Seq, prev, offset)
		}
		first = false
		prev = event.Seq
		return nil
	})
}

// ============================================================================
// 除錯與診斷工具
// ============================================================================

// DumpWAL 以表格輸出 WAL 內容，校驗失敗的事件會標記出來
func DumpWAL(path string, w io.Writer) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Seq", "Type", "Quest", "At", "Checksum", "OK"})

	err := readEvents(path, func(event Event, _ int64) error {
		ok := "yes"
		if VerifyChecksum(event) != nil {
			ok = "CORRUPT"
		}
		at := time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339)
		t.AppendRow(table.Row{event.Seq, event.Type, event.QuestID, at, fmt.Sprintf("0x%08x", event.Checksum), ok})
		return nil
	})
	t.Render()
	return err
}

// ============================================================================
// 統計與分析
// ============================================================================

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents    int               // 總事件數
	EventTypes     map[EventType]int // 各類型事件計數
	FirstSeq       uint64            // 第一個事件的 seq
	LastSeq        uint64            // 最後一個事件的 seq
	TimeRange      [2]int64          // 時間範圍 [最早, 最晚]
	CorruptedCount int               // 校驗失敗的事件數
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err := readEvents(path, func(event Event, _ int64) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.LastSeq = event.Seq
		stats.EventTypes[event.Type]++
		if event.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = event.Timestamp
		}
		if event.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = event.Timestamp
		}
		if VerifyChecksum(event) != nil {
			stats.CorruptedCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
