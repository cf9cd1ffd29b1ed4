package wal

// ============================================================================
// WAL 核心實作（任務 journal）
// 職責：
// 1. 追加任務狀態轉換事件到日誌檔案（append-only）
// 2. 提供重放功能以恢復任務狀態
// 3. 支援日誌旋轉（快照後封存並壓縮舊檔）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var log = slog.Default()

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號（旋轉後持續遞增）
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
- 檔案中有損壞的記錄時拒絕開啟，避免在損壞處之後繼續追加
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	var seq uint64
	lastEvent, err := GetLastEvent(path)
	switch {
	case err == nil:
		seq = lastEvent.Seq
	case errors.Is(err, os.ErrNotExist), errors.Is(err, ErrEmptyWAL):
	default:
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,

		buffer:        make([]Event, 0, 64),
		bufferSize:    64,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 將任務完整序列化為 payload 並計算 checksum
// - syncOnAppend 時立即寫入並 fsync，否則累積到緩衝區滿或超過 flushInterval
//
// 回傳：
//
//	事件序號，錯誤（如果寫入失敗）
func (w *WAL) Append(eventType EventType, q types.Quest, at time.Time) (uint64, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return 0, fmt.Errorf("wal: encode quest %s: %w", q.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		QuestID:   q.ID,
		Timestamp: at.UnixMilli(),
		Payload:   payload,
	}
	event.Checksum = CalculateChecksum(eventType, q.ID, w.seq, payload)
	w.buffer = append(w.buffer, event)

	needFlush := w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return event.Seq, err
		}
	}
	return event.Seq, nil
}

// Flush 將緩衝區寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
func (w *WAL) Replay(handler EventHandler) error {
	return w.ReplayFrom(0, handler)
}

// ReplayFrom 重放 seq 大於 afterSeq 的事件
//
// 行為：
// - 先 flush 緩衝區，確保讀到所有已追加的事件
// - 驗證每個事件的 checksum
// - 遇到錯誤立即停止
func (w *WAL) ReplayFrom(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	return readEvents(w.path, func(event Event, _ int64) error {
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
}

// Rotate 旋轉日誌檔案
//
// 目前的檔案改名為 <path>.<seq>.<timestamp> 並壓縮成 .gz，新檔案的 seq 延續舊檔，
// 因此快照記錄的 LastSeq 在旋轉前後都有效。
//
// 回傳：
//
//	封存檔路徑，錯誤（如果旋轉失敗）
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := fmt.Sprintf("%s.%d.%s", w.path, w.seq, time.Now().Format("20060102_150405"))
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return "", err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.lastFlushTime = time.Now()

	archive := backupPath + ".gz"
	if err := compressWALFile(backupPath, archive); err != nil {
		log.Warn("WAL archive compression failed, keeping raw file", "path", backupPath, "error", err)
		return backupPath, nil
	}
	if err := os.Remove(backupPath); err != nil {
		log.Warn("Failed to remove rotated WAL", "path", backupPath, "error", err)
	}
	return archive, nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// ResumeAfter 確保下一個事件的序號大於 seq
//
// 輪替後重新開啟的空檔案 seq 從 0 開始；恢復時以快照的 LastSeq 呼叫，
// 新事件才不會被下一次 ReplayFrom 略過。
func (w *WAL) ResumeAfter(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for i, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			w.buffer = w.buffer[i:]
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

// compressWALFile gzip 壓縮封存的 WAL 檔案
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		dstFile.Close()
		os.Remove(dstPath)
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		dstFile.Close()
		os.Remove(dstPath)
		return err
	}
	return dstFile.Close()
}
