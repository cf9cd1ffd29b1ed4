package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"

	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 將 Type、QuestID、Seq 與 payload 原始位元組依序寫入
// - 使用 CRC32-IEEE 多項式計算
// - 不包含 Timestamp
func CalculateChecksum(eventType EventType, questID types.QuestID, seq uint64, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(questID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{0})
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和，不符時回傳 *ChecksumError
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event.Type, event.QuestID, event.Seq, event.Payload)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
