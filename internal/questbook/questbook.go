// ============================================================================
// quest-radar 任務簿 - 緊急任務狀態機
// ============================================================================
//
// Package: internal/questbook
// 文件: questbook.go
// 功能: 保存所有緊急任務，並保證狀態轉換的原子性
//
// 任務狀態轉換 (State Machine):
//
//	Broadcasting (廣播中)
//	   ├─ Claim() ──────────→ Claimed (已接單)
//	   │                        ├─ StartWork() → InProgress → Complete() → Completed
//	   │                        └─ Reopen() ──→ Broadcasting（放鴿子後重新廣播）
//	   ├─ Expire() ─────────→ Expired
//	   └─ Cancel() ─────────→ Cancelled
//
// 數據結構設計:
//
//	quests map[QuestID]*Quest - 主存儲（單一真實來源）
//	byState map[QuestState]map[QuestID]*Quest - 狀態索引，與主存儲共用指標
//
// 並發安全:
//   - sync.RWMutex 保護所有資料結構
//   - Claim 是在鎖內完成的 compare-and-set，同一任務最多一位接單者
//   - 對外只回傳深拷貝，呼叫端無法繞過狀態機修改內部資料
//
// ============================================================================

package questbook

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 已被其他接單者搶先
	ErrAlreadyClaimed = errors.New("quest already claimed")
	// 決策視窗已過
	ErrQuestExpired = errors.New("quest expired")
	// 任務不存在
	ErrQuestNotFound = errors.New("quest not found")
	// 任務已完成或已取消
	ErrQuestClosed = errors.New("quest closed")
	// 任務 ID 重複
	ErrDuplicateQuest = errors.New("quest already exists")
	// 不合法的狀態轉換
	ErrInvalidTransition = errors.New("invalid quest state transition")
)

var allStates = []types.QuestState{
	types.QuestBroadcasting,
	types.QuestClaimed,
	types.QuestInProgress,
	types.QuestCompleted,
	types.QuestExpired,
	types.QuestCancelled,
}

// Book 緊急任務簿
type Book struct {
	mu      sync.RWMutex
	quests  map[types.QuestID]*types.Quest                      // 所有任務
	byState map[types.QuestState]map[types.QuestID]*types.Quest // 狀態索引
}

// New 建立空的任務簿
func New() *Book {
	b := &Book{}
	b.reset()
	return b
}

func (b *Book) reset() {
	b.quests = make(map[types.QuestID]*types.Quest)
	b.byState = make(map[types.QuestState]map[types.QuestID]*types.Quest, len(allStates))
	for _, s := range allStates {
		b.byState[s] = make(map[types.QuestID]*types.Quest)
	}
}

// setState 變更狀態並同步索引，呼叫端需持有寫鎖
func (b *Book) setState(q *types.Quest, state types.QuestState, now time.Time) {
	delete(b.byState[q.State], q.ID)
	q.State = state
	q.UpdatedAt = now
	if b.byState[state] == nil {
		b.byState[state] = make(map[types.QuestID]*types.Quest)
	}
	b.byState[state][q.ID] = q
}

// closedErr 將終止狀態對應到呼叫端可辨識的錯誤
func closedErr(q *types.Quest) error {
	switch q.State {
	case types.QuestExpired:
		return ErrQuestExpired
	case types.QuestClaimed, types.QuestInProgress:
		return ErrAlreadyClaimed
	default:
		return ErrQuestClosed
	}
}

// Add 加入新任務
//
// 參數說明：
//   - q: 新任務，State 必須是 broadcasting
//
// 錯誤處理：
//   - ErrDuplicateQuest: 任務 ID 已存在
//   - ErrInvalidTransition: 任務不是 broadcasting 狀態
//
// 併發安全：使用互斥鎖保護
func (b *Book) Add(q types.Quest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.quests[q.ID]; exists {
		return ErrDuplicateQuest
	}
	if q.State != types.QuestBroadcasting {
		return ErrInvalidTransition
	}

	stored := q.Clone()
	b.quests[q.ID] = &stored
	b.byState[stored.State][stored.ID] = &stored
	return nil
}

// Put 直接寫入任務的完整狀態（journal 重放使用）
//
// 與 Add 不同，Put 不檢查狀態轉換，已存在的任務會被覆蓋。
func (b *Book) Put(q types.Quest) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.quests[q.ID]; ok {
		delete(b.byState[old.State], old.ID)
	}
	stored := q.Clone()
	b.quests[q.ID] = &stored
	if b.byState[stored.State] == nil {
		b.byState[stored.State] = make(map[types.QuestID]*types.Quest)
	}
	b.byState[stored.State][stored.ID] = &stored
}

// Get 取得任務副本
func (b *Book) Get(id types.QuestID) (types.Quest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.quests[id]
	if !ok {
		return types.Quest{}, ErrQuestNotFound
	}
	return q.Clone(), nil
}

// Claim 以 compare-and-set 將任務指派給接單者
//
// 參數說明：
//   - id: 任務 ID
//   - actorID: 接單者 ID
//   - now: 當前時間；已超過 ExpiresAt 的廣播任務視為過期（即使 tick 尚未執行）
//
// 返回值：
//   - types.Quest: 接單成功後的任務副本
//
// 錯誤處理：
//   - ErrQuestNotFound / ErrAlreadyClaimed / ErrQuestExpired / ErrQuestClosed
//
// 併發安全：檢查與寫入在同一把鎖內完成，並發呼叫只有一個會成功
func (b *Book) Claim(id types.QuestID, actorID string, now time.Time) (types.Quest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.quests[id]
	if !ok {
		return types.Quest{}, ErrQuestNotFound
	}
	if q.State != types.QuestBroadcasting {
		return types.Quest{}, closedErr(q)
	}
	if !now.Before(q.ExpiresAt) {
		return types.Quest{}, ErrQuestExpired
	}

	claimedAt := now
	q.AssignedActorID = actorID
	q.ClaimedAt = &claimedAt
	b.setState(q, types.QuestClaimed, now)
	return q.Clone(), nil
}

// Expire 將廣播中的任務標記為過期
func (b *Book) Expire(id types.QuestID, now time.Time) (types.Quest, error) {
	return b.transition(id, now, types.QuestBroadcasting, types.QuestExpired, "")
}

// Cancel 取消廣播中的任務
func (b *Book) Cancel(id types.QuestID, now time.Time) (types.Quest, error) {
	return b.transition(id, now, types.QuestBroadcasting, types.QuestCancelled, "")
}

// StartWork 接單者抵達現場，任務進入進行中
func (b *Book) StartWork(id types.QuestID, actorID string, now time.Time) (types.Quest, error) {
	return b.transition(id, now, types.QuestClaimed, types.QuestInProgress, actorID)
}

// Complete 完成進行中的任務
func (b *Book) Complete(id types.QuestID, actorID string, now time.Time) (types.Quest, error) {
	return b.transition(id, now, types.QuestInProgress, types.QuestCompleted, actorID)
}

// transition 通用狀態轉換；actorID 非空時必須與目前接單者相同
func (b *Book) transition(id types.QuestID, now time.Time, from, to types.QuestState, actorID string) (types.Quest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.quests[id]
	if !ok {
		return types.Quest{}, ErrQuestNotFound
	}
	if q.State != from {
		if q.State.Terminal() {
			return types.Quest{}, closedErr(q)
		}
		return types.Quest{}, ErrInvalidTransition
	}
	if actorID != "" && q.AssignedActorID != actorID {
		return types.Quest{}, ErrInvalidTransition
	}

	if !to.Assigned() {
		q.AssignedActorID = ""
	}
	b.setState(q, to, now)
	return q.Clone(), nil
}

// Reopen 將已接單（尚未開工）的任務重新廣播
//
// 行為：
//   - 清除接單者與接單時間
//   - BroadcastAt 重設為 now，ExpiresAt 為新的決策視窗截止時間
//   - BoostBaseline 記錄目前已套用的加價次數，加價節奏從新一輪重新計算
//
// 錯誤處理：
//   - ErrInvalidTransition: 任務不在 claimed 狀態
func (b *Book) Reopen(id types.QuestID, expiresAt, now time.Time) (types.Quest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.quests[id]
	if !ok {
		return types.Quest{}, ErrQuestNotFound
	}
	if q.State != types.QuestClaimed {
		return types.Quest{}, ErrInvalidTransition
	}

	q.AssignedActorID = ""
	q.ClaimedAt = nil
	q.BroadcastAt = now
	q.ExpiresAt = expiresAt
	q.BoostBaseline = q.BoostsApplied
	q.Rebroadcasts++
	b.setState(q, types.QuestBroadcasting, now)
	return q.Clone(), nil
}

// Update 在鎖內修改廣播中的任務（例如套用加價）
//
// fn 回傳 true 表示有修改。fn 不得變更 State、ID 或指派資訊。
//
// 返回值：
//   - types.Quest: 修改後的任務副本
//   - bool: fn 是否有修改
func (b *Book) Update(id types.QuestID, fn func(q *types.Quest) bool) (types.Quest, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.quests[id]
	if !ok {
		return types.Quest{}, false, ErrQuestNotFound
	}
	if q.State != types.QuestBroadcasting {
		return q.Clone(), false, nil
	}

	state, actor := q.State, q.AssignedActorID
	changed := fn(q)
	q.State, q.AssignedActorID = state, actor
	return q.Clone(), changed, nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// ByState 取得指定狀態的所有任務副本，依建立時間排序
func (b *Book) ByState(state types.QuestState) []types.Quest {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.Quest, 0, len(b.byState[state]))
	for _, q := range b.byState[state] {
		out = append(out, q.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Broadcasting 取得所有廣播中的任務
func (b *Book) Broadcasting() []types.Quest {
	return b.ByState(types.QuestBroadcasting)
}

// ClaimedBy 取得接單者目前持有的任務
func (b *Book) ClaimedBy(actorID string) []types.Quest {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []types.Quest
	for _, s := range []types.QuestState{types.QuestClaimed, types.QuestInProgress} {
		for _, q := range b.byState[s] {
			if q.AssignedActorID == actorID {
				out = append(out, q.Clone())
			}
		}
	}
	return out
}

// Len 回傳任務總數
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.quests)
}

// Stats 取得各狀態任務數量
//
// 使用範例：
//
//	stats := book.Stats()
//	log.Info("Quest stats", "broadcasting", stats["broadcasting"], "claimed", stats["claimed"])
func (b *Book) Stats() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := make(map[string]int, len(allStates))
	for _, s := range allStates {
		stats[string(s)] = len(b.byState[s])
	}
	return stats
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 生成快照資料（深拷貝）
//
// 參數說明：
//   - lastSeq: 快照涵蓋的最後 journal 序號
func (b *Book) Snapshot(lastSeq uint64) types.SnapshotData {
	b.mu.RLock()
	defer b.mu.RUnlock()

	quests := make(map[types.QuestID]*types.Quest, len(b.quests))
	for id, q := range b.quests {
		c := q.Clone()
		quests[id] = &c
	}
	return types.SnapshotData{
		Quests:    quests,
		SchemaVer: 1,
		LastSeq:   lastSeq,
	}
}

// Restore 從快照恢復狀態，清空現有資料
func (b *Book) Restore(data types.SnapshotData) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reset()
	for _, q := range data.Quests {
		if q == nil {
			continue
		}
		c := q.Clone()
		b.quests[c.ID] = &c
		if b.byState[c.State] == nil {
			b.byState[c.State] = make(map[types.QuestID]*types.Quest)
		}
		b.byState[c.State][c.ID] = &c
	}
	return nil
}
