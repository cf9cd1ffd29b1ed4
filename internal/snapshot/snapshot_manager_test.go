package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/quest-radar/pkg/types"
)

func quest(id string, state types.QuestState) *types.Quest {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q := &types.Quest{
		ID:             types.QuestID(id),
		TaskID:         "task-" + id,
		CreatedAt:      now,
		BroadcastAt:    now,
		ExpiresAt:      now.Add(time.Minute),
		BasePayment:    decimal.RequireFromString("35.50"),
		CurrentPayment: decimal.RequireFromString("38.75"),
		BoostsApplied:  1,
		State:          state,
	}
	if state.Assigned() {
		q.AssignedActorID = "actor-1"
		claimed := now.Add(10 * time.Second)
		q.ClaimedAt = &claimed
	}
	return q
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "quests.json"))

	originalData := types.SnapshotData{
		Quests: map[types.QuestID]*types.Quest{
			"q-001": quest("q-001", types.QuestBroadcasting),
			"q-002": quest("q-002", types.QuestClaimed),
			"q-003": quest("q-003", types.QuestCompleted),
		},
		LastSeq: 100,
	}

	require.NoError(t, manager.Write(originalData))

	loadedData, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loadedData.SchemaVer)
	assert.Equal(t, originalData.LastSeq, loadedData.LastSeq)
	require.Len(t, loadedData.Quests, 3)

	for id, original := range originalData.Quests {
		loaded, exists := loadedData.Quests[id]
		require.True(t, exists, "Quest %s should exist", id)
		assert.Equal(t, original.State, loaded.State)
		assert.Equal(t, original.AssignedActorID, loaded.AssignedActorID)
		assert.True(t, original.CurrentPayment.Equal(loaded.CurrentPayment))
		assert.True(t, original.ExpiresAt.Equal(loaded.ExpiresAt))
	}
	require.NotNil(t, loadedData.Quests["q-002"].ClaimedAt)
}

// TestAtomicWrite 測試原子性寫入（關鍵測試）
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "quests.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{
		Quests:  map[types.QuestID]*types.Quest{"q-old": quest("q-old", types.QuestBroadcasting)},
		LastSeq: 50,
	}))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := manager.Write(types.SnapshotData{
			Quests:  map[types.QuestID]*types.Quest{"q-new": quest("q-new", types.QuestBroadcasting)},
			LastSeq: 100,
		})
		assert.NoError(t, err)
	}()

	var loadedData types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loadedData = data
	}()

	wg.Wait()

	// 應該讀到完整的快照（舊的或新的），不會是半成品
	assert.True(t, loadedData.LastSeq == 50 || loadedData.LastSeq == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loadedData.LastSeq)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "quests.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "non_existent.json"))

	loadedData, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loadedData.SchemaVer)
	assert.Equal(t, uint64(0), loadedData.LastSeq)
	assert.NotNil(t, loadedData.Quests)
	assert.Empty(t, loadedData.Quests)
}

func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "quests.json")
	manager := NewManager(snapshotPath)

	jsonBytes, err := json.Marshal(types.SnapshotData{SchemaVer: 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "quests.json")
	manager := NewManager(snapshotPath)

	corruptedJSON := `{"quests": {"q-001": {"id": "q-001", "state": "broadcasting"`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corruptedJSON), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（唯讀目錄）
func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0555))
	defer os.Chmod(readOnlyDir, 0755)

	manager := NewManager(filepath.Join(readOnlyDir, "quests.json"))
	assert.Error(t, manager.Write(types.SnapshotData{}))
}

// ============================================================================
// 備份測試
// ============================================================================

func TestWriteWithBackupPrunesOldCopies(t *testing.T) {
	tempDir := t.TempDir()
	manager := NewManager(filepath.Join(tempDir, "quests.json"))

	for seq := uint64(1); seq <= 5; seq++ {
		err := manager.WriteWithBackup(types.SnapshotData{
			Quests:  map[types.QuestID]*types.Quest{"q": quest("q", types.QuestBroadcasting)},
			LastSeq: seq,
		}, 2)
		require.NoError(t, err)
	}

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), loaded.LastSeq)

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

func TestWriteWithoutBackups(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "quests.json"))
	require.NoError(t, manager.WriteWithBackup(types.SnapshotData{LastSeq: 1}, 0))
	require.NoError(t, manager.WriteWithBackup(types.SnapshotData{LastSeq: 2}, 0))

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

// TestLargeSnapshot 測試大型快照的寫入與載入
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "quests.json"))

	largeData := types.SnapshotData{
		Quests:  make(map[types.QuestID]*types.Quest),
		LastSeq: 10000,
	}
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("q-%04d", i)
		largeData.Quests[types.QuestID(id)] = quest(id, types.QuestBroadcasting)
	}

	start := time.Now()
	require.NoError(t, manager.Write(largeData))
	t.Logf("Write duration for 1000 quests: %v", time.Since(start))

	loadedData, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, len(largeData.Quests), len(loadedData.Quests))
	assert.Equal(t, largeData.LastSeq, loadedData.LastSeq)
}

// ============================================================================
// 並發安全測試
// ============================================================================

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "quests.json"))

	numGoroutines := 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(index int) {
			defer wg.Done()
			id := fmt.Sprintf("q-%d", index)
			err := manager.Write(types.SnapshotData{
				Quests:  map[types.QuestID]*types.Quest{types.QuestID(id): quest(id, types.QuestBroadcasting)},
				LastSeq: uint64(index),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	loadedData, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loadedData.SchemaVer)
	assert.Len(t, loadedData.Quests, 1)
}

// ============================================================================
// Benchmark 測試
// ============================================================================

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "bench.json"))
	data := types.SnapshotData{
		Quests:  map[types.QuestID]*types.Quest{"q-001": quest("q-001", types.QuestBroadcasting)},
		LastSeq: 100,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(data)
	}
}
