package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	lru "github.com/hashicorp/golang-lru"

	"github.com/ChuLiYu/quest-radar/internal/clock"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var (
	// ErrNoFix 尚未收到該接單者的定位
	ErrNoFix = errors.New("no fix for actor")
	// ErrStaleFix 最新的定位已超過 maxAge
	ErrStaleFix = errors.New("fix is stale")
)

// FixCache 保存每位接單者最新的定位，作為 LocationProvider
type FixCache struct {
	mu     sync.Mutex // Put 的比較與寫入需一次完成
	cache  *lru.Cache
	clock  clock.Clock
	maxAge time.Duration
}

// NewFixCache 建立快取；maxAge <= 0 表示不檢查新鮮度
func NewFixCache(size int, maxAge time.Duration, clk clock.Clock) (*FixCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("fix cache: %w", err)
	}
	return &FixCache{cache: cache, clock: clk, maxAge: maxAge}, nil
}

// Put 記錄定位；比現有樣本舊的定位會被忽略
func (c *FixCache) Put(actorID string, fix types.TrackedLocation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.cache.Get(actorID); ok {
		if fix.Timestamp.Before(prev.(types.TrackedLocation).Timestamp) {
			return false
		}
	}
	c.cache.Add(actorID, fix)
	return true
}

// CurrentFix 取得接單者最新的定位，滿足 livesession.LocationProvider
func (c *FixCache) CurrentFix(ctx context.Context, actorID string) (types.TrackedLocation, error) {
	if err := ctx.Err(); err != nil {
		return types.TrackedLocation{}, err
	}
	v, ok := c.cache.Get(actorID)
	if !ok {
		return types.TrackedLocation{}, fmt.Errorf("%w: %s", ErrNoFix, actorID)
	}
	fix := v.(types.TrackedLocation)
	if c.maxAge > 0 && c.clock.Now().Sub(fix.Timestamp) > c.maxAge {
		return types.TrackedLocation{}, fmt.Errorf("%w: %s last seen %s", ErrStaleFix, actorID, fix.Timestamp.Format(time.RFC3339))
	}
	return fix, nil
}

// Len 回傳快取中的接單者數
func (c *FixCache) Len() int {
	return c.cache.Len()
}

// Handler 回傳處理 fix 訊息的 MessageHandler
func (c *FixCache) Handler(pattern string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		actorID, ok := ActorFromTopic(pattern, msg.Topic())
		if !ok {
			log.Warn("Fix on unexpected topic", "topic", msg.Topic())
			return
		}
		fix, err := DecodeFix(msg.Payload(), c.clock.Now())
		if err != nil {
			log.Warn("Dropping malformed fix", "actor_id", actorID, "error", err)
			return
		}
		c.Put(actorID, fix)
	}
}

// Subscribe 訂閱 fix topic 並把訊息寫入快取
func (c *FixCache) Subscribe(ctx context.Context, client Subscriber, pattern string) error {
	if err := wait(ctx, client.Subscribe(pattern, 0, c.Handler(pattern))); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	log.Info("Subscribed to actor fixes", "topic", pattern)
	return nil
}
