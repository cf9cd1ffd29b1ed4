package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/quest-radar/internal/clock"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeToken 可控制完成與錯誤的 mqtt.Token
type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu        sync.Mutex
	published []published
	failTopic string
	hang      bool
	handlers  map[string]mqtt.MessageHandler
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, payload: payload.([]byte)})
	if c.hang {
		return &fakeToken{done: make(chan struct{})}
	}
	if topic == c.failTopic {
		return doneToken(errors.New("not connected"))
	}
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]mqtt.MessageHandler)
	}
	c.handlers[topic] = cb
	return doneToken(nil)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func summary() types.QuestSummary {
	return types.QuestSummary{
		QuestID:        "q-1",
		Title:          "Jump start",
		TotalPayment:   decimal.RequireFromString("48.2"),
		PosterLocation: types.Location{Lat: 25.03, Lon: 121.56},
		ExpiresAt:      t0.Add(time.Minute),
	}
}

func TestNotifierPublishesPerActor(t *testing.T) {
	client := &fakeClient{}
	n := NewNotifier(client, "actors")

	err := n.Notify(context.Background(), []string{"a1", "a2"}, summary())
	require.NoError(t, err)

	require.Len(t, client.published, 2)
	assert.Equal(t, "actors/a1/quests", client.published[0].topic)
	assert.Equal(t, "actors/a2/quests", client.published[1].topic)

	var body map[string]any
	require.NoError(t, json.Unmarshal(client.published[0].payload, &body))
	assert.Equal(t, "q-1", body["quest_id"])
	assert.Equal(t, "48.20", body["total_payment"])
}

func TestNotifierJoinsFailures(t *testing.T) {
	client := &fakeClient{failTopic: "actors/a2/quests"}
	n := NewNotifier(client, "actors")

	err := n.Notify(context.Background(), []string{"a1", "a2", "a3"}, summary())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify a2")
	assert.Len(t, client.published, 3, "a failure does not stop later publishes")
}

func TestNotifierHonoursContext(t *testing.T) {
	client := &fakeClient{hang: true}
	n := NewNotifier(client, "actors")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := n.Notify(ctx, []string{"a1"}, summary())
	assert.ErrorIs(t, err, ErrPublishTimeout)
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "actors/a9/fix", FixTopic("actors/+/fix", "a9"))

	actor, ok := ActorFromTopic("actors/+/fix", "actors/a9/fix")
	assert.True(t, ok)
	assert.Equal(t, "a9", actor)

	_, ok = ActorFromTopic("actors/+/fix", "actors/a9/quests")
	assert.False(t, ok)
	_, ok = ActorFromTopic("actors/+/fix", "actors/a9/fix/extra")
	assert.False(t, ok)
}

func TestFixRoundTrip(t *testing.T) {
	speed := 1.4
	fix := types.TrackedLocation{Lat: 25.0339, Lon: 121.5645, Accuracy: 8, Speed: &speed, Timestamp: t0}

	data, err := EncodeFix(fix)
	require.NoError(t, err)
	got, err := DecodeFix(data, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, got.Timestamp.Equal(t0))
	require.NotNil(t, got.Speed)
	assert.Equal(t, 1.4, *got.Speed)

	_, err = DecodeFix([]byte(`{"lat":95,"lon":0}`), t0)
	assert.Error(t, err)
	_, err = DecodeFix([]byte(`not json`), t0)
	assert.Error(t, err)

	noTS, err := DecodeFix([]byte(`{"lat":1,"lon":2}`), t0)
	require.NoError(t, err)
	assert.True(t, noTS.Timestamp.Equal(t0), "missing timestamp falls back to receive time")
}

func TestFixCacheSubscribeAndStaleness(t *testing.T) {
	clk := clock.NewManual(t0)
	cache, err := NewFixCache(16, 30*time.Second, clk)
	require.NoError(t, err)

	client := &fakeClient{}
	require.NoError(t, cache.Subscribe(context.Background(), client, "actors/+/fix"))
	handler := client.handlers["actors/+/fix"]
	require.NotNil(t, handler)

	_, err = cache.CurrentFix(context.Background(), "a1")
	assert.ErrorIs(t, err, ErrNoFix)

	data, err := EncodeFix(types.TrackedLocation{Lat: 25, Lon: 121, Timestamp: t0})
	require.NoError(t, err)
	handler(nil, fakeMessage{topic: "actors/a1/fix", payload: data})
	handler(nil, fakeMessage{topic: "actors/a1/fix", payload: []byte("garbage")})
	handler(nil, fakeMessage{topic: "other/a1/x", payload: data})

	fix, err := cache.CurrentFix(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 25.0, fix.Lat)
	assert.Equal(t, 1, cache.Len())

	clk.Advance(31 * time.Second)
	_, err = cache.CurrentFix(context.Background(), "a1")
	assert.ErrorIs(t, err, ErrStaleFix)
}

func TestFixCacheIgnoresOutOfOrderFixes(t *testing.T) {
	cache, err := NewFixCache(4, 0, clock.NewManual(t0))
	require.NoError(t, err)

	assert.True(t, cache.Put("a1", types.TrackedLocation{Lat: 2, Timestamp: t0.Add(time.Second)}))
	assert.False(t, cache.Put("a1", types.TrackedLocation{Lat: 1, Timestamp: t0}))

	fix, err := cache.CurrentFix(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, fix.Lat)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cache.CurrentFix(ctx, "a1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFixCacheConcurrentPutsKeepNewest(t *testing.T) {
	cache, err := NewFixCache(4, 0, clock.NewManual(t0))
	require.NoError(t, err)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cache.Put("a1", types.TrackedLocation{Lat: float64(i), Timestamp: t0.Add(time.Duration(i) * time.Second)})
		}(i)
	}
	wg.Wait()

	fix, err := cache.CurrentFix(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, float64(n-1), fix.Lat, "an older fix never replaces a newer one")
	assert.Equal(t, t0.Add((n-1)*time.Second), fix.Timestamp)
}
