// Package mqttbridge 透過 MQTT 把任務推播給接單者裝置，並把裝置回報的定位餵給引擎。
//
//	questd --publish--> <prefix>/<actorID>/quests
//	device --publish--> actors/<actorID>/fix --subscribe--> FixCache --> LocationProvider
package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var log = slog.Default()

// ErrPublishTimeout broker 未在期限內確認
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Publisher mqtt.Client 的發佈子集
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Subscriber mqtt.Client 的訂閱子集
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Connect 建立並連線 MQTT client
func Connect(ctx context.Context, broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("%s-%d", clientID, time.Now().UnixNano())).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("MQTT connection lost", "broker", broker, "error", err)
		})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", broker, err)
	}
	log.Info("Connected to MQTT broker", "broker", broker)
	return client, nil
}

// wait 等待 token 完成或 ctx 結束
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPublishTimeout, ctx.Err())
	}
}

// Notifier 以 MQTT 推播任務摘要，滿足 notify.Sink
type Notifier struct {
	client Publisher
	prefix string
	qos    byte
}

// NewNotifier 建立推播器，topic 為 <prefix>/<actorID>/quests
func NewNotifier(client Publisher, prefix string) *Notifier {
	return &Notifier{client: client, prefix: prefix, qos: 1}
}

// Topic 回傳某個接單者的推播 topic
func (n *Notifier) Topic(actorID string) string {
	return fmt.Sprintf("%s/%s/quests", n.prefix, actorID)
}

// Notify 對每位接單者發佈一則訊息；部分失敗時回傳合併錯誤
func (n *Notifier) Notify(ctx context.Context, actorIDs []string, summary types.QuestSummary) error {
	payload, err := encodeSummary(summary)
	if err != nil {
		return fmt.Errorf("encode quest summary: %w", err)
	}

	tokens := make([]mqtt.Token, len(actorIDs))
	for i, actorID := range actorIDs {
		tokens[i] = n.client.Publish(n.Topic(actorID), n.qos, false, payload)
	}

	var errs []error
	for i, token := range tokens {
		if err := wait(ctx, token); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", actorIDs[i], err))
		}
	}
	return errors.Join(errs...)
}
