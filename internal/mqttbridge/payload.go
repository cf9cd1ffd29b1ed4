package mqttbridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// FixPayload 裝置發佈到 fix topic 的定位訊息
type FixPayload struct {
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	Accuracy  float64  `json:"accuracy"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Timestamp string   `json:"timestamp"` // RFC3339Nano
}

// EncodeFix 將定位樣本編碼成 fix 訊息
func EncodeFix(fix types.TrackedLocation) ([]byte, error) {
	return json.Marshal(FixPayload{
		Lat:       fix.Lat,
		Lon:       fix.Lon,
		Accuracy:  fix.Accuracy,
		Speed:     fix.Speed,
		Heading:   fix.Heading,
		Timestamp: fix.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// DecodeFix 解析 fix 訊息，缺少時間戳時使用 receivedAt
func DecodeFix(data []byte, receivedAt time.Time) (types.TrackedLocation, error) {
	var p FixPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return types.TrackedLocation{}, fmt.Errorf("decode fix: %w", err)
	}
	fix := types.TrackedLocation{
		Lat:       p.Lat,
		Lon:       p.Lon,
		Accuracy:  p.Accuracy,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Timestamp: receivedAt,
	}
	if !fix.Point().Valid() {
		return types.TrackedLocation{}, fmt.Errorf("decode fix: invalid coordinates %.6f,%.6f", p.Lat, p.Lon)
	}
	if p.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
		if err != nil {
			return types.TrackedLocation{}, fmt.Errorf("decode fix timestamp: %w", err)
		}
		fix.Timestamp = ts
	}
	return fix, nil
}

// FixTopic 由訂閱樣式產生某個接單者的 topic，例如 actors/+/fix → actors/a1/fix
func FixTopic(pattern, actorID string) string {
	return strings.Replace(pattern, "+", actorID, 1)
}

// ActorFromTopic 依訂閱樣式中 "+" 的位置取出接單者 ID
func ActorFromTopic(pattern, topic string) (string, bool) {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return "", false
	}
	actor := ""
	for i, seg := range pp {
		switch {
		case seg == "+":
			if actor == "" {
				actor = tp[i]
			}
		case seg != tp[i]:
			return "", false
		}
	}
	return actor, actor != ""
}

// questPayload 推播給接單者的訊息
type questPayload struct {
	QuestID      types.QuestID `json:"quest_id"`
	Title        string        `json:"title,omitempty"`
	Category     string        `json:"category,omitempty"`
	TotalPayment string        `json:"total_payment"`
	Lat          float64       `json:"lat"`
	Lon          float64       `json:"lon"`
	ExpiresAt    string        `json:"expires_at"`
}

func encodeSummary(s types.QuestSummary) ([]byte, error) {
	return json.Marshal(questPayload{
		QuestID:      s.QuestID,
		Title:        s.Title,
		Category:     s.Category,
		TotalPayment: s.TotalPayment.StringFixed(2),
		Lat:          s.PosterLocation.Lat,
		Lon:          s.PosterLocation.Lon,
		ExpiresAt:    s.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
