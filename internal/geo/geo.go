// Package geo 大圓距離相關計算，供雷達、前往追蹤、地理圍欄與移動完整性使用。
package geo

import (
	"math"

	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// EarthRadiusMeters Distance 使用的地球平均半徑
const EarthRadiusMeters = 6371000.0

func rad(deg float64) float64 { return deg * math.Pi / 180 }

func deg(r float64) float64 { return r * 180 / math.Pi }

// Distance 回傳 a、b 之間的 haversine 距離（公尺）
func Distance(a, b types.Location) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Offset 將 loc 往北、往東各移動指定公尺
//
// 在引擎處理的數公里範圍內，誤差遠小於一公尺。
func Offset(loc types.Location, northMeters, eastMeters float64) types.Location {
	dLat := northMeters / EarthRadiusMeters
	dLon := eastMeters / (EarthRadiusMeters * math.Cos(rad(loc.Lat)))
	return types.Location{
		Lat: loc.Lat + deg(dLat),
		Lon: loc.Lon + deg(dLon),
	}
}

// PathLength 軌跡各段距離總和
func PathLength(trail []types.TrackedLocation) float64 {
	var total float64
	for i := 1; i < len(trail); i++ {
		total += Distance(trail[i-1].Point(), trail[i].Point())
	}
	return total
}

// StepToward 從 from 沿直線往 dst 前進至多 meters，不超過 dst
func StepToward(from, dst types.Location, meters float64) types.Location {
	d := Distance(from, dst)
	if d <= meters {
		return dst
	}
	f := meters / d
	return types.Location{
		Lat: from.Lat + (dst.Lat-from.Lat)*f,
		Lon: from.Lon + (dst.Lon-from.Lon)*f,
	}
}
