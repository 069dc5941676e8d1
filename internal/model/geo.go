package model

import (
	"encoding/json"
	"errors"
	"math"

	"gorm.io/datatypes"
)

var ErrEmptyBoundary = errors.New("边界为空")

// Polygon 按 GeoJSON Polygon 约定存储：坐标为 [lng, lat]，第一环为外环，其余为洞
type Polygon [][][2]float64

// ParsePolygon 从 JSON 列解析多边形
func ParsePolygon(raw datatypes.JSON) (Polygon, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyBoundary
	}
	var p Polygon
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if len(p) == 0 || len(p[0]) < 3 {
		return nil, ErrEmptyBoundary
	}
	return p, nil
}

// JSON 序列化为可写入 datatypes.JSON 的值
func (p Polygon) JSON() datatypes.JSON {
	b, _ := json.Marshal(p)
	return datatypes.JSON(b)
}

// BBox 返回外环包围盒：minLng, minLat, maxLng, maxLat
func (p Polygon) BBox() [4]float64 {
	box := [4]float64{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	if len(p) == 0 {
		return box
	}
	for _, pt := range p[0] {
		box[0] = math.Min(box[0], pt[0])
		box[1] = math.Min(box[1], pt[1])
		box[2] = math.Max(box[2], pt[0])
		box[3] = math.Max(box[3], pt[1])
	}
	return box
}

// Contains 点入多边形判定（Even-Odd），落在洞内不算命中
func (p Polygon) Contains(lat, lng float64) bool {
	if len(p) == 0 {
		return false
	}
	box := p.BBox()
	if lng < box[0] || lng > box[2] || lat < box[1] || lat > box[3] {
		return false
	}
	if !ringContains(p[0], lat, lng) {
		return false
	}
	for _, hole := range p[1:] {
		if ringContains(hole, lat, lng) {
			return false
		}
	}
	return true
}

func ringContains(ring [][2]float64, lat, lng float64) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > lat) != (yj > lat) && lng < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}
