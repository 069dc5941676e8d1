package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStatus(t *testing.T) {
	cases := []struct {
		from  FlyerStatus
		event FlyerEvent
		to    FlyerStatus
		ok    bool
	}{
		{FlyerStatusDraft, FlyerEventSubmit, FlyerStatusPending, true},
		{FlyerStatusPending, FlyerEventApprove, FlyerStatusApproved, true},
		{FlyerStatusPending, FlyerEventReject, FlyerStatusRejected, true},
		{FlyerStatusPending, FlyerEventExpire, FlyerStatusExpired, true},
		{FlyerStatusApproved, FlyerEventExpire, FlyerStatusExpired, true},
		{FlyerStatusDraft, FlyerEventApprove, "", false},
		{FlyerStatusApproved, FlyerEventReject, "", false},
		{FlyerStatusRejected, FlyerEventSubmit, "", false},
		{FlyerStatusExpired, FlyerEventExpire, "", false},
	}
	for _, tc := range cases {
		to, ok := NextStatus(tc.from, tc.event)
		assert.Equal(t, tc.ok, ok, "%s --%s-->", tc.from, tc.event)
		assert.Equal(t, tc.to, to, "%s --%s-->", tc.from, tc.event)
	}
}

// 终态没有任何出边，所有迁移目标都是合法状态
func TestTransitionTableClosed(t *testing.T) {
	for _, from := range AllFlyerStatuses {
		assert.True(t, from.Valid())
		for _, event := range AllFlyerEvents {
			to, ok := NextStatus(from, event)
			if from.IsTerminal() {
				assert.False(t, ok, "%s --%s-->", from, event)
				continue
			}
			if ok {
				assert.True(t, to.Valid())
			}
		}
	}
	assert.False(t, FlyerStatus("archived").Valid())
}

func TestRegionParentLevel(t *testing.T) {
	level, ok := RegionLevelNeighborhood.ParentLevel()
	assert.True(t, ok)
	assert.Equal(t, RegionLevelDistrict, level)

	level, ok = RegionLevelDistrict.ParentLevel()
	assert.True(t, ok)
	assert.Equal(t, RegionLevelCity, level)

	_, ok = RegionLevelCity.ParentLevel()
	assert.False(t, ok)
	assert.False(t, RegionLevel("province").Valid())
}

func TestPolygonContains(t *testing.T) {
	// 带洞的正方形
	p := Polygon{
		{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}},
		{{4, 4}, {6, 4}, {6, 6}, {4, 6}, {4, 4}},
	}
	assert.True(t, p.Contains(1, 1))
	assert.True(t, p.Contains(9, 5))
	assert.False(t, p.Contains(5, 5))
	assert.False(t, p.Contains(11, 5))
	assert.False(t, p.Contains(-0.1, 5))
	assert.False(t, Polygon(nil).Contains(1, 1))

	// 凹多边形
	l := Polygon{{{0, 0}, {4, 0}, {4, 1}, {1, 1}, {1, 4}, {0, 4}, {0, 0}}}
	assert.True(t, l.Contains(0.5, 3))
	assert.False(t, l.Contains(3, 3))
}

func TestPolygonJSONAndBBox(t *testing.T) {
	p := Polygon{{{127.0, 37.4}, {127.1, 37.4}, {127.1, 37.6}, {127.0, 37.6}, {127.0, 37.4}}}

	parsed, err := ParsePolygon(p.JSON())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)

	box := p.BBox()
	assert.Equal(t, [4]float64{127.0, 37.4, 127.1, 37.6}, box)

	_, err = ParsePolygon(nil)
	assert.ErrorIs(t, err, ErrEmptyBoundary)
	_, err = ParsePolygon([]byte(`[[[1,2],[3,4]]]`))
	assert.ErrorIs(t, err, ErrEmptyBoundary)

	var r Region
	r.SetBoundary(p)
	assert.Equal(t, 37.4, r.MinLat)
	assert.Equal(t, 127.1, r.MaxLng)
	assert.InDelta(t, 37.5, r.CenterLat, 1e-9)
	assert.InDelta(t, 127.05, r.CenterLng, 1e-9)
}

func TestReasons(t *testing.T) {
	assert.True(t, IsEarnReason(EarnReasonReferral))
	assert.False(t, IsEarnReason(SpendReasonGift))
	assert.True(t, IsSpendReason(SpendReasonAdminDeduct))
	assert.False(t, IsSpendReason(EarnReasonEvent))

	assert.True(t, (&PointTransaction{Type: TransactionTypeRefunded}).IsCredit())
	assert.False(t, (&PointTransaction{Type: TransactionTypeExpired}).IsCredit())
}
