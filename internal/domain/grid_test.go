package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// TestComputeLevels 验证网格几何：gridNum+1 个价位、严格递增、覆盖上下界
func TestComputeLevels(t *testing.T) {
	tick := d("0.01")
	levels, err := ComputeLevels(d("90"), d("110"), 10, tick)
	if err != nil {
		t.Fatalf("ComputeLevels 失败: %v", err)
	}
	if len(levels) != 11 {
		t.Fatalf("价位数量 = %d，期望 11", len(levels))
	}
	// 90.00 -> 9000 ticks, 间距 2.00 -> 200 ticks
	for i, lv := range levels {
		want := int64(9000 + 200*i)
		if lv != want {
			t.Errorf("levels[%d] = %d，期望 %d", i, lv, want)
		}
	}
	for i := 1; i < len(levels); i++ {
		if levels[i] <= levels[i-1] {
			t.Errorf("价位未严格递增: levels[%d]=%d levels[%d]=%d", i-1, levels[i-1], i, levels[i])
		}
	}
}

// TestComputeLevelsTooNarrow 网格间距小于一个 tick 时必须报错
func TestComputeLevelsTooNarrow(t *testing.T) {
	if _, err := ComputeLevels(d("100.00"), d("100.05"), 10, d("0.01")); err == nil {
		t.Error("间距小于 tick 时应返回错误")
	}
	if _, err := ComputeLevels(d("110"), d("90"), 10, d("0.01")); err == nil {
		t.Error("上界低于下界时应返回错误")
	}
	if _, err := ComputeLevels(d("90"), d("110"), 0, d("0.01")); err == nil {
		t.Error("网格数为 0 时应返回错误")
	}
}

// TestNextAboveBelow 验证相邻价位查找
func TestNextAboveBelow(t *testing.T) {
	levels := []int64{9000, 9200, 9400, 9600}

	if got, ok := NextAbove(levels, 9200); !ok || got != 9400 {
		t.Errorf("NextAbove(9200) = (%d, %v)，期望 (9400, true)", got, ok)
	}
	if _, ok := NextAbove(levels, 9600); ok {
		t.Error("最高价位之上不应存在下一价位")
	}
	if got, ok := NextBelow(levels, 9200); !ok || got != 9000 {
		t.Errorf("NextBelow(9200) = (%d, %v)，期望 (9000, true)", got, ok)
	}
	if _, ok := NextBelow(levels, 9000); ok {
		t.Error("最低价位之下不应存在下一价位")
	}
	// 不在网格上的价格
	if got, ok := NextAbove(levels, 9100); !ok || got != 9200 {
		t.Errorf("NextAbove(9100) = (%d, %v)，期望 (9200, true)", got, ok)
	}
}

// TestNearestLevel 验证历史成交对齐到最近网格价位
func TestNearestLevel(t *testing.T) {
	levels := []int64{9000, 9200, 9400}
	cases := []struct {
		in, want int64
	}{
		{9050, 9000},
		{9150, 9200},
		{8000, 9000},
		{9999, 9400},
		{9200, 9200},
	}
	for _, c := range cases {
		if got, ok := NearestLevel(levels, c.in); !ok || got != c.want {
			t.Errorf("NearestLevel(%d) = %d，期望 %d", c.in, got, c.want)
		}
	}
	if _, ok := NearestLevel(nil, 9000); ok {
		t.Error("空价位表不应返回结果")
	}
}
