package marketmath

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

// TestRoundToTick 测试 tickSize 取整
func TestRoundToTick(t *testing.T) {
	cases := []struct {
		price, tick, want string
	}{
		{"100.123", "0.01", "100.12"},
		{"100.127", "0.01", "100.13"},
		{"95.0", "0.1", "95"},
		{"99.96", "0.05", "99.95"},
		{"0.000123", "0.0001", "0.0001"},
	}
	for _, c := range cases {
		got := RoundToTick(d(c.price), d(c.tick))
		if !got.Equal(d(c.want)) {
			t.Errorf("RoundToTick(%s, %s) = %s，期望 %s", c.price, c.tick, got, c.want)
		}
	}
}

// TestFloorToPrecision 测试数量向下取整（不允许放大数量）
func TestFloorToPrecision(t *testing.T) {
	cases := []struct {
		value string
		prec  int32
		want  string
	}{
		{"1.23456789", 2, "1.23"},
		{"1.999", 2, "1.99"},
		{"0.0009", 3, "0"},
		{"5", 0, "5"},
	}
	for _, c := range cases {
		got := FloorToPrecision(d(c.value), c.prec)
		if !got.Equal(d(c.want)) {
			t.Errorf("FloorToPrecision(%s, %d) = %s，期望 %s", c.value, c.prec, got, c.want)
		}
	}
}

// TestPriceTicksRoundTrip 测试价格与 tick 计数的往返转换
func TestPriceTicksRoundTrip(t *testing.T) {
	tick := d("0.01")
	for _, p := range []string{"100.00", "99.99", "0.01", "12345.67"} {
		ticks := PriceToTicks(d(p), tick)
		back := TicksToPrice(ticks, tick)
		if !back.Equal(d(p)) {
			t.Errorf("往返转换失败: %s -> %d -> %s", p, ticks, back)
		}
	}

	// 相邻 tick 必须映射到不同的 key
	if PriceToTicks(d("100.00"), tick) == PriceToTicks(d("100.01"), tick) {
		t.Error("相邻 tick 价格映射到了相同的 tick 计数")
	}
}

// TestVolatility 测试波动率计算
func TestVolatility(t *testing.T) {
	// 恒定价格 -> 波动率为 0
	flat := []float64{100, 100, 100, 100, 100}
	if v := Volatility(flat, 5); v != 0 {
		t.Errorf("恒定价格的波动率应为 0，实际为 %f", v)
	}

	// 数据不足 -> 0
	if v := Volatility([]float64{100, 101}, 20); v != 0 {
		t.Errorf("数据不足时波动率应为 0，实际为 %f", v)
	}

	// 有波动的序列 -> 正值
	moving := []float64{100, 102, 99, 103, 98, 104}
	if v := Volatility(moving, 6); v <= 0 {
		t.Errorf("波动序列的波动率应大于 0，实际为 %f", v)
	}
}
