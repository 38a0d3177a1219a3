// 网格参数建议工具：按交易对与风险等级给出可直接使用的启动参数。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/yanowo/Backpack-Grid-Trading/internal/advisor"
	"github.com/yanowo/Backpack-Grid-Trading/internal/exchange"
	"github.com/yanowo/Backpack-Grid-Trading/pkg/logger"
	"github.com/yanowo/Backpack-Grid-Trading/pkg/marketmath"
)

func main() {
	var (
		symbol   = flag.String("symbol", "", "交易对，例如 SOL_USDC")
		risk     = flag.String("risk", "", "风险等级 (low/medium/high，留空自动推断)")
		feeRate  = flag.Float64("maker-fee", 0.001, "Maker 手续费率（小数）")
		quantity = flag.String("quantity", "", "每格下单数量（可选）")
		baseURL  = flag.String("base-url", "", "REST 地址（留空用默认）")
	)
	flag.Parse()

	_ = godotenv.Load()
	if err := logger.Init(logger.Config{Level: "warn"}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	if *symbol == "" {
		fmt.Fprintln(os.Stderr, "缺少交易对参数 (--symbol)")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 只读公共接口，不需要签名
	client := exchange.NewClient(*baseURL, nil)

	limits, err := client.GetMarketLimits(ctx, *symbol)
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取交易规则失败: %v\n", err)
		os.Exit(1)
	}
	ticker, err := client.GetTicker(ctx, *symbol)
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取行情失败: %v\n", err)
		os.Exit(1)
	}

	riskLevel := advisor.RiskLevel(*risk)
	if *risk == "" {
		riskLevel = advisor.RiskProfile(*symbol)
		fmt.Printf("自动推断风险等级: %s\n", riskLevel)
	}

	// 用最近 24 根小时线估算波动率，作为价格区间的依据
	var volatility float64
	if klines, err := client.GetKlines(ctx, *symbol, "1h", 24); err != nil {
		fmt.Fprintf(os.Stderr, "获取K线失败: %v，使用风险等级预设区间\n", err)
	} else {
		closes := make([]float64, 0, len(klines))
		for _, k := range klines {
			c, _ := k.Close.Float64()
			closes = append(closes, c)
		}
		volatility = marketmath.Volatility(closes, len(closes))
		if volatility > 0 {
			fmt.Printf("24 小时波动率: %.2f%%\n", volatility)
		}
	}

	var qty decimal.Decimal
	if *quantity != "" {
		if qty, err = decimal.NewFromString(*quantity); err != nil {
			fmt.Fprintf(os.Stderr, "下单数量无效: %v\n", err)
			os.Exit(1)
		}
	}

	suggestion, err := advisor.Suggest(advisor.Input{
		Symbol:        *symbol,
		CurrentPrice:  ticker.LastPrice,
		Volatility:    volatility,
		MakerFeeRate:  *feeRate,
		RiskLevel:     riskLevel,
		OrderQuantity: qty,
		Limits:        limits,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "计算参数失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(suggestion.Format(limits))

	cmd := fmt.Sprintf("bot --symbol %s --grid-upper %s --grid-lower %s --grid-num %d",
		suggestion.Symbol, suggestion.UpperPrice, suggestion.LowerPrice, suggestion.GridNum)
	if suggestion.OrderQuantity.IsPositive() {
		cmd += fmt.Sprintf(" --quantity %s", suggestion.OrderQuantity)
	}
	fmt.Println("=== 可直接使用的命令 ===")
	fmt.Println(cmd)
}
