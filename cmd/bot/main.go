package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/yanowo/Backpack-Grid-Trading/internal/engine"
	"github.com/yanowo/Backpack-Grid-Trading/internal/exchange"
	"github.com/yanowo/Backpack-Grid-Trading/internal/storage"
	"github.com/yanowo/Backpack-Grid-Trading/internal/web"
	"github.com/yanowo/Backpack-Grid-Trading/pkg/logger"
)

// fileConfig 可选 YAML 配置文件（命令行参数优先）
type fileConfig struct {
	Symbol            string  `yaml:"symbol"`
	GridNum           int     `yaml:"grid_num"`
	UpperPrice        string  `yaml:"upper_price"`
	LowerPrice        string  `yaml:"lower_price"`
	AutoPriceRange    bool    `yaml:"auto_price_range"`
	PriceRangePercent float64 `yaml:"price_range_percent"`
	OrderQuantity     string  `yaml:"order_quantity"`
	MaxPosition       string  `yaml:"max_position"`
	DurationSec       int     `yaml:"duration_sec"`
	IntervalSec       int     `yaml:"interval_sec"`
	DBPath            string  `yaml:"db_path"`
	LogFile           string  `yaml:"log_file"`
	LogLevel          string  `yaml:"log_level"`
	WebAddr           string  `yaml:"web_addr"`
	WSProxy           string  `yaml:"ws_proxy"`
	BaseURL           string  `yaml:"base_url"`
	WSURL             string  `yaml:"ws_url"`
}

func main() {
	var (
		configPath   = flag.String("config", "", "YAML 配置文件路径（可选）")
		symbol       = flag.String("symbol", "", "交易对，例如 SOL_USDC")
		gridNum      = flag.Int("grid-num", 10, "网格数量")
		upperPrice   = flag.String("grid-upper", "", "网格上限价格")
		lowerPrice   = flag.String("grid-lower", "", "网格下限价格")
		autoRange    = flag.Bool("auto-range", false, "按当前价自动确定网格边界")
		rangePct     = flag.Float64("range-percent", 5, "自动边界的半径（百分比）")
		quantity     = flag.String("quantity", "", "每格下单数量（留空按余额自动计算）")
		maxPosition  = flag.String("max-position", "", "净持仓上限（基础资产）")
		durationSec  = flag.Int("duration", 0, "运行时长（秒，0 表示直到收到退出信号）")
		intervalSec  = flag.Int("interval", 10, "控制循环间隔（秒）")
		dbPath       = flag.String("db", "grid_trading.db", "sqlite 数据库路径")
		logFile      = flag.String("log-file", "", "日志文件路径（留空只输出到控制台）")
		logLevel     = flag.String("log-level", "info", "日志级别 (debug/info/warn/error)")
		webAddr      = flag.String("web", "", "状态服务监听地址，例如 127.0.0.1:8080（留空不启动）")
		wsProxy      = flag.String("ws-proxy", "", "WebSocket 代理地址")
	)
	flag.Parse()

	// .env 不存在时静默忽略
	_ = godotenv.Load()

	fc := fileConfig{}
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "读取配置文件失败: %v\n", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			fmt.Fprintf(os.Stderr, "解析配置文件失败: %v\n", err)
			os.Exit(1)
		}
	}

	// 命令行优先于配置文件
	pick := func(flagVal, fileVal string) string {
		if flagVal != "" {
			return flagVal
		}
		return fileVal
	}
	*symbol = pick(*symbol, fc.Symbol)
	*upperPrice = pick(*upperPrice, fc.UpperPrice)
	*lowerPrice = pick(*lowerPrice, fc.LowerPrice)
	*quantity = pick(*quantity, fc.OrderQuantity)
	*maxPosition = pick(*maxPosition, fc.MaxPosition)
	*dbPath = pick(*dbPath, fc.DBPath)
	*logFile = pick(*logFile, fc.LogFile)
	*webAddr = pick(*webAddr, fc.WebAddr)
	*wsProxy = pick(*wsProxy, fc.WSProxy)
	if fc.GridNum > 0 && *gridNum == 10 {
		*gridNum = fc.GridNum
	}
	if fc.AutoPriceRange {
		*autoRange = true
	}
	if fc.PriceRangePercent > 0 && *rangePct == 5 {
		*rangePct = fc.PriceRangePercent
	}
	if fc.DurationSec > 0 && *durationSec == 0 {
		*durationSec = fc.DurationSec
	}
	if fc.IntervalSec > 0 && *intervalSec == 10 {
		*intervalSec = fc.IntervalSec
	}
	if fc.LogLevel != "" && *logLevel == "info" {
		*logLevel = fc.LogLevel
	}

	if err := logger.Init(logger.Config{Level: *logLevel, OutputFile: *logFile}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	if *symbol == "" {
		logger.Error("缺少交易对参数 (--symbol)")
		os.Exit(1)
	}

	apiKey := os.Getenv("BACKPACK_API_KEY")
	secretKey := os.Getenv("BACKPACK_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.Error("缺少 API 密钥：请设置 BACKPACK_API_KEY 与 BACKPACK_SECRET_KEY")
		os.Exit(1)
	}

	signer, err := exchange.NewSigner(apiKey, secretKey)
	if err != nil {
		logger.Errorf("初始化签名器失败: %v", err)
		os.Exit(1)
	}

	cfg := engine.Config{
		Symbol:            *symbol,
		GridNum:           *gridNum,
		AutoPriceRange:    *autoRange,
		PriceRangePercent: decimal.NewFromFloat(*rangePct),
	}
	if err := parsePriceFlags(&cfg, *upperPrice, *lowerPrice, *quantity, *maxPosition); err != nil {
		logger.Errorf("参数无效: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := exchange.NewClient(fc.BaseURL, signer)

	store, err := storage.Open(*dbPath)
	if err != nil {
		logger.Errorf("打开数据库失败: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	newStream := func() engine.StreamClient {
		return exchange.NewStream(*symbol, signer, client, exchange.StreamOptions{
			WSURL:    fc.WSURL,
			ProxyURL: *wsProxy,
		})
	}

	eng, err := engine.New(ctx, cfg, client, store, newStream)
	if err != nil {
		logger.Errorf("创建引擎失败: %v", err)
		os.Exit(1)
	}

	var webServer *web.Server
	if *webAddr != "" {
		webServer = web.NewServer(eng, store, *symbol)
		webServer.Start(*webAddr)
	}

	if err := eng.InitializeGrid(ctx); err != nil {
		logger.Errorf("初始化网格失败: %v", err)
		os.Exit(1)
	}

	duration := time.Duration(*durationSec) * time.Second
	interval := time.Duration(*intervalSec) * time.Second
	if err := eng.RunFor(ctx, duration, interval); err != nil {
		logger.Errorf("控制循环退出: %v", err)
	}

	if webServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := webServer.Stop(shutdownCtx); err != nil {
			logger.Warnf("关闭状态服务失败: %v", err)
		}
	}
	logger.Info("程序已退出")
}

func parsePriceFlags(cfg *engine.Config, upper, lower, quantity, maxPosition string) error {
	var err error
	if upper != "" {
		if cfg.UpperPrice, err = decimal.NewFromString(upper); err != nil {
			return fmt.Errorf("网格上限无效: %w", err)
		}
	}
	if lower != "" {
		if cfg.LowerPrice, err = decimal.NewFromString(lower); err != nil {
			return fmt.Errorf("网格下限无效: %w", err)
		}
	}
	if quantity != "" {
		if cfg.OrderQuantity, err = decimal.NewFromString(quantity); err != nil {
			return fmt.Errorf("下单数量无效: %w", err)
		}
	}
	if maxPosition != "" {
		if cfg.MaxPosition, err = decimal.NewFromString(maxPosition); err != nil {
			return fmt.Errorf("持仓上限无效: %w", err)
		}
	}
	return nil
}
