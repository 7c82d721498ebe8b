package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"trading-console/config"
	"trading-console/internal/api"
	"trading-console/internal/console"
	"trading-console/internal/execution"
	"trading-console/internal/gateway"
	"trading-console/internal/indengine"
	"trading-console/internal/logger"
	"trading-console/internal/markethours"
	"trading-console/internal/marketdata/agg"
	"trading-console/internal/marketdata/bus"
	"trading-console/internal/marketdata/feed"
	"trading-console/internal/marketdata/replay"
	"trading-console/internal/metrics"
	"trading-console/internal/model"
	"trading-console/internal/notification"
	"trading-console/internal/portfolio"
	storeredis "trading-console/internal/store/redis"
	"trading-console/internal/tradeflow"
)

func main() {
	cfgPath := flag.String("config", "console.yaml", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("[console] %v", err)
	}
	lg := logger.Init("console", logger.ParseLevel(cfg.LogLevel))
	lg.Info("starting", "symbol", cfg.Symbol, "timeframes", cfg.ParseTFs(), "session", markethours.StatusString(time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		lg.Info("shutdown requested")
		cancel()
	}()

	// ── metrics and health ──
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.New(reg)
	health := metrics.NewHealthStatus()
	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.NewServer(cfg.MetricsAddr, reg, health, lg)
		metricsSrv.Start()
	}

	// ── journal ──
	var journal *execution.Journal
	if cfg.JournalPath != "" {
		journal, err = execution.NewJournal(cfg.JournalPath, lg)
		if err != nil {
			log.Fatalf("[console] journal: %v", err)
		}
		defer journal.Close()
	}

	// ── notifiers ──
	notifiers := notification.Multi{notification.NewLogNotifier(lg)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL, cfg.Symbol, lg))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChat != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChat, lg))
	}

	// ── broker ──
	ack, fill := cfg.PaperDelays()
	paper := execution.NewPaperBroker(execution.PaperConfig{
		SlippageBps:        cfg.PaperSlippageBps,
		CommissionPerShare: cfg.PaperCommission,
		MinCommission:      cfg.PaperMinCommission,
		FillSlices:         cfg.PaperFillSlices,
		AckDelay:           ack,
		FillDelay:          fill,
	}, lg)
	defer paper.Close()
	health.SetBrokerConnected(true)

	// ── console ──
	ccfg := console.DefaultConfig(cfg.Symbol)
	ccfg.Location = cfg.Location()
	ccfg.MaxOrdersPerSecond = cfg.MaxOrdersPerSecond
	ccfg.OrderBurst = cfg.OrderBurst
	ccfg.Indicators = indengine.DefaultConfig()
	ccfg.Indicators.Capacity = cfg.BarCapacity
	ccfg.Indicators.Session = markethours.SessionKey
	ccfg.Indicators.Timeframes = nil
	for _, tf := range cfg.ParseTFs() {
		ccfg.Indicators.Timeframes = append(ccfg.Indicators.Timeframes, model.Timeframe(tf))
	}

	deps := console.Deps{
		Broker:   paper,
		Notifier: notifiers,
		Risk: &portfolio.RiskLimits{
			MaxPositionSize: cfg.MaxPosition,
			MaxDailyLoss:    decimal.NewFromFloat(cfg.MaxDailyLoss),
		},
		Health:  health,
		Metrics: prom,
		Logger:  lg,
	}
	if journal != nil {
		deps.Journal = journal
		deps.Recorder = journal
	}
	core, err := console.New(ccfg, deps)
	if err != nil {
		log.Fatalf("[console] %v", err)
	}
	for _, tf := range ccfg.Indicators.Timeframes {
		lg.Info("history request", "tf", tf.String(), "bar_size", tf.BarSize(), "duration", cfg.HistoryDuration(int(tf)))
	}

	// ── event fan-out: websocket hub and redis ──
	fan := bus.New[console.Event](1024)
	fan.OnDrop = func(name string) { prom.EventDropsTotal.WithLabelValues(name).Inc() }

	hub := gateway.NewHub(0, lg, prom)
	go hub.Run(ctx, fan.Subscribe("ws_hub"))
	go hub.StartStatusBroadcast(ctx, 30*time.Second)

	var publisher *storeredis.Publisher
	if cfg.RedisAddr != "" {
		rcfg := storeredis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, Prefix: cfg.RedisPrefix}
		rdb, err := storeredis.Connect(rcfg)
		if err != nil {
			lg.Warn("redis unavailable, publishing disabled", "err", err)
		} else {
			publisher = storeredis.NewPublisher(rdb, storeredis.NewCircuitBreaker(5, 30*time.Second), cfg.Symbol, rcfg, lg, prom)
			// Quotes are UI-only; keep them off the redis streams.
			go publisher.Run(ctx, fan.SubscribeFunc("redis", func(e console.Event) bool {
				return e.Kind != console.EventQuote
			}))
		}
	}

	health.StartLivenessChecker(ctx, redisClient(publisher), journalDB(journal), 15*time.Second)
	go fan.Run(ctx, core.Events())
	go fan.ReportStats(ctx, 5*time.Second, func(stats []bus.ChannelStat) {
		for _, st := range stats {
			prom.EventQueueFill.WithLabelValues(st.Name).Set(st.Fill())
		}
	})

	// ── trade flow ──
	flow := tradeflow.New(core, cfg.PositionSize, lg)
	flow.OnMessage(func(m tradeflow.Message) {
		fmt.Printf("[%s] %s\n", m.Level, m.Text)
	})

	// ── HTTP ──
	srv := api.NewServer(api.Deps{
		Core:              core,
		Journal:           apiJournal(journal),
		Flow:              flow,
		Hub:               hub,
		Health:            health,
		Gatherer:          reg,
		Logger:            lg,
		RequestsPerSecond: cfg.APIRateLimit,
		RequestBurst:      int(cfg.APIRateLimit) * 2,
	})
	srv.Start(cfg.HTTPAddr)

	// ── market data ──
	if cfg.ReplayFile != "" {
		go runReplay(ctx, cfg.ReplayFile, cfg.ReplaySpeed, core, lg)
	}
	if cfg.FeedURL != "" {
		client, err := feed.New(feed.Config{URL: cfg.FeedURL}, core, lg, prom)
		if err != nil {
			log.Fatalf("[console] %v", err)
		}
		if cfg.FeedAggregate {
			a := agg.New(ccfg.Indicators.Timeframes, cfg.Location(), core, lg)
			a.OnLateTrade = prom.LateTrades.Inc
			trades := make(chan agg.Trade, 4096)
			client.SetTradeSink(func(t agg.Trade) {
				select {
				case trades <- t:
				default:
					prom.LateTrades.Inc()
				}
			})
			go a.Run(ctx, trades)
		}
		client.OnConnect = func() { health.SetBrokerConnected(true) }
		client.OnReconnect = func() { health.SetBrokerConnected(false) }
		go func() {
			if err := client.Start(ctx); err != nil {
				lg.Error("feed stopped", "err", err)
			}
		}()
	}

	// ── operator input ──
	enter := make(chan struct{})
	go readEnter(ctx, enter, flow)
	go func() {
		if err := flow.Run(ctx, enter, 500*time.Millisecond); err != nil && !errors.Is(err, context.Canceled) {
			lg.Info("trade flow finished", "reason", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("api shutdown", "err", err)
	}
	core.Close()
	if publisher != nil {
		publisher.Close()
	}
	if metricsSrv != nil {
		metricsSrv.Stop(shutdownCtx)
	}
	lg.Info("stopped")
}

func redisClient(p *storeredis.Publisher) *goredis.Client {
	if p == nil {
		return nil
	}
	return p.Client()
}

func journalDB(j *execution.Journal) *sql.DB {
	if j == nil {
		return nil
	}
	return j.DB()
}

// apiJournal avoids handing the API a non-nil interface around a nil journal.
func apiJournal(j *execution.Journal) api.Journal {
	if j == nil {
		return nil
	}
	return j
}

// readEnter forwards each stdin line as an Enter press.
func readEnter(ctx context.Context, enter chan<- struct{}, flow *tradeflow.Flow) {
	fmt.Println(flow.Prompt())
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		select {
		case enter <- struct{}{}:
		case <-ctx.Done():
			return
		}
		fmt.Println(flow.Prompt())
	}
}

func runReplay(ctx context.Context, path string, speed float64, core *console.Console, lg *slog.Logger) {
	r, err := replay.Open(path, lg)
	if err != nil {
		lg.Error("replay open failed", "path", path, "err", err)
		return
	}
	stats, err := r.Run(ctx, core, speed)
	if ferr := core.Flush(); ferr != nil {
		lg.Warn("pending bars not closed", "err", ferr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("replay stopped", "err", err)
	}
	lg.Info("replay finished", "emitted", stats.Emitted, "duplicates", stats.Duplicates, "rejected", stats.Rejected)

	// Drive prompts off the last replayed close.
	if bars, err := core.Bars(model.TF10s); err == nil && len(bars) > 0 {
		last := bars[len(bars)-1].Close
		core.OnQuote(last-0.01, last+0.01)
		core.OnPriceTick(last)
	}
}
