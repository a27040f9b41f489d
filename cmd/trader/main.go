package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/config"
	"tradecore/internal/data"
	"tradecore/internal/logger"
	"tradecore/internal/model"
	"tradecore/internal/node"
	"tradecore/internal/venue/sim"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config")
	envPath := flag.String("env", "", "Path to .env file (default: ./.env if present)")
	pyroscopeAddr := flag.String("pyroscope", "", "Pyroscope server address (empty=disabled)")
	paperSymbol := flag.String("paper-symbol", "BTCUSDT", "Instrument symbol for the sim venue")
	paperPx := flag.Float64("paper-px", 50000, "Starting quote price for the sim feed")
	paperInterval := flag.Duration("paper-interval", 500*time.Millisecond, "Sim quote interval (0=disable feed)")
	flag.Parse()

	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			log.Fatalf("load env file: %v", err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	zlog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if *pyroscopeAddr != "" {
		if _, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "tradecore.trader",
			ServerAddress:   *pyroscopeAddr,
		}); err != nil {
			zlog.Warn("pyroscope start failed", zap.Error(err))
		}
	}

	n, err := node.New(zlog, cfg)
	if err != nil {
		log.Fatalf("node construction failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Wire a simulated venue for every configured venue without a real
	// adapter; adapters for live venues register themselves here instead.
	instrument := model.InstrumentID{}
	for _, v := range cfg.Venues {
		client := sim.New(zlog.Named("sim."+v.Name), n.Bus(), sim.Config{Venue: v.Venue()})
		n.RegisterExecutionClient(client)
		n.RegisterDataClient(client)

		ins := model.InstrumentID{Symbol: *paperSymbol, Venue: v.Venue()}
		if instrument.IsZero() {
			instrument = ins
		}
		n.Cache().AddInstrument(&model.Instrument{
			ID:             ins,
			PricePrecision: 2,
			SizePrecision:  6,
			TsInit:         time.Now().UTC().UnixNano(),
		})
		if *paperInterval > 0 {
			go feedQuotes(ctx, client, ins, *paperPx, *paperInterval)
			if err := n.Data().Subscribe(ctx, data.Subscription{InstrumentID: ins, Kind: data.KindQuote}); err != nil {
				zlog.Warn("paper quote subscribe failed", zap.Error(err))
			}
		}
	}

	if err := n.Run(ctx); err != nil {
		log.Fatalf("node run failed: %v", err)
	}
}

// feedQuotes publishes a random-walk quote stream into the sim venue.
func feedQuotes(ctx context.Context, client *sim.Client, id model.InstrumentID, startPx float64, interval time.Duration) {
	px := startPx
	spread := startPx * 0.0002
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			px += (rand.Float64() - 0.5) * startPx * 0.001
			bid := decimal.NewFromFloat(px - spread/2).Round(2)
			ask := decimal.NewFromFloat(px + spread/2).Round(2)
			client.FeedQuote(model.QuoteTick{
				InstrumentID: id,
				BidPrice:     bid,
				AskPrice:     ask,
				BidSize:      decimal.NewFromInt(1),
				AskSize:      decimal.NewFromInt(1),
				TsEvent:      time.Now().UTC().UnixNano(),
			})
		}
	}
}
