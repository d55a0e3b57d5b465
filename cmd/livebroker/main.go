package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"bitstamp-broker/internal/alert"
	"bitstamp-broker/internal/broker"
	"bitstamp-broker/internal/config"
	"bitstamp-broker/internal/core"
	"bitstamp-broker/internal/engine"
	"bitstamp-broker/internal/exchange/bitstamp"
	"bitstamp-broker/internal/feed"
	"bitstamp-broker/internal/safety"
	"bitstamp-broker/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	alerts := buildAlertManager(cfg)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateDir := filepath.Join(cfg.State.Dir, string(cfg.Mode), cfg.InstanceID)
	st, err := store.New(stateDir)
	if err != nil {
		fatal(err.Error())
	}
	lock, err := store.AcquireInstanceLock(stateDir, cfg.InstanceID, store.LockOptions{
		Takeover:   cfg.State.LockTakeover == nil || *cfg.State.LockTakeover,
		StaleAfter: time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if err := lock.Release(); err != nil {
			fmt.Fprintf(os.Stderr, "release instance lock failed: %v\n", err)
		}
	}()

	client, err := bitstamp.NewClient(cfg.Exchange)
	if err != nil {
		fatal(err.Error())
	}
	breaker := safety.NewBreaker(cfg.CircuitBreaker)
	if alerts != nil {
		breaker.SetAlerter(alerts)
	}

	opts := broker.Options{
		PollInterval: time.Duration(cfg.Broker.PollIntervalMs) * time.Millisecond,
		QueueTimeout: time.Duration(cfg.Broker.QueueTimeoutMs) * time.Millisecond,
		Traits:       instrumentTraits(cfg),
	}
	if alerts != nil {
		opts.Alerter = alerts
	}
	b := broker.New(safety.NewGuardedExchange(client, breaker), opts)

	hub := feed.NewHub()
	defer hub.Close()
	b.Subscribe(logOrderEvent)
	if alerts != nil {
		b.Subscribe(alerts.OnOrderEvent)
	}
	if cfg.State.Journal == nil || *cfg.State.Journal {
		b.Subscribe(st.OnOrderEvent)
	}
	b.Subscribe(hub.OnOrderEvent)

	if cfg.Observability.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Observability.HTTPAddr,
			Handler:           newRouter(b, hub),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("level=INFO event=ops_http_listening addr=%q", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("level=ERROR event=ops_http_failed err=%q", err.Error())
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var alerter alert.Alerter
	if alerts != nil {
		alerter = alerts
	}
	runner := engine.LiveRunner{
		Broker:     b,
		Exchange:   client.Name(),
		Mode:       string(cfg.Mode),
		InstanceID: cfg.InstanceID,
		Heartbeat:  time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
		Store:      st,
		Alerts:     alerter,
	}
	if err := runner.Run(ctx); err != nil {
		fatal(err.Error())
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	return alert.NewManagerWithOptions(string(cfg.Mode), cfg.InstanceID, alert.NewTelegramNotifier(tg), alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
	})
}

func instrumentTraits(cfg config.Config) core.InstrumentTraits {
	if step := cfg.Broker.QtyStep.Or(decimal.Zero); step.IsPositive() {
		return core.StepTraits{Step: step}
	}
	return core.BTCTraits{}
}

func logOrderEvent(ev core.OrderEvent) {
	if ev.Execution != nil {
		log.Printf(
			"level=INFO event=order_event type=%s order_id=%d state=%s price=%s qty=%s fee=%s",
			ev.Type,
			ev.Order.ID,
			ev.Order.State,
			ev.Execution.Price,
			ev.Execution.Quantity,
			ev.Execution.Commission,
		)
		return
	}
	log.Printf("level=INFO event=order_event type=%s order_id=%d state=%s reason=%q", ev.Type, ev.Order.ID, ev.Order.State, ev.Reason)
}
