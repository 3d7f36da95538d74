// Command comsrvd is the data-acquisition/dispatch daemon: it loads the
// channel/catalog configuration, starts one driver per enabled channel,
// runs the command ingress and rule engine, and serves the operator HTTP
// API, until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fieldmesh/comsrv/bus"
	"github.com/fieldmesh/comsrv/internal/api"
	"github.com/fieldmesh/comsrv/internal/catalog"
	"github.com/fieldmesh/comsrv/internal/config"
	"github.com/fieldmesh/comsrv/internal/driver"
	"github.com/fieldmesh/comsrv/internal/ingress"
	"github.com/fieldmesh/comsrv/internal/instance"
	"github.com/fieldmesh/comsrv/internal/logging"
	"github.com/fieldmesh/comsrv/internal/model"
	"github.com/fieldmesh/comsrv/internal/routing"
	"github.com/fieldmesh/comsrv/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to comsrv YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "comsrvd: loading config:", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log)
	comp := logging.Component(log, "comsrvd")

	store, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		comp.WithError(err).Fatal("opening catalog")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	routes := routing.New()
	writer := storage.NewWriter(storage.NewRedisConn(rdb), routes)

	msgBus := bus.NewBus(8)
	resolver := newChannelResolver()
	todoLister := ingress.NewRedisTodoLister(rdb)
	dispatcher := ingress.NewDispatcher(msgBus, todoLister, resolver, logging.Component(log, "ingress"))
	mailbox := ingress.NewMailbox(dispatcher)
	subscriber := ingress.NewSubscriber(rdb, dispatcher)

	mgr := instance.New(store, routes, writer, dispatcher, logging.Component(log, "instance"))
	if err := mgr.RefreshRouting(context.Background()); err != nil {
		comp.WithError(err).Warn("initial routing cache build")
	}
	rtdb := instance.NewRTDBAdapter(writer, store)

	apiServer := api.New(mgr, writer, logging.Component(log, "api"))
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: apiServer}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channels, err := cfg.ModelChannels()
	if err != nil {
		comp.WithError(err).Fatal("decoding channel configuration")
	}

	pollReqCh := make(chan driver.PollReq, len(channels))
	poller := driver.NewPoller(pollReqCh)
	triggers := make(map[uint16]chan struct{}, len(channels))
	drivers := make(map[uint16]*driver.Driver, len(channels))
	var todoKeys []string

	for i := range channels {
		ch := &channels[i]
		chLog := logging.Channel(log, cfg.Channels[i].Logging, ch.ID, string(ch.Protocol))
		if !ch.Enabled {
			chLog.Info("channel disabled, skipping")
			continue
		}

		points, err := store.ChannelPoints(ctx, ch.ID)
		if err != nil {
			chLog.WithError(err).Error("loading channel points, skipping channel")
			continue
		}
		for _, p := range points {
			ch.Points[p.PointID] = p
		}
		resolver.register(ch)
		for _, kind := range []model.Kind{model.KindControl, model.KindAdjust} {
			if len(ch.PointsByKind(kind)) > 0 {
				todoKeys = append(todoKeys, fmt.Sprintf("%d:%s:todo", ch.ID, kind))
			}
		}

		codec, err := newCodec(ch)
		if err != nil {
			chLog.WithError(err).Error("building protocol codec, skipping channel")
			continue
		}

		d := driver.New(ch, codec, storage.NewDriverSink(writer), mailbox, driver.ReconnectPolicy{})
		trigger := make(chan struct{}, 1)
		d.SetTrigger(trigger)
		triggers[ch.ID] = trigger
		drivers[ch.ID] = d

		interval := time.Duration(ch.Polling.IntervalMS) * time.Millisecond
		if interval <= 0 {
			interval = time.Second
		}
		poller.Upsert(ch.ID, interval, interval/4)
	}

	loadRuleDefinitions(ctx, cfg.Rules.DefinitionsDir, store, logging.Component(log, "rules"))

	go poller.Run(ctx)
	go dispatchPollRequests(ctx, pollReqCh, triggers)
	go subscriber.Run(ctx)
	if len(todoKeys) > 0 {
		go dispatcher.PollTodoQueues(ctx, todoKeys)
	}
	go runRules(ctx, store, rtdb, dispatcher, logging.Component(log, "rules"))

	for id, d := range drivers {
		if err := d.Start(ctx); err != nil {
			comp.WithError(err).WithField("channel_id", id).Error("starting driver")
		}
	}

	go func() {
		comp.WithField("addr", cfg.HTTP.Addr).Info("serving operator API")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			comp.WithError(err).Error("http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	comp.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	for _, d := range drivers {
		d.Stop()
	}
}

// dispatchPollRequests routes the shared Poller's channel-keyed firings to
// each driver's own trigger channel, dropping a firing a driver hasn't
// drained yet rather than blocking the scheduler on a slow channel.
func dispatchPollRequests(ctx context.Context, reqs <-chan driver.PollReq, triggers map[uint16]chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-reqs:
			if t, ok := triggers[req.ChannelID]; ok {
				select {
				case t <- struct{}{}:
				default:
				}
			}
		}
	}
}
