package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	mqcontracts "crowdfund/contracts/mq"
	"crowdfund/internal/app"
	"crowdfund/internal/events"
	"crowdfund/internal/httpserver"
	"crowdfund/internal/mqhandler"
	"crowdfund/internal/realtime"
	"crowdfund/pkg/circuitbreaker"
	"crowdfund/pkg/mq"
	"crowdfund/pkg/outbox"
	"crowdfund/pkg/util"
)

type binding struct {
	queue      string
	routingKey string
	handle     mq.MessageHandler
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, "crowdfund-fanout")
	if err != nil {
		zap.NewExample().Fatal("Failed to start fanout", zap.Error(err))
	}
	defer a.Close()
	log := a.Logger
	cfg := a.Config

	// 死信和 outbox 转发共用一个发布连接
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	stopHTTP := a.Serve(map[string]httpserver.Check{"mq": publisher.Ping})
	defer stopHTTP()

	breaker := circuitbreaker.DefaultConfig("realtime")
	if cfg.Breaker.FailureThreshold > 0 {
		breaker.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	if cfg.Breaker.TimeoutSeconds > 0 {
		breaker.Timeout = time.Duration(cfg.Breaker.TimeoutSeconds) * time.Second
	}
	hub := realtime.NewHub(a.Redis, breaker, log.Named("realtime"))
	deduper := util.NewDeduper(a.Redis, cfg.Cache.DedupeTTL(), log)
	retries := util.NewRetryCounter(a.Redis, time.Hour)

	bindings := []binding{
		{
			queue:      "fanout.notification_created.q",
			routingKey: mqcontracts.NotificationCreated,
			handle:     mqhandler.NewNotificationCreatedHandler(a.Notifications, deduper, a.Cache, hub, log).Handle,
		},
		{
			queue:      "fanout.campaign_public.q",
			routingKey: mqcontracts.CampaignPublic,
			handle:     mqhandler.NewCampaignPublicHandler(hub, log).Handle,
		},
		{
			queue:      "fanout.donation_received.q",
			routingKey: mqcontracts.DonationReceived,
			handle: mqhandler.NewDonationReceivedHandler(
				a.Repos.Campaigns, a.Escrow, a.Notifications, deduper, a.Cache, hub, log,
			).Handle,
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range bindings {
		consumer, err := mq.NewConsumer(cfg.MQ.URL, b.queue, []string{b.routingKey}, log)
		if err != nil {
			log.Fatal("Failed to init consumer", zap.String("queue", b.queue), zap.Error(err))
		}
		defer consumer.Close()
		consumer.Handle(b.routingKey, b.handle)
		consumer.WithDLQ(publisher).WithRetryCounter(retries, cfg.Events.ConsumerRetries)

		g.Go(func() error { return consumer.Run(gctx) })
	}

	if mode, _ := events.ParseMode(cfg.Events.Mode); mode == events.ModeOutbox {
		dispatcher := outbox.NewDispatcher(outbox.NewRepository(a.Pool), publisher, log.Named("outbox")).
			WithInterval(cfg.Events.OutboxInterval()).
			WithBatchSize(cfg.Events.OutboxBatchSize).
			WithMaxRetries(cfg.Events.OutboxMaxRetries)
		g.Go(func() error {
			dispatcher.Start(gctx)
			return nil
		})
	}

	log.Info("Fanout is fully initialized and running", zap.Int("consumers", len(bindings)))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error("Fanout stopped with error", zap.Error(err))
	}
	log.Info("Fanout shutdown complete")
}
