// Package app assembles the stores, cache, publisher and services shared by
// every binary.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crowdfund/internal/config"
	"crowdfund/internal/effects"
	"crowdfund/internal/events"
	"crowdfund/internal/httpserver"
	"crowdfund/internal/repository"
	"crowdfund/internal/scheduler"
	"crowdfund/internal/service/campaign"
	"crowdfund/internal/service/escrow"
	"crowdfund/internal/service/notification"
	"crowdfund/internal/service/updaterequest"
	"crowdfund/pkg/cache"
	"crowdfund/pkg/db"
	"crowdfund/pkg/logger"
	"crowdfund/pkg/otel"
	"crowdfund/pkg/redis"
)

type Repositories struct {
	Campaigns      *repository.CampaignRepository
	Escrow         *repository.EscrowRepository
	UpdateRequests *repository.UpdateRequestRepository
	Notifications  *repository.NotificationRepository
	Users          *repository.UserRepository
	Events         *repository.EventRepository
}

type App struct {
	Config *config.Config
	Logger *zap.Logger
	Pool   *pgxpool.Pool
	Redis  *goredis.Client
	Cache  cache.Cache
	FX     *effects.Effects
	Repos  Repositories

	Campaigns      *campaign.Service
	Escrow         *escrow.Service
	UpdateRequests *updaterequest.Service
	Notifications  *notification.Service

	closers []func()
}

// New 连接 Postgres、Redis 和事件发布端，name 用作 OTel service name
func New(ctx context.Context, name string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logger.NewLogger(cfg.Log.Level).With(zap.String("service", name))
	a := &App{Config: cfg, Logger: log}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	shutdown, err := otel.Init(otel.Config{
		ServiceName: name,
		Endpoint:    cfg.Otel.Endpoint,
		Enabled:     cfg.Otel.Enabled,
	}, log)
	if err != nil {
		log.Warn("OpenTelemetry init failed, tracing disabled", zap.Error(err))
	} else {
		a.closers = append(a.closers, shutdown)
	}

	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init db: %w", err)
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)

	rdb, err := redis.Connect(ctx, cfg.Redis, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}
	a.Redis = rdb
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	a.Cache = cache.NewRedisCache(rdb)

	mode, err := events.ParseMode(cfg.Events.Mode)
	if err != nil {
		a.Close()
		return nil, err
	}
	pub, closePub, err := events.Open(mode, pool, cfg.MQ.URL, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closePub)

	a.FX = effects.New(a.Cache, pub, log, cfg.Cache.InvalidateTimeout())
	a.wire()
	return a, nil
}

func (a *App) wire() {
	ttl := a.Config.Cache.TTL()
	log := a.Logger

	a.Repos = Repositories{
		Campaigns:      repository.NewCampaignRepository(a.Pool, log),
		Escrow:         repository.NewEscrowRepository(a.Pool, log),
		UpdateRequests: repository.NewUpdateRequestRepository(a.Pool, log),
		Notifications:  repository.NewNotificationRepository(a.Pool),
		Users:          repository.NewUserRepository(a.Pool),
		Events:         repository.NewEventRepository(a.Pool),
	}

	a.Notifications = notification.New(a.Repos.Notifications, a.Repos.Users, a.FX, a.Cache, ttl, log.Named("notification"), nil)
	a.Campaigns = campaign.New(a.Repos.Campaigns, a.Notifications, a.FX, a.Cache, ttl, log.Named("campaign"), nil)
	a.Escrow = escrow.New(a.Repos.Campaigns, a.Repos.Escrow, a.Notifications, a.FX, a.Cache, ttl, log.Named("escrow"),
		escrow.WithVotingWindow(a.Config.Escrow.VotingWindow()),
	)
	a.UpdateRequests = updaterequest.New(a.Repos.Campaigns, a.Repos.UpdateRequests, a.Notifications, a.FX, a.Cache, ttl, log.Named("update_request"), nil)
}

// Scheduler 注册全部内置任务
func (a *App) Scheduler() *scheduler.Scheduler {
	s := scheduler.New(a.Logger.Named("scheduler"))
	scheduler.RegisterDefaults(s, scheduler.Deps{
		Escrow:       a.Escrow,
		Events:       a.Repos.Events,
		Users:        a.Repos.Users,
		CleanupAfter: a.Config.Users.CleanupUnverifiedAfter(),
		Logger:       a.Logger.Named("jobs"),
	})
	return s
}

// Serve 在后台启动健康检查服务，返回的函数负责优雅关闭
func (a *App) Serve(extra map[string]httpserver.Check) func() {
	checks := map[string]httpserver.Check{
		"db":    a.Pool.Ping,
		"redis": func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
	}
	for name, check := range extra {
		checks[name] = check
	}
	router := httpserver.NewRouter(a.Logger, checks)
	port := a.Config.Server.Port
	if port == "" {
		port = "8090"
	}
	srv := router.Server(port)

	go func() {
		a.Logger.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.Logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
}

// Close 等待异步副作用后按逆序释放资源
func (a *App) Close() {
	if a.FX != nil {
		a.FX.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
