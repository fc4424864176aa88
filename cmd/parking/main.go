// Package main запускает HTTP-сервер сервиса парковки.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ferdianto22/parking-system/internal/config"
	"github.com/Ferdianto22/parking-system/internal/handler"
	"github.com/Ferdianto22/parking-system/internal/jobs"
	"github.com/Ferdianto22/parking-system/internal/middleware"
	"github.com/Ferdianto22/parking-system/internal/notify"
	"github.com/Ferdianto22/parking-system/internal/postgrest"
	"github.com/Ferdianto22/parking-system/internal/queue"
	"github.com/Ferdianto22/parking-system/internal/repository"
	"github.com/Ferdianto22/parking-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	loc, err := cfg.Location()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Локальный хаб событий. При заданном REDIS_ADDR события расходятся
	// между экземплярами через Redis.
	hub := notify.NewHub()
	var events notify.Publisher = hub
	var relay *notify.RedisRelay
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()

		relay = notify.NewRedisRelay(client, hub, logger)
		events = relay
	}

	repo, listener, err := openStorage(cfg, logger, hub, events)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error(), "driver", cfg.StorageDriver)
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithLocation(loc),
		service.WithTimeout(cfg.GatewayTimeout),
	}

	if cfg.AMQPURL != "" {
		publisher, err := queue.NewPublisher(cfg.AMQPURL)
		if err != nil {
			sugar.Warnw("checkout events disabled", "error", err.Error())
		} else {
			defer publisher.Close()
			opts = append(opts, service.WithPublisher(publisher))
		}

		receipts := queue.NewReceiptLogger(cfg.AMQPURL, logger)
		g.Go(func() error {
			return receipts.Run(ctx)
		})
	}

	svc := service.NewService(repo, cfg.Tariffs(), opts...)
	defer svc.Close()

	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		created, err := svc.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword)
		if err != nil {
			sugar.Fatalw("admin bootstrap error", "error", err.Error())
		}
		if created {
			sugar.Infow("admin account created", "email", cfg.AdminEmail)
		}
	}

	scheduler := jobs.NewScheduler(logger)
	if err := scheduler.AddReconcile(cfg.ReconcileSchedule, svc); err != nil {
		sugar.Fatalw("scheduler configuration error", "error", err.Error())
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, changeSource(cfg.StorageDriver, hub, cfg.PollInterval))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if listener != nil {
		// Один LISTEN на процесс, панели подписываются на хаб.
		g.Go(func() error {
			return listener.Run(ctx)
		})
	}

	if relay != nil {
		// Без Redis экземпляр продолжает работать с локальными событиями.
		g.Go(func() error {
			if err := relay.Run(ctx); err != nil {
				sugar.Warnw("redis relay stopped", "error", err.Error())
			}
			return nil
		})
	}

	// Периодическая сверка незавершённых выездов
	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting parking server", "addr", cfg.RunAddress, "driver", cfg.StorageDriver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// openStorage выбирает хранилище по конфигурации. Для PostgreSQL также
// возвращается слушатель уведомлений, который пишет в hub.
func openStorage(cfg *config.Config, logger *zap.Logger, hub *notify.Hub, events notify.Publisher) (service.Repository, *notify.PGListener, error) {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			return nil, nil, err
		}
		// Изменения приходят из триггеров через LISTEN/NOTIFY.
		return repo, notify.NewPGListener(repo.Pool(), hub, logger), nil
	case config.DriverPostgREST:
		return postgrest.NewClient(cfg.PostgRESTURL, cfg.PostgRESTAPIKey, logger, events), nil, nil
	case config.DriverMemory:
		return repository.NewMemoryRepository(events), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// changeSource возвращает поток изменений для панели администратора.
// В PostgREST пишут и другие клиенты в обход процесса, а собственных
// уведомлений у него нет, поэтому к хабу добавляется опрос.
func changeSource(driver string, hub *notify.Hub, poll time.Duration) notify.Source {
	if driver == config.DriverPostgREST {
		return notify.Merge(hub, notify.NewPoller(poll))
	}
	return hub
}
