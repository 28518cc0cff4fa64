// Package main запускает HTTP-сервер лотерейного сервиса.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/lottery-system/internal/config"
	"github.com/mmeshcher/lottery-system/internal/handler"
	"github.com/mmeshcher/lottery-system/internal/middleware"
	"github.com/mmeshcher/lottery-system/internal/notify"
	"github.com/mmeshcher/lottery-system/internal/repository"
	"github.com/mmeshcher/lottery-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var notifier *notify.Client
	if cfg.RealtimeAddress != "" {
		notifier = notify.NewClient(cfg.RealtimeAddress)
	}

	svc := service.NewService(repo, notifier, logger, []byte(cfg.TicketSealSecret), cfg.TicketPriceCents)
	defer svc.Close()

	// Учётная запись оператора находится один раз на старте: дальше
	// комиссии зачисляются по идентификатору, без сравнения логинов.
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := svc.ResolveAdmin(startCtx, cfg.AdminLogin); err != nil {
		startCancel()
		sugar.Fatalw("admin account resolution error", "error", err.Error())
	}
	startCancel()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting lottery server", "addr", cfg.RunAddress)
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
