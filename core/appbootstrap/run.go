package appbootstrap

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"riskdesk/api"
	"riskdesk/config"
	"riskdesk/core/housekeeping"
	"riskdesk/core/orm"
	"riskdesk/core/store"
	"riskdesk/core/utils"
)

const shutdownTimeout = 15 * time.Second

// Run wires the whole service together and blocks until SIGINT/SIGTERM.
func Run() error {
	logger := utils.NewLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("load config: %v", err)
		return err
	}

	mgr := store.NewManager(cfg.Incidents, logger)
	defer mgr.CloseAll()

	svc := orm.NewService(mgr, logger)
	server := api.NewServer(cfg, svc, logger)
	keeper := housekeeping.NewScheduler(cfg.Housekeeping, mgr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := keeper.StartWithContext(ctx); err != nil {
		logger.Errorf("start housekeeping: %v", err)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err = <-errCh:
		logger.Errorf("server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Errorf("server shutdown: %v", serr)
		if err == nil {
			err = serr
		}
	}
	if herr := keeper.StopWithContext(shutdownCtx); herr != nil {
		logger.Errorf("housekeeping shutdown: %v", herr)
		if err == nil {
			err = herr
		}
	}
	return err
}
