package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/api/middleware"
	v1 "github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/api/v1"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/auth"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/config"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/mpesa"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/notify"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/realtime"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/service"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/worker"
)

// setup loads and validates configuration and initializes the logger.
func setup(configPath string) (*config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	closer, err := utils.InitLogger(utils.LoggerConfig{
		Env:        cfg.Server.Env,
		Service:    serviceName,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, func() { _ = closer.Close() }, nil
}

func runServe(parent context.Context, configPath string) error {
	cfg, closeLog, err := setup(configPath)
	if err != nil {
		return err
	}
	defer closeLog()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsCollector := utils.NewMetricsCollector()

	shutdownTracer, err := utils.InitTracer(ctx, serviceName, Version, cfg.OTel.Endpoint)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer()

	connectCtx, cancelConnect := context.WithTimeout(ctx, 30*time.Second)
	defer cancelConnect()

	db, err := repository.Connect(connectCtx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := repository.RunMigrations(connectCtx, db.Pool, repository.Migrations()); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(connectCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	utils.Info("connected to Redis", "addr", cfg.Redis.Addr)
	redisClient := repository.NewRedisClientFrom(rdb)

	repos := repository.New(db.Pool)
	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	opts := service.Options{
		LimitMultiplier: cfg.Loans.LimitMultiplier,
		MaxActiveLoans:  cfg.Loans.MaxActiveLoans,
		PublicBaseURL:   strings.TrimRight(cfg.Server.BaseURL, "/"),
		CallbackBaseURL: strings.TrimRight(cfg.Mpesa.CallbackBaseURL, "/"),
		CallbackToken:   cfg.Mpesa.CallbackToken,
	}
	if cfg.Mpesa.CallbackToken == "" {
		utils.Warn("mpesa.callback_token is empty, all M-Pesa callbacks will be rejected")
	}

	gateway := mpesa.NewClient(mpesa.Config{
		BaseURL:            cfg.Mpesa.BaseURL(),
		ConsumerKey:        cfg.Mpesa.ConsumerKey,
		ConsumerSecret:     cfg.Mpesa.ConsumerSecret,
		ShortCode:          cfg.Mpesa.ShortCode,
		B2CShortCode:       cfg.Mpesa.B2CShortCode,
		Passkey:            cfg.Mpesa.Passkey,
		InitiatorName:      cfg.Mpesa.InitiatorName,
		SecurityCredential: cfg.Mpesa.SecurityCredential,
		Timeout:            cfg.Mpesa.Timeout,
	}, metricsCollector)
	mailer := notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
	sms := notify.NewSMSGateway(notify.SMSConfig{
		BaseURL:  cfg.SMS.BaseURL,
		APIKey:   cfg.SMS.APIKey,
		Username: cfg.SMS.Username,
		SenderID: cfg.SMS.SenderID,
	})

	// Services are built before the pool exists; queues are set once the
	// handlers are registered.
	cacheSvc := service.NewCacheService(redisClient)
	eventSvc := service.NewEventService(repos.Events)
	notificationSvc := service.NewNotificationService(repos, realtime.NewRedisHub(rdb), nil, mailer, sms, metricsCollector)
	loanSvc := service.NewLoanService(repos, eventSvc, notificationSvc, nil, jwtManager, metricsCollector, opts)
	grantSvc := service.NewGrantService(repos, eventSvc, notificationSvc, nil, metricsCollector)
	deductionSvc := service.NewDeductionService(repos, eventSvc, notificationSvc, metricsCollector)
	paymentSvc := service.NewPaymentService(repos, eventSvc, notificationSvc, gateway, cacheSvc, metricsCollector, opts)
	userSvc := service.NewUserService(repos)
	userSvc.SetCacheService(cacheSvc)

	services := &service.Services{
		Auth:         service.NewAuthService(repos, jwtManager, eventSvc, cacheSvc),
		User:         userSvc,
		LoanType:     service.NewLoanTypeService(repos, cacheSvc),
		Loan:         loanSvc,
		Guarantor:    service.NewGuarantorService(repos, eventSvc, notificationSvc, jwtManager, metricsCollector),
		Grant:        grantSvc,
		Deduction:    deductionSvc,
		Payment:      paymentSvc,
		Notification: notificationSvc,
		Audit:        service.NewAuditService(repos.Audit),
		Event:        eventSvc,
		Cache:        cacheSvc,
	}

	pool := worker.NewPool(worker.Config{
		QueueSize:   cfg.Workers.QueueSize,
		MaxAttempts: cfg.Workers.MaxAttempts,
	}, metricsCollector)
	pool.Handle(worker.JobSendEmail, worker.SendHandler(notificationSvc))
	pool.Handle(worker.JobSendSMS, worker.SendHandler(notificationSvc))
	pool.Handle(worker.JobB2CDisburse, worker.DisburseHandler(paymentSvc))
	notificationSvc.SetQueue(pool)
	loanSvc.SetQueue(pool)
	grantSvc.SetQueue(pool)

	deductionWorker := worker.NewDeductionWorker(deductionSvc, cacheSvc, worker.DeductionConfig{
		PayrollDay: cfg.Workers.PayrollDay,
		GraceDays:  cfg.Loans.GraceDays,
	})
	reconcileWorker := worker.NewReconcileWorker(paymentSvc, cacheSvc, cfg.Workers.STKStaleAfter)

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", v1.HealthHandler(
		v1.HealthCheck{Name: "database", Check: db.Health},
		v1.HealthCheck{Name: "redis", Check: cacheSvc.Health},
	))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/metrics/basic", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"metrics": metricsCollector.GetMetrics(),
			"workers": pool.GetStats(),
		})
	})
	mux.HandleFunc("GET /api/v1/metrics/circuit-breakers", middleware.CircuitBreakerMetricsHandler)
	v1.NewRouter(services, jwtManager, v1.DefaultRateLimits, v1.CallbackAuth{
		Token:      cfg.Mpesa.CallbackToken,
		AllowedIPs: cfg.Mpesa.CallbackAllowList(),
	}).RegisterRoutes(mux)

	server := &http.Server{
		Addr: cfg.GetAddr(),
		Handler: middleware.Chain(mux,
			middleware.RecoveryMiddleware,
			middleware.CORSMiddleware(strings.Split(cfg.Server.AllowedOrigins, ",")),
			middleware.LoggingMiddleware,
			middleware.TracingMiddleware(serviceName),
			middleware.MetricsMiddleware(metricsCollector),
		),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	pool.Start(cfg.Workers.PoolSize)
	deductionWorker.Start(cfg.Workers.DeductionInterval)
	reconcileWorker.Start(cfg.Workers.ReconcileInterval)

	serverErr := make(chan error, 1)
	go func() {
		utils.Info("server starting",
			slog.String("addr", cfg.GetAddr()),
			slog.String("env", cfg.Server.Env),
			slog.String("version", Version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		utils.Info("shutting down server")
	case err := <-serverErr:
		if err != nil {
			utils.Error("server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		utils.Error("server forced to shutdown", slog.String("error", err.Error()))
	}
	if err := deductionWorker.Stop(shutdownCtx); err != nil {
		utils.Error("deduction worker shutdown error", slog.String("error", err.Error()))
	}
	if err := reconcileWorker.Stop(shutdownCtx); err != nil {
		utils.Error("reconcile worker shutdown error", slog.String("error", err.Error()))
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		utils.Error("worker pool shutdown error", slog.String("error", err.Error()))
	}

	utils.Info("server stopped gracefully")
	return nil
}
