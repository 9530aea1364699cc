package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver для goose
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	platformlogging "github.com/shestoi/GoMarket/platform/logging"
	platformshutdown "github.com/shestoi/GoMarket/platform/shutdown"

	httpapi "github.com/shestoi/GoMarket/internal/api/http"
	"github.com/shestoi/GoMarket/internal/config"
	eventkafka "github.com/shestoi/GoMarket/internal/event/kafka"
	"github.com/shestoi/GoMarket/internal/repository/postgres"
	"github.com/shestoi/GoMarket/internal/service"
	"github.com/shestoi/GoMarket/migrations"
)

// App содержит все зависимости для запуска и корректного shutdown Stock Service
type App struct {
	logger      *zap.Logger
	httpServer  *http.Server
	consumer    *eventkafka.PaymentResultConsumer
	sweeper     *service.ReservationSweeper
	shutdownMgr *platformshutdown.Manager
	readiness   func() bool
	bgCtx       context.Context
	cancelBg    context.CancelFunc
	wg          sync.WaitGroup
}

// Build создаёт и настраивает все зависимости Stock Service
func Build(cfg config.Config) (*App, error) {
	const op = "app.Build"

	logger, err := platformlogging.New(platformlogging.Config{
		ServiceName: "stock",
		Env:         string(cfg.AppEnv),
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("op", op))
	logger.Info("Building Stock service",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("postgres_dsn", cfg.MaskedDSN()),
	)

	// Подключаемся к PostgreSQL
	logger.Info("Connecting to PostgreSQL")
	pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL connection established")

	// Применяем миграции из встроенной FS
	logger.Info("Applying database migrations")
	goose.SetBaseFS(migrations.FS)
	db, err := goose.OpenDBWithDriver("pgx", cfg.PostgresDSN)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := goose.Up(db, "."); err != nil {
		db.Close()
		pool.Close()
		return nil, err
	}
	db.Close()
	logger.Info("Database migrations applied successfully")

	// Функция readiness для health check
	readiness := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pool.Ping(ctx) == nil
	}
	readiness() // Первая проверка
	logger.Info("Readiness check enabled")

	// Репозитории
	stockRepo := postgres.NewStockRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)

	// Low-stock алерты: publisher в Kafka + frequency gate
	alertPublisher := eventkafka.NewLowStockAlertPublisher(logger, cfg.KafkaBrokers, cfg.KafkaAlertTopic)
	alerter := service.NewLowStockAlerter(logger, alertPublisher, service.NewMemoryProcessedKeysStore(), cfg.AlertFrequency)

	// Service слой
	inventoryService := service.NewInventoryService(logger, stockRepo, alerter)
	orderInventory := service.NewOrderInventoryService(logger, inventoryService)
	orderService := service.NewOrderService(logger, orderRepo, orderInventory, cfg.ReservationTTL)

	// Consumer событий результата оплаты
	consumer := eventkafka.NewPaymentResultConsumer(
		logger,
		cfg.KafkaBrokers,
		cfg.KafkaPaymentGroupID,
		cfg.KafkaPaymentTopic,
		orderService,
		service.NewMemoryProcessedKeysStore(),
		24*time.Hour,
		3,
		1*time.Second,
	)

	// Sweeper истёкших резерваций
	sweeper := service.NewReservationSweeper(logger, orderRepo, orderService, cfg.SweepInterval, cfg.SweepBatchSize)

	// HTTP surface
	handler := httpapi.NewHandler(logger, inventoryService, orderService)
	router := httpapi.NewRouter(handler, readiness)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Контекст фоновых worker'ов (consumer, sweeper): отменяется при shutdown
	bgCtx, cancelBg := context.WithCancel(context.Background())

	// Регистрируем shutdown функции: выполняются в обратном порядке,
	// поэтому сначала останавливается HTTP, потом фоновые worker'ы,
	// в конце закрывается пул
	shutdownMgr := platformshutdown.New(cfg.ShutdownTimeout, logger)
	shutdownMgr.Add("postgres_pool", platformshutdown.ClosePool(pool))
	shutdownMgr.Add("alert_publisher", platformshutdown.CloseWithError(alertPublisher))
	shutdownMgr.Add("payment_consumer", platformshutdown.CloseWithError(consumer))
	shutdownMgr.Add("background_workers", func(ctx context.Context) error {
		cancelBg()
		return nil
	})
	shutdownMgr.Add("http_server", platformshutdown.ShutdownHTTPServer(httpServer))

	return &App{
		logger:      logger,
		httpServer:  httpServer,
		consumer:    consumer,
		sweeper:     sweeper,
		shutdownMgr: shutdownMgr,
		readiness:   readiness,
		bgCtx:       bgCtx,
		cancelBg:    cancelBg,
	}, nil
}

// Run запускает сервис и блокируется до получения сигнала shutdown
func (a *App) Run() error {
	defer platformlogging.Sync(a.logger)

	a.logger.Info("Starting Stock service", zap.String("addr", a.httpServer.Addr))
	a.logger.Info("Health check available", zap.String("url", "http://"+a.httpServer.Addr+"/health"))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.consumer.Start(a.bgCtx); err != nil {
			a.logger.Error("Payment consumer error", zap.Error(err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.sweeper.Start(a.bgCtx); err != nil {
			a.logger.Error("Reservation sweeper error", zap.Error(err))
		}
	}()

	// Ожидаем сигнал и выполняем shutdown
	a.shutdownMgr.Wait()

	a.wg.Wait()
	a.logger.Info("Stock service stopped")
	return nil
}
