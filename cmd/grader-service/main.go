package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	"codegrader/internal/common/metrics"
	"codegrader/internal/common/mq"
	"codegrader/internal/common/storage"
	"codegrader/internal/grader/controller"
	"codegrader/internal/grader/execution"
	"codegrader/internal/grader/queue"
	"codegrader/internal/grader/repository"
	"codegrader/internal/grader/service"
	"codegrader/internal/grader/testcase"
	"codegrader/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grader_service.yaml"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "grader-service",
		Short:        "Code grading pipeline: run, submission and persistence workers",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and every queue worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(configPath, serve)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the submission tables if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(configPath, migrate)
		},
	})
	return root
}

func runWithConfig(path string, fn func(ctx context.Context, cfg *AppConfig) error) error {
	appCfg, err := loadAppConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return err
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, appCfg)
}

func migrate(ctx context.Context, appCfg *AppConfig) error {
	sqlDB, err := db.Open(ctx, appCfg.Database)
	if err != nil {
		logger.Error(ctx, "init database failed", zap.Error(err))
		return err
	}
	defer func() {
		_ = sqlDB.Close()
	}()
	if err := repository.NewSubmissionRepository(sqlDB).EnsureSchema(ctx); err != nil {
		logger.Error(ctx, "ensure schema failed", zap.Error(err))
		return err
	}
	logger.Info(ctx, "schema ready", zap.String("driver", appCfg.Database.Driver))
	return nil
}

func serve(ctx context.Context, appCfg *AppConfig) error {
	m := metrics.New()

	sqlDB, err := db.Open(ctx, appCfg.Database)
	if err != nil {
		logger.Error(ctx, "init database failed", zap.Error(err))
		return err
	}
	defer func() {
		_ = sqlDB.Close()
	}()

	redisClient, err := cache.NewRedisClient(&appCfg.Redis)
	if err != nil {
		logger.Error(ctx, "init redis failed", zap.Error(err))
		return err
	}
	redisCache, err := cache.NewRedisCacheWithClient(redisClient)
	if err != nil {
		logger.Error(ctx, "init redis cache failed", zap.Error(err))
		return err
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(ctx, "init minio failed", zap.Error(err))
		return err
	}

	mqClient, err := newMessageQueue(appCfg.Queue, redisClient)
	if err != nil {
		logger.Error(ctx, "init queue backend failed", zap.String("backend", appCfg.Queue.Backend), zap.Error(err))
		return err
	}
	defer func() {
		_ = mqClient.Close()
	}()

	ledger := queue.NewRedisLedger(redisCache)
	broker, err := queue.NewBroker(queue.BrokerConfig{
		MQ:            mqClient,
		Ledger:        ledger,
		Metrics:       m,
		Options:       appCfg.Queue.Options,
		MaxRetryDelay: appCfg.Queue.MaxRetryDelay,
	})
	if err != nil {
		logger.Error(ctx, "init broker failed", zap.Error(err))
		return err
	}

	clientCfg := appCfg.Judge0.toClientConfig()
	clientCfg.Metrics = m
	executor, err := execution.NewClient(clientCfg)
	if err != nil {
		logger.Error(ctx, "init execution client failed", zap.Error(err))
		return err
	}

	statusRepo := repository.NewStatusRepository(redisCache, m)
	submissionRepo := repository.NewSubmissionRepository(sqlDB)
	problemRepo := repository.NewProblemRepository(sqlDB)

	loader, err := testcase.NewLoader(testcase.Config{
		Problems:       problemRepo,
		Storage:        objStorage,
		Bucket:         appCfg.MinIO.Bucket,
		Cache:          redisCache,
		TTL:            appCfg.TestCases.TTL,
		EmptyTTL:       appCfg.TestCases.EmptyTTL,
		FetchWorkers:   appCfg.TestCases.FetchWorkers,
		MaxObjectBytes: appCfg.TestCases.MaxObjectBytes,
	})
	if err != nil {
		logger.Error(ctx, "init test case loader failed", zap.Error(err))
		return err
	}

	runWorker, err := service.NewRunWorker(service.RunWorkerConfig{
		Status:    statusRepo,
		Executor:  executor,
		StatusTTL: appCfg.Grader.StatusTTL,
	})
	if err != nil {
		logger.Error(ctx, "init run worker failed", zap.Error(err))
		return err
	}
	submissionWorker, err := service.NewSubmissionWorker(service.SubmissionWorkerConfig{
		Status:         statusRepo,
		Executor:       executor,
		Queue:          broker,
		StatusTTL:      appCfg.Grader.StatusTTL,
		BatchSize:      appCfg.Grader.BatchSize,
		BatchesPerWave: appCfg.Grader.BatchesPerWave,
	})
	if err != nil {
		logger.Error(ctx, "init submission worker failed", zap.Error(err))
		return err
	}
	persistWorker, err := service.NewPersistWorker(service.PersistWorkerConfig{
		Status:      statusRepo,
		Submissions: submissionRepo,
		Problems:    problemRepo,
		Retry:       service.RetryPolicy{Attempts: appCfg.Grader.PersistRetries, Initial: appCfg.Grader.PersistBackoff},
		StatusTTL:   appCfg.Grader.StatusTTL,
		Metrics:     m,
	})
	if err != nil {
		logger.Error(ctx, "init persistence worker failed", zap.Error(err))
		return err
	}
	dispatcher, err := service.NewDispatcher(service.DispatcherConfig{
		Status:    statusRepo,
		Queue:     broker,
		TestCases: loader,
		Problems:  problemRepo,
		StatusTTL: appCfg.Grader.StatusTTL,
	})
	if err != nil {
		logger.Error(ctx, "init dispatcher failed", zap.Error(err))
		return err
	}

	consumers := []struct {
		queue       string
		handler     queue.Handler
		concurrency int
	}{
		{queue.RunQueue, runWorker.Handle, appCfg.Queue.Concurrency.Run},
		{queue.SubmissionQueue, submissionWorker.Handle, appCfg.Queue.Concurrency.Submission},
		{queue.PersistenceQueue, persistWorker.Handle, appCfg.Queue.Concurrency.Persistence},
	}
	for _, c := range consumers {
		if err := broker.Consume(ctx, c.queue, c.handler, c.concurrency); err != nil {
			logger.Error(ctx, "start consumer failed", zap.String("queue", c.queue), zap.Error(err))
			return err
		}
	}

	router := controller.NewRouter(controller.RouterConfig{
		Grader: controller.NewGraderController(dispatcher),
		Queues: controller.NewQueueController(ledger),
		Health: controller.NewHealthController(map[string]controller.Pinger{
			"redis":    redisCache,
			"database": sqlPinger{sqlDB},
			"queue":    broker,
			"storage":  bucketPinger{store: objStorage, bucket: appCfg.MinIO.Bucket},
		}),
		Metrics:      m.Handler(),
		AllowOrigins: appCfg.Server.AllowOrigins,
	})
	httpServer := buildHTTPServer(appCfg.Server, router)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "grader http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
			serveErr = err
		}
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	if err := broker.Stop(); err != nil {
		logger.Error(context.Background(), "queue consumers stop failed", zap.Error(err))
	}
	return serveErr
}

func newMessageQueue(cfg QueueConfig, redisClient *redis.Client) (mq.MessageQueue, error) {
	if cfg.Backend == backendKafka {
		return mq.NewKafkaQueue(cfg.Kafka.toMQConfig())
	}
	return mq.NewRedisStreamQueue(redisClient, cfg.Stream.toMQConfig())
}

func buildHTTPServer(cfg ServerConfig, handler *gin.Engine) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

type sqlPinger struct {
	db *sqlx.DB
}

func (p sqlPinger) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type bucketPinger struct {
	store  storage.ObjectStorage
	bucket string
}

func (p bucketPinger) Ping(ctx context.Context) error {
	ok, err := p.store.BucketExists(ctx, p.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", p.bucket)
	}
	return nil
}
