package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/IliaW/note-crawler/config"
	"github.com/IliaW/note-crawler/internal/account"
	"github.com/IliaW/note-crawler/internal/api"
	"github.com/IliaW/note-crawler/internal/aws_s3"
	"github.com/IliaW/note-crawler/internal/broker"
	cacheClient "github.com/IliaW/note-crawler/internal/cache"
	"github.com/IliaW/note-crawler/internal/checkpoint"
	"github.com/IliaW/note-crawler/internal/model"
	"github.com/IliaW/note-crawler/internal/persistence"
	"github.com/IliaW/note-crawler/internal/platform/xhs"
	"github.com/IliaW/note-crawler/internal/proxy"
	"github.com/IliaW/note-crawler/internal/signature"
	"github.com/IliaW/note-crawler/internal/task"
	"github.com/IliaW/note-crawler/internal/telemetry"
	"github.com/IliaW/note-crawler/internal/worker"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"
	"go.mongodb.org/mongo-driver/mongo"
)

var (
	cfg         *config.Config
	db          *sql.DB
	mongoClient *mongo.Client
	counter     cacheClient.RotationCounter
)

type repositories struct {
	credentials persistence.CredentialRepository
	proxies     persistence.ProxyRepository
	tasks       persistence.TaskRepository
	checkpoints persistence.CheckpointRepository
	content     persistence.ContentRepository
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	setupLogger()
	metrics := telemetry.SetupMetrics(context.Background(), cfg)
	defer metrics.Close()
	repos := setupRepositories()
	defer closeDatabase()
	counter = setupRotationCounter()
	defer counter.Close()
	httpTransport := getHttpTransport()
	slog.Info("starting application on port "+cfg.Port, slog.String("env", cfg.Env),
		slog.String("storage", cfg.StorageSettings.Driver), slog.String("sink", cfg.StorageSettings.SinkDriver))

	accounts := account.NewPool(cfg.AccountSettings, repos.credentials, counter, metrics.PoolMetrics)
	prober := proxy.NewCollyProber(cfg.ProxySettings.ProbeUrl, cfg.ProxySettings.ProbeTimeout,
		cfg.PlatformSettings.UserAgent)
	proxies := proxy.NewPool(cfg.ProxySettings, repos.proxies, prober, metrics.PoolMetrics)
	checkpoints := checkpoint.NewStore(cfg.CheckpointSettings, repos.checkpoints)

	signer := signature.NewProvider(
		signature.NewLocalSigner(cfg.SignatureSettings.AppID),
		signature.NewChromeSigner(cfg.SignatureSettings, cfg.PlatformSettings.UserAgent),
		model.ParseSignMode(cfg.SignatureSettings.Mode),
		metrics.CrawlMetrics.SignFallbacks)
	defer signer.Close()
	factory := xhs.NewFactory(cfg.PlatformSettings, httpTransport, cfg.HttpClientSettings.RequestTimeout, signer,
		cfg.ExecutorSettings.CommentsInBrowser)

	deps := worker.Deps{
		Tasks:       repos.tasks,
		Content:     repos.content,
		Accounts:    accounts,
		Proxies:     proxies,
		Checkpoints: checkpoints,
		Factory:     factory,
		Tokens:      cacheClient.NewTokenCache(cfg.CacheSettings.TokenTtl),
		Metrics:     metrics.CrawlMetrics,
	}
	if cfg.S3Settings.Enabled {
		deps.Media = worker.NewDownloader(aws_s3.NewS3BucketClient(cfg), cfg.DownloadSettings, httpTransport,
			cfg.PlatformSettings.UserAgent, metrics.CrawlMetrics)
	}

	kafkaWg := &sync.WaitGroup{}
	var eventChan chan *model.ContentEvent
	if cfg.KafkaSettings.Enabled {
		eventChan = make(chan *model.ContentEvent, cfg.KafkaSettings.Producer.BatchSize*2)
		deps.Publisher = broker.NewChannelPublisher(eventChan)
		kafkaWg.Add(1)
		kafkaProducer := broker.NewKafkaProducer(eventChan, metrics.KafkaProducerMetrics,
			cfg.KafkaSettings.Producer, kafkaWg)
		go kafkaProducer.Run()
	}

	executor := worker.NewExecutor(cfg.ExecutorSettings, deps)
	tasks := task.NewService(cfg.ExecutorSettings, repos.tasks, checkpoints, executor)
	if n := executor.Recover(ctx); n > 0 {
		slog.Info("resumed interrupted tasks.", slog.Int("count", n))
	}

	consumerWg := &sync.WaitGroup{}
	if cfg.KafkaSettings.Enabled {
		requestChan := make(chan []byte, cfg.KafkaSettings.Consumer.QueueCapacity)
		consumerWg.Add(2)
		kafkaConsumer := broker.NewKafkaConsumer(requestChan, metrics.KafkaConsumerMetrics,
			cfg.KafkaSettings.Consumer, consumerWg)
		go kafkaConsumer.Run(ctx)
		go tasks.ConsumeRequests(requestChan, consumerWg)
	}

	maintenanceWg := &sync.WaitGroup{}
	maintenanceWg.Add(1)
	maintenance := worker.NewMaintenance(cfg.MaintenanceSettings, proxies, accounts, factory,
		[]model.Platform{model.PlatformXHS}, maintenanceWg)
	go maintenance.Run(ctx)

	router := api.NewRouter(&api.Handlers{
		Tasks:       api.NewTaskHandler(tasks),
		Accounts:    api.NewAccountHandler(accounts, factory),
		Proxies:     api.NewProxyHandler(proxies),
		Checkpoints: api.NewCheckpointHandler(checkpoints),
	})
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	server := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error.", slog.String("err", err.Error()))
			stop()
		}
	}()

	// Graceful shutdown.
	// 1. Stop accepting API requests. Stop Kafka Consumer by system call and wait for queued requests
	// 2. Interrupt running tasks. They save progress and stay running for the next start
	// 3. Close eventChan. Wait till Producer writes the remaining events to Kafka
	// 4. Close database, browser and cache connections
	<-ctx.Done()
	slog.Info("stopping server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to stop http server.", slog.String("err", err.Error()))
	}
	consumerWg.Wait()
	maintenanceWg.Wait()
	if err := executor.Shutdown(shutdownCtx); err != nil {
		slog.Error("task runs did not stop in time.", slog.String("err", err.Error()))
	}
	if eventChan != nil {
		close(eventChan)
		slog.Info("close eventChan.")
	}
	kafkaWg.Wait()
	slog.Info("server stopped.")
}

func setupLogger() *slog.Logger {
	envLogLevel := strings.ToLower(cfg.LogLevel)
	var slogLevel slog.Level
	err := slogLevel.UnmarshalText([]byte(envLogLevel))
	if err != nil {
		log.Printf("encountenred log level: '%s'. The package does not support custom log levels", envLogLevel)
		slogLevel = slog.LevelDebug
	}
	log.Printf("slog level overwritten to '%v'", slogLevel)
	slog.SetLogLoggerLevel(slogLevel)

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs,
			NoColor:     cfg.Env != "local"}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

// setupRepositories picks the state and sink drivers. Mongo and Postgres are only
// connected when a driver asks for them.
func setupRepositories() *repositories {
	repos := new(repositories)
	var mongoDb *mongo.Database
	if cfg.StorageSettings.Driver == "mongo" || cfg.StorageSettings.SinkDriver == "mongo" {
		mongoClient, mongoDb = persistence.NewMongoDatabase(cfg.MongoSettings)
	}
	timeout := cfg.MongoSettings.OpTimeout

	switch cfg.StorageSettings.Driver {
	case "mongo":
		repos.credentials = persistence.NewMongoCredentialRepository(mongoDb, timeout)
		repos.proxies = persistence.NewMongoProxyRepository(mongoDb, timeout)
		repos.tasks = persistence.NewMongoTaskRepository(mongoDb, timeout)
		repos.checkpoints = persistence.NewMongoCheckpointRepository(mongoDb, timeout)
	case "memory":
		slog.Warn("state is kept in memory and lost on restart.")
		repos.credentials = persistence.NewMemoryCredentialRepository()
		repos.proxies = persistence.NewMemoryProxyRepository()
		repos.tasks = persistence.NewMemoryTaskRepository()
		repos.checkpoints = persistence.NewMemoryCheckpointRepository()
	default:
		slog.Error("unknown storage driver.", slog.String("driver", cfg.StorageSettings.Driver))
		os.Exit(1)
	}

	switch cfg.StorageSettings.SinkDriver {
	case "mongo":
		repos.content = persistence.NewMongoContentRepository(mongoDb, timeout)
	case "postgres":
		db = setupDatabase()
		sink := persistence.NewPostgresContentRepository(db)
		schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sink.EnsureSchema(schemaCtx); err != nil {
			slog.Error("failed to create content tables.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		repos.content = sink
	case "memory":
		repos.content = persistence.NewMemoryContentRepository()
	default:
		slog.Error("unknown sink driver.", slog.String("driver", cfg.StorageSettings.SinkDriver))
		os.Exit(1)
	}

	return repos
}

func setupRotationCounter() cacheClient.RotationCounter {
	switch cfg.CacheSettings.RotationBackend {
	case "memcached":
		return cacheClient.NewMemcachedClient(cfg.CacheSettings)
	case "redis":
		return cacheClient.NewRedisCounter(cfg.CacheSettings)
	default:
		return cacheClient.NewLocalCounter()
	}
}

func setupDatabase() *sql.DB {
	slog.Info("connecting to the database...")
	connStr := fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cfg.DbSettings.User,
		cfg.DbSettings.Password,
		cfg.DbSettings.Host,
		cfg.DbSettings.Port,
		cfg.DbSettings.Name,
	)
	database, err := sql.Open("postgres", connStr)
	if err != nil {
		slog.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		slog.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			slog.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				slog.Error("failed to establish database connection.")
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	slog.Info("connected to the database!")

	return database
}

func closeDatabase() {
	if db != nil {
		slog.Info("closing database connection.")
		if err := db.Close(); err != nil {
			slog.Error("failed to close database connection.", slog.String("err", err.Error()))
		}
	}
	if mongoClient != nil {
		persistence.CloseMongo(mongoClient)
	}
}

func getHttpTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        cfg.HttpClientSettings.MaxIdleConnections,
		MaxIdleConnsPerHost: cfg.HttpClientSettings.MaxIdleConnectionsPerHost,
		MaxConnsPerHost:     cfg.HttpClientSettings.MaxConnectionsPerHost,
		IdleConnTimeout:     cfg.HttpClientSettings.IdleConnectionTimeout,
		TLSHandshakeTimeout: cfg.HttpClientSettings.TlsHandshakeTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.HttpClientSettings.DialTimeout,
			KeepAlive: cfg.HttpClientSettings.DialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.HttpClientSettings.TlsInsecureSkipVerify,
		},
	}
}
