package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/tally_sync/config"
	"github.com/mmdatafocus/tally_sync/middlewares"
	"github.com/mmdatafocus/tally_sync/models"
	"github.com/mmdatafocus/tally_sync/tallysync"
	"github.com/mmdatafocus/tally_sync/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := utils.EnvStringDefault("TALLY_SYNC_PORT", utils.EnvStringDefault("PORT", defaultPort))

	logger := config.GetLogger()

	settings, err := config.LoadSyncSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err)
	}
	fetcher, err := tallysync.NewBridgeClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "tally bridge"}).Fatal(err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Store and run history are attached once the database is up; the readiness gate
	// keeps requests away from the service until then.
	svc := tallysync.NewService(settings, fetcher, nil, nil, tallysync.NewTracker(settings.MaxStatusErrors, tallysync.RedisStatusMirror{}))
	var ready atomic.Bool

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(middlewares.ReadinessMiddleware(ready.Load))

	corsConfig := cors.DefaultConfig()
	allowedOrigins := utils.EnvStringDefault("CORS_ALLOWED_ORIGINS", "")
	if strings.EqualFold(utils.EnvStringDefault("GO_ENV", "development"), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", middlewares.CorrelationIdHeader)
	corsConfig.AddExposeHeaders("Content-Length", middlewares.CorrelationIdHeader)
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.RequestLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	tallysync.RegisterRoutes(r, svc)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if config.GetRedisDB() == nil {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis not configured; one run per owner is enforced per process only")
	}

	if !utils.EnvBoolDefault("SKIP_MIGRATIONS", false) {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	svc.Store = models.NewVoucherRepository(db)
	svc.Runs = models.NewSyncRunRepository(db)
	svc.Locker = tallysync.NewRedisOwnerLocker(config.GetRedisLock(), 0)
	svc.Events = tallysync.NewPubSubPublisher(settings.EventsTopic)
	archive, err := tallysync.NewGCSArchiver(sigCtx, settings.ArchiveBucket)
	if err != nil {
		config.LogError(logger, "main", "main", "create batch archiver", settings.ArchiveBucket, err)
	} else if archive != nil {
		svc.Archive = archive
	}

	if n, err := svc.RecoverInterrupted(sigCtx); err != nil {
		config.LogError(logger, "main", "main", "recover interrupted runs", nil, err)
	} else if n > 0 {
		logger.WithFields(logrus.Fields{"field": "recovery", "runs": n}).Warn("failed sync runs left running by a previous process")
	}
	ready.Store(true)
	logger.WithFields(logrus.Fields{"port": port, "batch_days": settings.BatchDays}).Info("tally sync service ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// Workers finish their in-flight batch and record a resumable failure.
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), intSecondsFromEnv("TALLY_SYNC_DRAIN_SECONDS", 60))
		defer cancelDrain()
		if err := svc.Shutdown(drainCtx); err != nil {
			config.LogError(logger, "main", "main", "drain sync workers", nil, err)
		}
		if err := config.ClosePubSub(); err != nil {
			config.LogError(logger, "main", "main", "close pubsub", nil, err)
		}
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intSecondsFromEnv(key string, def int) time.Duration {
	n := def
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	return time.Duration(n) * time.Second
}
