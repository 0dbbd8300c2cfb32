package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/mongo"

	"docdb-transfer/internal/api"
	"docdb-transfer/internal/config"
	"docdb-transfer/internal/database"
	"docdb-transfer/internal/logger"
	"docdb-transfer/internal/service"
	"docdb-transfer/internal/session"
	"docdb-transfer/internal/transfer/memdoc"
	"docdb-transfer/internal/worker"
)

var Version = "dev"

func main() {
	app := &cli.App{
		Name:    "docdb-transfer",
		Usage:   "Serve the collection copy API",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Value:   "config.yaml",
				EnvVars: []string{"DOCDB_TRANSFER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "port",
				Usage: "Override server_port",
			},
		},
		Action: serve,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	// 1. config and logging
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port := c.String("port"); port != "" {
		cfg.ServerPort = port
	}
	log := logger.New(cfg.LogLevel)
	if log.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. MongoDB holding the task records
	client, err := database.Connect(ctx, cfg.MongoURI, log)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	repo := database.NewTaskRepository(client.Database(cfg.DBName))
	if err := repo.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	// 3. tasks left active by a previous process cannot resume
	if _, err := service.RecoverInterruptedTasks(ctx, repo, log); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("failed to recover interrupted tasks: %w", err)
	}

	// 4. endpoints, service and engine
	sessions := session.NewStore(func(ctx context.Context, conn config.Connection) (*mongo.Client, error) {
		return database.Connect(ctx, conn.URI, log.WithField("connection", conn.ID))
	}, log)
	endpoints := service.NewEndpointFactory(cfg, sessions, service.NewS3Clients(log), memdoc.NewRegistry(), log)
	svc := service.NewCopyService(cfg, repo, endpoints, service.Options{StopTimeout: cfg.Transfer.StopTimeout}, log)
	engine := worker.NewEngine(worker.EngineOptions{
		MaxConcurrent: cfg.Transfer.MaxConcurrentTasks,
		FlushInterval: cfg.Transfer.StatusFlushInterval,
		Sink:          svc,
		Logger:        log,
	})
	svc.SetEngine(engine)

	// 5. HTTP
	r := api.SetupRouter(api.NewHandler(svc, endpoints, log), log)
	srv := &http.Server{Addr: listenAddr(cfg.ServerPort), Handler: r}

	go func() {
		log.Infof("Starting server on %s...", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")
	shutdown(srv, engine, sessions, client, cfg.Transfer.StopTimeout, log)
	return nil
}

func shutdown(srv *http.Server, engine *worker.Engine, sessions *session.Store, client *mongo.Client, timeout time.Duration, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
	// running tasks are stopped and their final status flushed
	if err := engine.Shutdown(ctx); err != nil {
		log.Warnf("Tasks did not stop in time: %v", err)
	}
	if err := sessions.CloseAll(ctx); err != nil {
		log.Warnf("Closing sessions: %v", err)
	}
	if err := client.Disconnect(ctx); err != nil {
		log.Warnf("Disconnecting from MongoDB: %v", err)
	}
	log.Info("Bye")
}

// listenAddr accepts "8080" as well as ":8080" or "host:8080".
func listenAddr(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}
