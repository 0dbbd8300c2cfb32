package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/mongo"

	"docdb-transfer/internal/config"
	"docdb-transfer/internal/database"
	"docdb-transfer/internal/logger"
	"docdb-transfer/internal/model"
	"docdb-transfer/internal/service"
	"docdb-transfer/internal/session"
	"docdb-transfer/internal/task"
	"docdb-transfer/internal/transfer"
	"docdb-transfer/internal/transfer/memdoc"
	"docdb-transfer/internal/worker"
)

var Version = "dev"

func main() {
	app := &cli.App{
		Name:    "docdb-copy",
		Usage:   "Copy one collection between configured connections",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Value:   "config.yaml",
			},
			&cli.StringFlag{
				Name:     "source",
				Aliases:  []string{"s"},
				Usage:    "Source collection as <connection>:<database>.<collection>",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "target",
				Aliases:  []string{"t"},
				Usage:    "Target collection as <connection>:<database>.<collection>",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "strategy",
				Usage: "Conflict resolution: abort, skip, overwrite or generateNewIds",
				Value: string(transfer.Abort),
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Override transfer.batch_size",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log_level",
			},
		},
		Action: runCopy,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCopy(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if n := c.Int("batch-size"); n > 0 {
		cfg.Transfer.BatchSize = n
	}
	level := cfg.LogLevel
	if c.String("log-level") != "" {
		level = c.String("log-level")
	}
	log := logger.New(level)

	source, err := model.ParseEndpoint(c.String("source"))
	if err != nil {
		return err
	}
	target, err := model.ParseEndpoint(c.String("target"))
	if err != nil {
		return err
	}
	strategy, err := transfer.ParseStrategy(c.String("strategy"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := session.NewStore(func(ctx context.Context, conn config.Connection) (*mongo.Client, error) {
		return database.Connect(ctx, conn.URI, log.WithField("connection", conn.ID))
	}, log)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sessions.CloseAll(closeCtx)
	}()

	endpoints := service.NewEndpointFactory(cfg, sessions, service.NewS3Clients(log), memdoc.NewRegistry(), log)
	reader, err := endpoints.Reader(ctx, source)
	if err != nil {
		return err
	}
	writer, err := endpoints.Writer(ctx, target, strategy)
	if err != nil {
		return err
	}

	var failures int64
	recorder := worker.ErrorRecorderFunc(func(werr transfer.WriteError) {
		failures++
		log.Warnf("Document %v: %v", werr.DocumentID, werr.Err)
	})

	id := ulid.Make().String()
	hooks := worker.NewCopyPasteCollectionTask(worker.CopyConfig{
		Source:   source.Namespace(),
		Target:   target.Namespace(),
		Strategy: strategy,
	}, reader, writer, log, recorder)
	t := task.New(id, model.KindCopyCollection, fmt.Sprintf("Copy %s to %s", source, target), hooks, log)

	lastProgress := -1
	t.OnStatusChange(func(s task.Status) {
		if s.Progress != lastProgress {
			lastProgress = s.Progress
			log.Infof("[%3d%%] %s", s.Progress, s.Message)
		}
	})

	started := time.Now()
	if err := t.Start(ctx); err != nil {
		return err
	}
	<-t.Done()

	status := t.Status()
	res := hooks.Result()
	log.WithFields(logrus.Fields{
		"state":     status.State,
		"processed": humanize.Comma(res.TotalProcessed),
		"total":     humanize.Comma(hooks.Total()),
		"tolerated": failures,
		"elapsed":   time.Since(started).Round(time.Millisecond),
	}).Info(status.Message)

	switch status.State {
	case task.StateFailed:
		return status.Err
	case task.StateStopped:
		return fmt.Errorf("copy interrupted after %s documents", humanize.Comma(res.TotalProcessed))
	}
	return nil
}
