// Command osm2es loads an OSM extract into Elasticsearch, layer by layer.
//
// The input file is the line-delimited JSON output of the external PBF
// converter. Each of the five geometry layers gets its own index named
// {prefix}_{task}_{layer}; indices are recreated on every run.
//
// Usage:
//
//	osm2es [flags] input_file
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/osmtools/osm2es/internal/index"
	"github.com/osmtools/osm2es/internal/orchestrator"
	"github.com/osmtools/osm2es/internal/report"
	"github.com/osmtools/osm2es/internal/source"
	"github.com/osmtools/osm2es/pkg/config"
	"github.com/osmtools/osm2es/pkg/elastic"
	apperrors "github.com/osmtools/osm2es/pkg/errors"
	"github.com/osmtools/osm2es/pkg/kafka"
	"github.com/osmtools/osm2es/pkg/logger"
	"github.com/osmtools/osm2es/pkg/metrics"
	"github.com/osmtools/osm2es/pkg/postgres"
	"github.com/osmtools/osm2es/pkg/redis"
)

func main() {
	app := &cli.App{
		Name:      "osm2es",
		Usage:     "Imports OSM data into Elasticsearch",
		ArgsUsage: "input_file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to YAML config file",
			},
			&cli.StringFlag{
				Name:  "index-name",
				Usage: "Index name prefix",
				Value: "osm",
			},
			&cli.StringFlag{
				Name:  "task",
				Usage: "Task/area identifier used in index names",
				Value: "planet",
			},
			&cli.StringFlag{
				Name:  "es-url",
				Usage: "Elasticsearch url",
				Value: "http://localhost:9200",
			},
			&cli.StringFlag{
				Name:  "es-user",
				Usage: "Elasticsearch user",
				Value: "elastic",
			},
			&cli.StringFlag{
				Name:  "es-pwd",
				Usage: "Elasticsearch password",
				Value: "changeme",
			},
			&cli.IntFlag{
				Name:    "es-replicas",
				Usage:   "Index replicas after load",
				Value:   0,
				EnvVars: []string{"ES_REPLICAS"},
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of bulk submit workers per layer",
				Value: 1,
			},
			&cli.IntFlag{
				Name:  "cache-size",
				Usage: "Number of documents to accumulate before sending to ES",
				Value: 5000,
			},
			&cli.IntFlag{
				Name:  "parallelism",
				Usage: "Number of layer pipelines to run concurrently",
				Value: 6,
			},
			&cli.BoolFlag{
				Name:  "strict",
				Usage: "Fail a layer on the first broken feature instead of skipping",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose output",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(apperrors.ExitCode(err))
	}
}

func run(cCtx *cli.Context) error {
	input := cCtx.Args().First()
	if input == "" {
		cli.ShowAppHelp(cCtx)
		return apperrors.New(apperrors.ErrInputMissing, "", "missing input file argument")
	}

	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		return err
	}
	applyFlags(cCtx, cfg)
	if cCtx.Bool("verbose") {
		cfg.Logging.Level = "debug"
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := cfg.Validate(); err != nil {
		return err
	}

	dataset, err := source.NewFileDataset(input)
	if err != nil {
		return err
	}

	client, err := elastic.New(cfg.Elastic)
	if err != nil {
		return err
	}
	manager := index.NewManager(client)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port)
		defer shutdown(context.Background())
	}

	if cfg.Redis.Enabled {
		rdb, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		lock := redis.NewRunLock(rdb, cfg.Elastic.IndexPrefix, cfg.Elastic.Task, cfg.Redis.LockTTL)
		if err := lock.Acquire(ctx); err != nil {
			return err
		}
		defer lock.Release(context.Background())
	}

	recorder, cleanup, err := buildRecorder(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	slog.Info("starting import", "input", input, "prefix", cfg.Elastic.IndexPrefix, "task", cfg.Elastic.Task)
	orch := orchestrator.New(cfg, dataset, manager, client, metrics.New(), recorder)
	rep, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Print(rep.String())
	if rep.Failed() {
		return fmt.Errorf("one or more layers failed")
	}
	slog.Info("import done")
	return nil
}

// applyFlags overrides config values with explicitly set CLI flags (a flag
// set via its environment variable counts as set). Unset flags leave the
// config file and OSM2ES_* overrides alone.
func applyFlags(cCtx *cli.Context, cfg *config.Config) {
	setString := func(flag string, dst *string) {
		if cCtx.IsSet(flag) {
			*dst = cCtx.String(flag)
		}
	}
	setInt := func(flag string, dst *int) {
		if cCtx.IsSet(flag) {
			*dst = cCtx.Int(flag)
		}
	}
	setString("index-name", &cfg.Elastic.IndexPrefix)
	setString("task", &cfg.Elastic.Task)
	setString("es-url", &cfg.Elastic.URL)
	setString("es-user", &cfg.Elastic.Username)
	setString("es-pwd", &cfg.Elastic.Password)
	setInt("es-replicas", &cfg.Elastic.Replicas)
	setInt("workers", &cfg.Ingest.Workers)
	setInt("cache-size", &cfg.Ingest.CacheSize)
	setInt("parallelism", &cfg.Ingest.LayerParallelism)
	if cCtx.Bool("strict") {
		cfg.Ingest.SkipBroken = false
	}
}

// buildRecorder wires the optional Postgres ledger and Kafka completion
// producer into a run recorder. Returns a nil Reporter when neither sink is
// enabled.
func buildRecorder(ctx context.Context, cfg *config.Config) (orchestrator.Reporter, func(), error) {
	if !cfg.Postgres.Enabled && !cfg.Kafka.Enabled {
		return nil, func() {}, nil
	}
	var (
		db       *postgres.Client
		producer *kafka.Producer
		err      error
	)
	if cfg.Postgres.Enabled {
		db, err = postgres.New(cfg.Postgres)
		if err != nil {
			return nil, func() {}, err
		}
	}
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka)
	}
	cleanup := func() {
		if db != nil {
			db.Close()
		}
		if producer != nil {
			producer.Close()
		}
	}
	recorder := report.New(db, producer)
	if err := recorder.EnsureSchema(ctx); err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return recorder, cleanup, nil
}
