// Package cli provides the command-line entrypoint for the index
// synchronization process: configuration discovery (flags, environment
// variables, and an optional YAML file), service construction, and the
// run/shutdown lifecycle of the HTTP surface and the orchestrator.
//
// Grounded in the teacher's cli/root.go Cobra/Viper shape (cfgFile flag,
// cobra.OnInitialize(initConfig), $HOME config-file discovery, flag-to-Viper
// binding, signal.Notify-driven graceful shutdown with a timeout), adapted
// from RabbitMQ/CouchDB/JWT service wiring to this subsystem's Postgres
// pool, detector factories, engine, and orchestrator.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"indexsync.dev/audit"
	"indexsync.dev/cache"
	"indexsync.dev/config"
	"indexsync.dev/detect"
	"indexsync.dev/detect/alfresco"
	"indexsync.dev/detect/azureblob"
	"indexsync.dev/detect/box"
	"indexsync.dev/detect/filesystem"
	"indexsync.dev/detect/gcs"
	"indexsync.dev/detect/googledrive"
	"indexsync.dev/detect/msgraph"
	"indexsync.dev/detect/s3"
	"indexsync.dev/docproc"
	"indexsync.dev/engine"
	"indexsync.dev/httpapi"
	"indexsync.dev/logging"
	"indexsync.dev/orchestrator"
	"indexsync.dev/store"
	"indexsync.dev/target"
)

// cfgFile holds the path to the configuration file specified via
// --config. When empty, initConfig searches $HOME/.indexsync.yaml and
// ./.indexsync.yaml.
var cfgFile string

// RootCmd is the entrypoint command for the sync process.
var RootCmd = &cobra.Command{
	Use:   "indexsync",
	Short: "keeps vector, full-text, and knowledge-graph indexes in sync with external document sources",
	Long: `indexsync watches a set of configured document sources (filesystem, S3, GCS,
Azure Blob, Alfresco, Google Drive, OneDrive/SharePoint, Box) and applies
incremental CREATE/UPDATE/DELETE operations to whichever of the vector,
full-text, and knowledge-graph indexes are enabled per source, using each
source's native change-notification API where one exists and periodic
full-listing diffs otherwise.`,
	Run: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.indexsync.yaml)")

	RootCmd.PersistentFlags().String("port", "", "operational HTTP API port")
	RootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection URL")
	RootCmd.PersistentFlags().String("redis-addr", "", "Redis address for the dedup cache")
	RootCmd.PersistentFlags().String("api-key", "", "API key required on the operational HTTP surface")
	RootCmd.PersistentFlags().String("vector-target-url", "", "base URL of the vector index service")
	RootCmd.PersistentFlags().String("search-target-url", "", "base URL of the full-text search index service")
	RootCmd.PersistentFlags().String("graph-target-url", "", "base URL of the knowledge-graph index service")
	RootCmd.PersistentFlags().String("docproc-url", "", "base URL of the document-processing service")

	viper.BindPFlag("port", RootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("database.url", RootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("redis.addr", RootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindPFlag("auth.api_key", RootCmd.PersistentFlags().Lookup("api-key"))
	viper.BindPFlag("targets.vector_url", RootCmd.PersistentFlags().Lookup("vector-target-url"))
	viper.BindPFlag("targets.search_url", RootCmd.PersistentFlags().Lookup("search-target-url"))
	viper.BindPFlag("targets.graph_url", RootCmd.PersistentFlags().Lookup("graph-target-url"))
	viper.BindPFlag("docproc.url", RootCmd.PersistentFlags().Lookup("docproc-url"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".indexsync")
	}

	viper.SetEnvPrefix("INDEXSYNC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// runServer wires every component and blocks until a shutdown signal
// arrives, mirroring the teacher's signal.Notify + timed e.Shutdown pattern.
func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.Load("INDEXSYNC")
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	if v := viper.GetString("port"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Server.Port)
	}
	if v := viper.GetString("database.url"); v != "" {
		cfg.Database.URL = v
	}
	if v := viper.GetString("redis.addr"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := viper.GetString("auth.api_key"); v != "" {
		cfg.Auth.APIKey = v
	}

	logging.Root = logging.New(logging.Config{
		Level:  logging.Level(cfg.Service.LogLevel),
		Format: cfg.Service.LogFormat,
	})
	log := logging.Component("cli")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer pool.Close()

	if err := store.Initialize(ctx, pool); err != nil {
		log.WithError(err).Fatal("failed to initialize schema")
	}

	gormDB, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{})
	if err != nil {
		log.WithError(err).Fatal("failed to open gorm connection for audit log")
	}
	auditLog, err := audit.Open(gormDB)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize audit log")
	}

	var dedup cache.Dedup
	if cfg.Redis.Enabled {
		rd, err := cache.NewRedisDedup(cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to redis")
		}
		dedup = rd
	} else {
		dedup = cache.NewMemoryDedup()
	}

	configs := store.NewConfigStore(pool)
	states := store.NewStateStore(pool)

	targets := engine.Targets{
		Vector: target.NewHTTPTarget(target.KindVector, viper.GetString("targets.vector_url"), cfg.Auth.APIKey),
		Search: target.NewHTTPTarget(target.KindSearch, viper.GetString("targets.search_url"), cfg.Auth.APIKey),
		Graph:  target.NewHTTPTarget(target.KindGraph, viper.GetString("targets.graph_url"), cfg.Auth.APIKey),
	}
	processor := docproc.NewHTTPProcessor(viper.GetString("docproc.url"), cfg.Auth.APIKey)

	eng := engine.New(targets, states, processor, auditLog)
	factories := detectorFactories(dedup)
	orch := orchestrator.New(configs, eng, auditLog, factories)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	httpapi.New(configs, states, orch).Register(e, cfg.Auth.APIKey)

	go func() {
		if err := orch.Run(ctx); err != nil {
			log.WithError(err).Error("orchestrator exited with error")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.WithField("addr", addr).Info("starting operational HTTP server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("error during HTTP server shutdown")
	}
}

// detectorFactories registers one DetectorFactory per recognized
// source_type, sharing a single dedup cache instance across every detector
// in the process.
func detectorFactories(dedup cache.Dedup) map[store.SourceType]orchestrator.DetectorFactory {
	toDetectConfig := func(c store.DataSourceConfig) detect.Config {
		return detect.Config(c.ConnectionParams)
	}

	return map[store.SourceType]orchestrator.DetectorFactory{
		store.SourceFilesystem: func(c store.DataSourceConfig) (detect.Detector, error) {
			return filesystem.New(toDetectConfig(c), dedup)
		},
		store.SourceS3: func(c store.DataSourceConfig) (detect.Detector, error) {
			return s3.New(context.Background(), toDetectConfig(c), dedup)
		},
		store.SourceGCS: func(c store.DataSourceConfig) (detect.Detector, error) {
			return gcs.New(context.Background(), toDetectConfig(c), dedup)
		},
		store.SourceAzureBlob: func(c store.DataSourceConfig) (detect.Detector, error) {
			return azureblob.New(context.Background(), toDetectConfig(c), dedup)
		},
		store.SourceAlfresco: func(c store.DataSourceConfig) (detect.Detector, error) {
			return alfresco.New(toDetectConfig(c), dedup)
		},
		store.SourceGoogleDrive: func(c store.DataSourceConfig) (detect.Detector, error) {
			return googledrive.New(context.Background(), toDetectConfig(c), dedup)
		},
		store.SourceOneDrive: func(c store.DataSourceConfig) (detect.Detector, error) {
			dc := toDetectConfig(c)
			dc["scheme"] = string(msgraph.SchemeOneDrive)
			dc["enable_change_polling"] = strconv.FormatBool(c.EnableChangeStream)
			return msgraph.New(dc, dedup)
		},
		store.SourceSharePoint: func(c store.DataSourceConfig) (detect.Detector, error) {
			dc := toDetectConfig(c)
			dc["scheme"] = string(msgraph.SchemeSharePoint)
			dc["enable_change_polling"] = strconv.FormatBool(c.EnableChangeStream)
			return msgraph.New(dc, dedup)
		},
		store.SourceBox: func(c store.DataSourceConfig) (detect.Detector, error) {
			return box.New(toDetectConfig(c), dedup)
		},
	}
}
