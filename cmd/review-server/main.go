package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/reviewcrdt/trackchanges/internal/annotationlog"
	"github.com/reviewcrdt/trackchanges/internal/annotationstore"
	"github.com/reviewcrdt/trackchanges/internal/config"
	"github.com/reviewcrdt/trackchanges/internal/logging"
	"github.com/reviewcrdt/trackchanges/internal/transport"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "review-server",
		Short: "Track-changes review CRDT demo server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("store-kind", defaults.GetString("store.kind"), "Annotation log backing store (memory, firestore)")
	cmd.PersistentFlags().Duration("flush-interval", defaults.GetDuration("transport.flush_interval"), "Cached log flush interval")
	cmd.PersistentFlags().String("firestore-project", defaults.GetString("firestore.project"), "Firestore project id (store-kind=firestore)")
	cmd.PersistentFlags().String("firestore-collection", defaults.GetString("firestore.collection"), "Firestore collection for annotation groups")
	cmd.PersistentFlags().String("replica-id", defaults.GetString("replica.id"), "This server's replica id (random if empty)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "store.kind", "store-kind")
	bindFlag(cmd, "transport.flush_interval", "flush-interval")
	bindFlag(cmd, "firestore.project", "firestore-project")
	bindFlag(cmd, "firestore.collection", "firestore-collection")
	bindFlag(cmd, "replica.id", "replica-id")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &notFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	replicaID := appConfig.ReplicaID
	if replicaID == "" {
		replicaID = uuid.NewString()
	}

	logFactory, closeStore, err := newLogFactory(ctx, appConfig, replicaID, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := transport.NewHub(logFactory, logger)
	go hub.Run()

	handler := transport.NewHandler(hub, logger)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_kind", appConfig.StoreKind),
			zap.String("replica_id", replicaID),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newLogFactory builds the per-document Log constructor for the
// configured store kind. For "firestore" every document's log is a
// CachedLog in front of its own FirestoreLog (all sharing one Firestore
// client), whose collection is namespaced by document id so annotation
// groups from different documents never collide.
func newLogFactory(ctx context.Context, cfg config.AppConfig, replicaID string, logger *zap.Logger) (func(docID string) annotationlog.Log, func(), error) {
	switch cfg.StoreKind {
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, err
		}
		var mu sync.Mutex
		var cached []*annotationlog.CachedLog
		factory := func(docID string) annotationlog.Log {
			backing := annotationstore.NewFirestoreLog(client, cfg.FirestoreColl+"-"+docID, replicaID)
			cl := annotationlog.NewCachedLog(replicaID, backing, cfg.FlushInterval, logger)
			mu.Lock()
			cached = append(cached, cl)
			mu.Unlock()
			return cl
		}
		closeFn := func() {
			mu.Lock()
			defer mu.Unlock()
			for _, cl := range cached {
				cl.Close()
			}
			client.Close()
		}
		return factory, closeFn, nil
	default:
		factory := func(docID string) annotationlog.Log {
			return annotationlog.NewMemoryLog(replicaID)
		}
		return factory, func() {}, nil
	}
}
