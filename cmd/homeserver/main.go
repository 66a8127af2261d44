// Command homeserver wires together the event store, the append
// pipeline, the outbound transaction dispatcher, and the internal RPC
// surface into a single running process.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/mxhs/homeserver/appservice"
	"github.com/mxhs/homeserver/federation/sending"
	"github.com/mxhs/homeserver/federationapi/inthttp"
	"github.com/mxhs/homeserver/internal/config"
	"github.com/mxhs/homeserver/pdu"
	"github.com/mxhs/homeserver/rooms"
	"github.com/mxhs/homeserver/storage/eventstore"
	"github.com/mxhs/homeserver/storage/kv"
)

func main() {
	configPath := flag.String("config", "", "path to homeserver.toml (overrides CONDUIT_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading configuration")
	}
	setupLogging(cfg.Logging)

	log := logrus.WithField("server_name", cfg.Server.Name)

	if err := os.MkdirAll(cfg.Storage.Path, 0700); err != nil {
		log.WithError(err).Fatal("creating storage directory")
	}

	badger, err := kv.Open(cfg.Storage.Path)
	if err != nil {
		log.WithError(err).Fatal("opening storage")
	}
	defer badger.Close()

	signingKeyPath := cfg.Server.SigningKeyPath
	if signingKeyPath == "" {
		signingKeyPath = cfg.Storage.Path + "/signing.key"
	}
	privateKey, err := config.LoadSigningKey(signingKeyPath)
	if err != nil {
		log.WithError(err).Fatal("loading signing key")
	}

	store := eventstore.New(badger)
	appservices := appservice.NewRegistry(nil)
	dispatcher := sending.NewDispatcher(store, badger, appservices, cfg.Server.Name)

	pipeline := &rooms.Pipeline{
		Store:       store,
		Signer:      pdu.Signer{ServerName: cfg.Server.Name, KeyID: cfg.Server.KeyID, PrivateKey: privateKey},
		Clock:       time.Now,
		Outbound:    dispatcher,
		Appservices: appservices,
		ServerName:  cfg.Server.Name,
	}

	router := mux.NewRouter()
	inthttp.AddRoutes(pipeline, store, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcherErrs := make(chan error, 1)
	go func() {
		dispatcherErrs <- dispatcher.Run(ctx)
	}()

	internalServer := &http.Server{
		Addr:    cfg.HTTP.InternalListen,
		Handler: router,
	}
	serverErrs := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.InternalListen).Info("starting internal RPC listener")
		if err := internalServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrs <- err
			return
		}
		serverErrs <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
	case err := <-dispatcherErrs:
		if err != nil && err != context.Canceled {
			log.WithError(err).Error("dispatcher exited")
		}
	case err := <-serverErrs:
		if err != nil {
			log.WithError(err).Error("internal RPC listener exited")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("internal RPC listener shutdown")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "text" {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})
}
