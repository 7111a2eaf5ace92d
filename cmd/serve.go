package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/printhost/eventsink"
	"github.com/fornellas/printhost/push"
	"github.com/fornellas/printhost/settings"
	"github.com/fornellas/printhost/worker"
)

var serveListenAddress string
var defaultServeListenAddress = ""

var shutdownTimeout = 10 * time.Second

func httpWorker(server *http.Server, listener net.Listener) func(context.Context) error {
	return func(ctx context.Context) error {
		logger := log.MustLogger(ctx)
		errCh := make(chan error, 1)
		go func() {
			logger.Info("Listening", "address", listener.Addr().String())
			errCh <- server.Serve(listener)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) {
			err = errors.Join(err, serveErr)
		}
		return err
	}
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the printer host.",
	Long:  "Connects to the printer while clients are attached to the push endpoint at /push, and serves the current state at /api/current. Events are mirrored to Kafka when brokers are configured. There's NO security implemented, this can only be used in secure networks at your own risk.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()

		host, err := NewHost(ctx)
		if err != nil {
			return err
		}

		address := serveListenAddress
		if address == "" {
			address = host.Settings.String(settings.ServerListen)
		}
		ctx, logger := log.MustWithAttrs(ctx, "port", host.Port.Name, "listen-address", address)
		cmd.SetContext(ctx)

		listener, err := net.Listen("tcp", address)
		if err != nil {
			return errors.Join(
				fmt.Errorf("failed to listen: %s: %w", address, err),
				host.Printer.Close(ctx),
			)
		}

		manager := worker.NewManager()
		manager.AddWorker("Event Bus", host.Bus.Worker)

		if brokers := host.Settings.Strings(settings.KafkaBrokers); len(brokers) > 0 {
			topic := host.Settings.String(settings.KafkaTopic)
			logger.Info("Mirroring events to Kafka", "brokers", brokers, "topic", topic)
			sink := eventsink.New(host.Bus, eventsink.NewKafkaWriter(brokers, topic))
			manager.AddWorker("Event Sink", sink.Worker)
		}

		hub := push.NewHub(ctx, host.Bus, push.Options{
			Current: func() any { return host.Printer.CurrentData() },
		})
		manager.AddWorker("Push", hub.Worker)

		mux := http.NewServeMux()
		mux.Handle("/push", hub)
		mux.HandleFunc("GET /api/current", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(host.Printer.CurrentData()); err != nil {
				logger.Warn("Failed to write current data", "err", err)
			}
		})
		server := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		manager.AddWorker("HTTP", httpWorker(server, listener))

		manager.Start(ctx)
		err = worker.JoinErrors(manager.Wait(ctx))
		return errors.Join(err, host.Printer.Close(context.WithoutCancel(ctx)))
	}),
}

func init() {
	AddPortFlags(ServeCmd)
	ServeCmd.PersistentFlags().StringVar(&serveListenAddress, "listen-address", defaultServeListenAddress, "TCP address to listen on (host:port), overrides "+settings.ServerListen)

	RootCmd.AddCommand(ServeCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		serveListenAddress = defaultServeListenAddress
	})
}
