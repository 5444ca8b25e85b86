// Command gateway runs the prepaid, signature-authenticated JSON-RPC
// reverse proxy: clients deposit through the x402 protocol, then pay
// per call by signing requests against their deposited balance.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/x402-rs/x402-gateway/pkg/facilitatorclient"
	"github.com/x402-rs/x402-gateway/pkg/gateway"
	"github.com/x402-rs/x402-gateway/pkg/gatewayconfig"
	"github.com/x402-rs/x402-gateway/pkg/ledger"
	"github.com/x402-rs/x402-gateway/pkg/ledger/dynamo"
	"github.com/x402-rs/x402-gateway/pkg/ledger/embedded"
	"github.com/x402-rs/x402-gateway/pkg/middleware"
	"github.com/x402-rs/x402-gateway/pkg/relay"
	"github.com/x402-rs/x402-gateway/pkg/replaycache"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg, err := gatewayconfig.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, closeStore, err := openLedger(cfg)
	if err != nil {
		log.Fatalf("Failed to open ledger backend: %v", err)
	}
	defer closeStore()

	replayCache := replaycache.New()
	defer replayCache.Stop()

	pipeline := &gateway.Pipeline{
		Ledger:      store,
		Replay:      replayCache,
		Relay:       relay.New(cfg.NodeURL),
		Facilitator: facilitatorclient.New(cfg.FacilitatorURL),
		Config: gateway.Config{
			PricePerRequestMicros: cfg.PricePerRequestMicros,
			PaymentAddress:        cfg.PaymentAddress,
			AssetAddress:          cfg.AssetAddress,
			Network:               cfg.Network,
			Resource:              fmt.Sprintf("http://%s:%s/relay", cfg.Host, cfg.Port),
			MaxTimeoutSeconds:     300,
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/relay", pipeline)
	mux.HandleFunc("/health", gateway.Health)

	loggedHandler := middleware.LoggingMiddleware(mux)

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      loggedHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting x402 gateway on %s (ledger backend: %s)", addr, cfg.LedgerBackend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Gateway exited")
}

func openLedger(cfg *gatewayconfig.Config) (ledger.Ledger, func(), error) {
	switch cfg.LedgerBackend {
	case gatewayconfig.LedgerBackendDynamo:
		store, err := dynamo.Open(context.Background(), cfg.LedgerTable)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		store, err := embedded.Open(cfg.LedgerPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
}
