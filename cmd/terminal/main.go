// The terminal binary is the cashier-side process: it submits sales to the
// settlement server when online and parks them in the durable offline queue
// when the server is unreachable, replaying them once connectivity returns.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tillpoint/internal/cache"
	"tillpoint/internal/client"
	"tillpoint/internal/config"
	"tillpoint/internal/domain"
	"tillpoint/internal/queue"
	"tillpoint/internal/rates"
	"tillpoint/internal/xid"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	api := client.New(cfg.ServerURL, 10*time.Second)

	loginCtx, loginCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := api.Login(loginCtx, cfg.TerminalUser, cfg.TerminalPassword); err != nil {
		logger.Warn("login failed, queued sales will flush after next successful login", zap.Error(err))
	}
	loginCancel()

	q := queue.New(cfg.QueuePath, api, api, logger)

	converter := rates.NewConverter(api, cache.NoopSnapshotCache{}, time.Duration(cfg.RateRefreshSeconds)*time.Second, logger)
	refreshCtx, refreshCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := converter.Refresh(refreshCtx); err != nil {
		logger.Warn("initial rate fetch failed, display amounts unavailable until refresh", zap.Error(err))
	}
	refreshCancel()

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go q.Run(runCtx, time.Duration(cfg.QueueFlushSeconds)*time.Second)
	go converter.Run(runCtx)

	server := &http.Server{
		Addr:              ":" + cfg.TerminalPort,
		Handler:           newMux(api, q, converter),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		logger.Info("terminal listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("terminal server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopRun()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	logger.Info("terminal stopped")
}

// newMux builds the local cashier-facing surface: sale submission with
// offline fallback, and queue status for the UI.
func newMux(settler queue.Settler, q *queue.Queue, converter *rates.Converter) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, q.Status())
	})

	mux.HandleFunc("/sale", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req domain.SaleRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		// The reference must exist before the first network attempt: if that
		// call times out after the server committed, the queued retry has to
		// carry the same reference so the replay is absorbed as a duplicate.
		if req.ClientRef == "" {
			req.ClientRef = xid.New("ref")
		}

		converter.Pin(r.Context(), req.Currency)

		result, err := settler.Settle(r.Context(), req)
		if err == nil {
			displayCurrency, displayTotal := converter.Display(result.Sale.Total)
			writeJSON(w, http.StatusOK, map[string]any{
				"result":           result,
				"display_currency": displayCurrency,
				"display_total":    displayTotal,
			})
			return
		}
		if !queue.IsTransport(err) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
			return
		}

		entry, qErr := q.Enqueue(r.Context(), req)
		if qErr != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": qErr.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"queued":     true,
			"client_ref": entry.ClientRef,
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
