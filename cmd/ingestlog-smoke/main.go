// Command ingestlog-smoke exercises a Client against a local mock ingestion
// endpoint. It is a manual verification aid, not part of the library
// contract: it starts an httptest-style server in-process, enqueues a batch
// of records, prints Metrics and Health as they change, and shuts down
// cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkutlak/ingestlog/pkg/ingestlog"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/record"
)

func main() {
	var (
		addr      = flag.String("addr", ":8787", "address for the mock ingestion endpoint")
		apiKey    = flag.String("api-key", "ilk_smoke000000000000000000000000", "API key to present to the mock endpoint")
		count     = flag.Int("count", 20, "number of records to enqueue")
		failRate  = flag.Float64("fail-rate", 0, "fraction of requests the mock endpoint rejects with 500 (0..1)")
		shutdown  = flag.Duration("shutdown-timeout", 5*time.Second, "Client.Shutdown timeout")
		useRemote = flag.String("base-url", "", "use a real ingestion endpoint instead of the built-in mock")
	)
	flag.Parse()

	baseURL := *useRemote
	if baseURL == "" {
		srv := &http.Server{Addr: *addr, Handler: mockEndpoint(*failRate)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("mock endpoint: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		baseURL = "http://127.0.0.1" + *addr
		time.Sleep(50 * time.Millisecond)
	}

	client, err := ingestlog.New(
		ingestlog.WithAPIKey(*apiKey),
		ingestlog.WithBaseURL(baseURL),
		ingestlog.WithFlushInterval(200*time.Millisecond),
		ingestlog.WithFlushSize(5),
	)
	if err != nil {
		log.Fatalf("ingestlog.New: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for i := 0; i < *count; i++ {
		rec := record.Record{
			Timestamp:  time.Now(),
			Level:      record.LevelInfo,
			LogType:    record.TypeLogger,
			Importance: record.ImportanceStandard,
			Message:    fmt.Sprintf("smoke test record %d/%d", i+1, *count),
		}
		if err := client.Enqueue(rec); err != nil {
			log.Printf("enqueue rejected record %d: %v", i, err)
		}
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("interrupted, shutting down")
			if err := client.Shutdown(*shutdown); err != nil {
				log.Printf("shutdown: %v", err)
			}
			return
		case <-ticker.C:
			snap := client.Metrics()
			health := client.Health()
			log.Printf("queue=%d sent=%d dropped_validation=%d dropped_overflow=%d breaker=%s health=%s issues=%v",
				snap.QueueSize, snap.Sent, snap.DroppedValidation, snap.DroppedOverflow,
				snap.BreakerState, health.Status, health.Issues)
			if snap.QueueSize == 0 && snap.Sent > 0 {
				if err := client.Shutdown(*shutdown); err != nil {
					log.Printf("shutdown: %v", err)
				}
				return
			}
		}
	}
}

// mockEndpoint is a minimal stand-in for the ingestion service: it accepts
// any well-formed batch and, at failRate, returns 500 to exercise retry and
// breaker behavior.
func mockEndpoint(failRate float64) http.HandlerFunc {
	var n int
	return func(w http.ResponseWriter, r *http.Request) {
		n++
		if failRate > 0 && float64(n%100)/100 < failRate {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body struct {
			Logs []record.Record `json:"logs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accepted": len(body.Logs),
			"rejected": 0,
			"errors":   []string{},
		})
	}
}
