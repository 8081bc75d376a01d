// Package transport turns a batch of validated records into a classified
// outcome by POSTing it to the remote ingestion endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mkutlak/ingestlog/pkg/ingestlog/record"
)

// Class classifies the result of one transport attempt. It is the sole
// input to the retry policy; nothing downstream inspects the raw HTTP
// response or error again.
type Class int

const (
	// Accepted corresponds to HTTP 202: the batch was committed, possibly
	// with some per-record rejections.
	Accepted Class = iota
	// ClientValidation corresponds to HTTP 400: the batch is malformed and
	// must be dropped without retry.
	ClientValidation
	// AuthInvalid corresponds to HTTP 401: the API key is rejected; the
	// client must latch until credentials are refreshed.
	AuthInvalid
	// NotFound corresponds to HTTP 404: the project/endpoint does not
	// exist; the client must latch.
	NotFound
	// Throttled corresponds to HTTP 429: retry after the server-directed
	// delay.
	Throttled
	// BackpressureFull corresponds to HTTP 503: retry after the
	// server-directed delay; repeated occurrences slow the Flusher down.
	BackpressureFull
	// ServerTransient corresponds to any other 5xx: retry with exponential
	// backoff.
	ServerTransient
	// NetworkError covers timeouts, DNS failures, connection refused, and
	// TLS failures.
	NetworkError
)

func (c Class) String() string {
	switch c {
	case Accepted:
		return "accepted"
	case ClientValidation:
		return "client_validation"
	case AuthInvalid:
		return "auth_invalid"
	case NotFound:
		return "not_found"
	case Throttled:
		return "throttled"
	case BackpressureFull:
		return "backpressure_full"
	case ServerTransient:
		return "server_transient"
	case NetworkError:
		return "network_error"
	default:
		return "unknown"
	}
}

// Outcome is the result of one transport attempt.
type Outcome struct {
	Class Class
	// RetryAfter is the server-directed delay for Throttled and
	// BackpressureFull outcomes (defaults to 60s when absent).
	RetryAfter time.Duration
	// Accepted/Rejected/Errors are populated only for Accepted outcomes.
	Accepted int
	Rejected int
	Errors   []string
	// Err is the underlying error for NetworkError and any transport
	// failure that prevented a response from being classified otherwise.
	Err error
}

type acceptedBody struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors"`
}

type requestBody struct {
	Logs []record.Record `json:"logs"`
}

// Config configures the Transport's connection pool and per-request
// timeout.
type Config struct {
	BaseURL      string
	APIKey       string
	PoolSize     int
	RequestTimeout time.Duration
}

// Transport sends batches over HTTP and classifies the result. It owns a
// connection-pooled *http.Client for the lifetime of the Client facade.
type Transport struct {
	cfg    Config
	client *http.Client
}

// New builds a Transport with a connection pool sized per cfg.PoolSize
// (default 10) and a per-request timeout (default 5s).
func New(cfg Config) *Transport {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}

	rt := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Transport{
		cfg: cfg,
		client: &http.Client{
			Transport: rt,
			Timeout:   cfg.RequestTimeout,
		},
	}
}

// SetAPIKey updates the bearer credential used on subsequent requests;
// used by RefreshCredentials to clear an AuthInvalid latch without
// rebuilding the connection pool.
func (t *Transport) SetAPIKey(key string) {
	t.cfg.APIKey = key
}

// Close releases the connection pool. Safe to call once on Shutdown.
func (t *Transport) Close() {
	t.client.CloseIdleConnections()
}

// Send POSTs batch to {base_url}/api/v1/ingest/batch and classifies the
// result. ctx governs the request's cancellation (shutdown or per-request
// timeout, whichever fires first).
func (t *Transport) Send(ctx context.Context, batch []record.Record) Outcome {
	payload, err := json.Marshal(requestBody{Logs: batch})
	if err != nil {
		return Outcome{Class: ClientValidation, Err: fmt.Errorf("encode batch: %w", err)}
	}

	url := t.cfg.BaseURL + "/api/v1/ingest/batch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Outcome{Class: ClientValidation, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// Timeouts, DNS failures, connection refused, and TLS failures all
		// surface here as a non-nil error with no response; all are
		// retryable network errors per §4.4.
		return Outcome{Class: NetworkError, Err: err}
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	return classifyResponse(resp)
}

func classifyResponse(resp *http.Response) Outcome {
	switch resp.StatusCode {
	case http.StatusAccepted:
		var body acceptedBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return Outcome{Class: Accepted, Accepted: body.Accepted, Rejected: body.Rejected, Errors: body.Errors}
	case http.StatusBadRequest:
		return Outcome{Class: ClientValidation}
	case http.StatusUnauthorized:
		return Outcome{Class: AuthInvalid}
	case http.StatusNotFound:
		return Outcome{Class: NotFound}
	case http.StatusTooManyRequests:
		return Outcome{Class: Throttled, RetryAfter: retryAfter(resp)}
	case http.StatusServiceUnavailable:
		return Outcome{Class: BackpressureFull, RetryAfter: retryAfter(resp)}
	default:
		if resp.StatusCode >= 500 {
			return Outcome{Class: ServerTransient}
		}
		return Outcome{Class: ServerTransient, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}

// retryAfter reads the Retry-After header as integer seconds, defaulting
// to 60s when the header is absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 60 * time.Second
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 60 * time.Second
	}
	return time.Duration(secs) * time.Second
}
