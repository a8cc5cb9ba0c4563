package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KeychainMDIP/kc-sub000"
	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// retryDelay is the delay before retrying the stream after an error.
	retryDelay = 5 * time.Second

	// Used as the timeout for websocket reads, triggering a reconnect.
	// Upstream pings every pingInterval, so an idle but healthy stream never hits it.
	streamReadTimeout = 2 * pingInterval
)

// Ingestor replicates events from an upstream gatekeeper: it streams newly
// accepted events over a websocket, and catches up by exporting the upstream's
// batch whenever the stream (re)connects or fails.
type Ingestor struct {
	gk                *mdip.Gatekeeper
	state             *State
	upstream          *mdip.Client
	parsedUpstreamURL *url.URL
	userAgent         string
	wsDialer          *websocket.Dialer
	logger            *slog.Logger
}

func NewIngestor(gk *mdip.Gatekeeper, state *State, upstreamURL string, logger *slog.Logger) (*Ingestor, error) {
	parsed, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream URL scheme: %q", parsed.Scheme)
	}
	return &Ingestor{
		gk:                gk,
		state:             state,
		upstream:          mdip.NewClient(upstreamURL),
		parsedUpstreamURL: parsed,
		userAgent:         fmt.Sprintf("mdip-gatekeeper/%s", versioninfo.Short()),
		wsDialer:          websocket.DefaultDialer,
		logger:            logger.With("component", "ingestor"),
	}, nil
}

func recordIngestState(ctx context.Context, attr attribute.KeyValue) {
	// Record 1 for the active state, 0 for the other
	if attr == IngestStateStream {
		IngestStateGauge.Record(ctx, 1, metric.WithAttributes(IngestStateStream))
		IngestStateGauge.Record(ctx, 0, metric.WithAttributes(IngestStatePaginated))
	} else {
		IngestStateGauge.Record(ctx, 1, metric.WithAttributes(IngestStatePaginated))
		IngestStateGauge.Record(ctx, 0, metric.WithAttributes(IngestStateStream))
	}
}

// Run blocks until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		recordIngestState(ctx, IngestStateStream)
		err := i.ingestStream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		i.logger.Error("stream ingestion error, falling back to batch export", "error", err)

		recordIngestState(ctx, IngestStatePaginated)
		if err := i.CatchUp(ctx); err != nil && ctx.Err() == nil {
			i.logger.Error("batch export ingestion error", "error", err)
		}
		if !sleepCtx(ctx, retryDelay) {
			return nil
		}
	}
}

// CatchUp imports the upstream's full export batch. Events already known are merged, so this is idempotent.
func (i *Ingestor) CatchUp(ctx context.Context) error {
	events, err := i.upstream.ExportBatch(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to export batch: %w", err)
	}
	i.logger.Info("fetched upstream batch", "events", len(events))
	_, err = i.importEvents(ctx, events)
	return err
}

// importEvents queues the events and merges them right away.
func (i *Ingestor) importEvents(ctx context.Context, events []mdip.Event) (*mdip.ProcessEventsResult, error) {
	batch := make([]mdip.Event, 0, len(events))
	for _, ev := range events {
		// local DIDs are not distributed
		if c := ev.Operation.Create; c != nil && c.Mdip != nil && c.Mdip.Registry == mdip.RegistryLocal {
			continue
		}
		batch = append(batch, ev)
	}
	if len(batch) == 0 {
		return &mdip.ProcessEventsResult{}, nil
	}

	imported, err := i.gk.ImportBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	res := i.gk.ProcessEvents(ctx)
	recordProcessed(ctx, res)

	for _, ev := range batch {
		if t, err := time.Parse(time.RFC3339Nano, ev.Time); err == nil {
			i.state.SetLastImportedEventTime(t)
		}
	}
	if t := i.state.GetLastImportedEventTime(); !t.IsZero() {
		LastImportedEventTsGauge.Record(ctx, t.Unix())
	}

	i.logger.Debug("imported events", "queued", imported.Queued, "rejected", imported.Rejected, "added", res.Added, "merged", res.Merged, "pending", res.Pending)
	return res, nil
}

// ingestStream connects to the upstream's event stream, catches up, and then
// imports streamed events until an error occurs.
func (i *Ingestor) ingestStream(ctx context.Context) error {
	wsURL := buildStreamURL(i.parsedUpstreamURL)
	i.logger.Debug("websocket connecting", "url", wsURL)

	header := http.Header{}
	header.Set("User-Agent", i.userAgent)

	conn, _, err := i.wsDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	// Close the connection when ctx is cancelled. ReadMessage doesn't accept
	// a context, so we need this goroutine to interrupt it.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)
	defer conn.Close()

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	i.logger.Info("websocket connected", "url", wsURL)

	// events accepted upstream before we subscribed
	if err := i.CatchUp(ctx); err != nil {
		return err
	}

	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read error: %w", err)
		}

		var event mdip.Event
		if err := json.Unmarshal(msg, &event); err != nil {
			i.logger.Warn("skipping undecodable streamed event", "error", err)
			continue
		}

		if _, err := i.importEvents(ctx, []mdip.Event{event}); err != nil {
			if errors.Is(err, mdip.ErrInvalidParameter) {
				i.logger.Warn("skipping streamed event", "error", err)
				continue
			}
			return err
		}
	}
}

// buildStreamURL converts an upstream HTTP(S) URL to the websocket URL of its event stream
func buildStreamURL(base *url.URL) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/events/stream"
	return u.String()
}

// sleepCtx sleeps for the given duration or until ctx is cancelled.
// Returns false if ctx was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
