package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	constantproduct "github.com/defistate/defistate-amm-go/protocols/constantproduct"
	"github.com/ethereum/go-ethereum/rpc"
)

// Constants for reconnection logic
const (
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second

	// RpcNamespace is the namespace under which the pool API is registered.
	RpcNamespace             = "amm"
	EventsSubscriptionMethod = "subscribeEvents"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds the configuration for the client.
type Config struct {
	URL        string
	Logger     Logger
	BufferSize uint
}

// validate checks if the configuration is valid.
func (c *Config) validate() error {
	if c.URL == "" {
		return errors.New("config: URL is required")
	}
	if c.BufferSize < 1 {
		return errors.New("config: BufferSize must be greater than 0")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	return nil
}

// SubscriptionEvent is the wrapper object received from the server.
type SubscriptionEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SentAt  int64           `json:"sentAt"`
}

// -----------------------------------------------------------------------------
// StreamProcessor
// -----------------------------------------------------------------------------

// StreamProcessor handles the business logic of parsing messages, maintaining
// the latest view, applying events, and broadcasting updates.
// It is decoupled from the networking layer.
type StreamProcessor struct {
	lastView *constantproduct.PoolView
	viewCh   chan constantproduct.PoolView
	logger   Logger
}

// NewStreamProcessor creates a pure logic processor without networking.
func NewStreamProcessor(logger Logger, bufferSize uint) *StreamProcessor {
	return &StreamProcessor{
		logger: logger,
		viewCh: make(chan constantproduct.PoolView, bufferSize),
	}
}

// View returns a read-only channel for receiving new views.
func (sp *StreamProcessor) View() <-chan constantproduct.PoolView {
	return sp.viewCh
}

// Reset forgets the last view so the next message must be a full view.
func (sp *StreamProcessor) Reset() {
	sp.lastView = nil
}

// ProcessMessage accepts a raw JSON message, processes it, and updates the internal view.
// A sequence gap is reported as constantproduct.ErrOutOfOrder; the caller should resubscribe.
func (sp *StreamProcessor) ProcessMessage(rawData json.RawMessage) error {
	processingStart := time.Now()
	var event SubscriptionEvent

	if err := json.Unmarshal(rawData, &event); err != nil {
		return fmt.Errorf("failed to unmarshal subscription event: %w", err)
	}

	switch event.Type {
	case "full":
		return sp.handleFullView(event, processingStart)
	case "event":
		return sp.handleEvent(event, processingStart)
	default:
		return fmt.Errorf("received unknown event type: %s", event.Type)
	}
}

func (sp *StreamProcessor) handleFullView(event SubscriptionEvent, start time.Time) error {
	var view constantproduct.PoolView
	if err := json.Unmarshal(event.Payload, &view); err != nil {
		return fmt.Errorf("failed to unmarshal full view payload: %w", err)
	}
	view = view.Copy()

	sp.logMetrics(view, time.Since(start), event.SentAt, "full")
	sp.storeView(view)
	sp.viewCh <- view
	return nil
}

func (sp *StreamProcessor) handleEvent(event SubscriptionEvent, start time.Time) error {
	var cRecord clientRecord
	if err := json.Unmarshal(event.Payload, &cRecord); err != nil {
		return fmt.Errorf("failed to unmarshal event payload: %w", err)
	}

	if sp.lastView == nil {
		return fmt.Errorf("received event before full view; seq: %d", cRecord.Seq)
	}

	lastSeq := sp.lastView.Seq
	if cRecord.Seq <= lastSeq {
		sp.logger.Warn(
			"Received stale event; already reflected in view. Discarding.",
			"last_known_seq", lastSeq,
			"event_seq", cRecord.Seq,
		)
		return nil // Non-fatal, just ignored
	}
	if cRecord.Seq != lastSeq+1 {
		sp.logger.Warn(
			"Received out-of-order event; view is out of sync. Discarding.",
			"last_known_seq", lastSeq,
			"event_seq", cRecord.Seq,
		)
		return fmt.Errorf("%w: expected seq %d, got %d", constantproduct.ErrOutOfOrder, lastSeq+1, cRecord.Seq)
	}

	ev, err := constantproduct.DecodeEvent(cRecord.Type, cRecord.Event)
	if err != nil {
		return err
	}

	newView, err := constantproduct.Patch(*sp.lastView, constantproduct.Record{Seq: cRecord.Seq, Event: ev})
	if err != nil {
		return fmt.Errorf("failed to patch view: %w", err)
	}

	sp.logMetrics(newView, time.Since(start), event.SentAt, string(cRecord.Type))
	sp.storeView(newView)
	sp.viewCh <- newView
	return nil
}

func (sp *StreamProcessor) storeView(view constantproduct.PoolView) {
	sp.lastView = &view
}

func (sp *StreamProcessor) logMetrics(view constantproduct.PoolView, processingDur time.Duration, sentAt int64, messageType string) {
	clientFinishTime := time.Now()
	clientStartTime := clientFinishTime.Add(-processingDur)
	serverFinishTime := time.Unix(0, sentAt)

	sp.logger.Debug("View Processed",
		"pool", view.Name,
		"seq", view.Seq,
		"type", messageType,
		"reserveX", view.ReserveX.Dec(),
		"reserveY", view.ReserveY.Dec(),
		"latency_transport_ms", clientStartTime.Sub(serverFinishTime).Milliseconds(),
		"latency_proc_ms", processingDur.Milliseconds(),
	)
}

// -----------------------------------------------------------------------------
// Client (Networking Wrapper)
// -----------------------------------------------------------------------------

// Client manages the connection and uses StreamProcessor for logic.
type Client struct {
	processor *StreamProcessor
	errCh     chan error
	logger    Logger
}

// NewClient creates a new client with networking enabled.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client := &Client{
		processor: NewStreamProcessor(cfg.Logger, cfg.BufferSize),
		errCh:     make(chan error, 1),
		logger:    cfg.Logger,
	}

	go client.run(ctx, cfg.URL)
	return client, nil
}

// View delegates to the processor's view channel.
func (c *Client) View() <-chan constantproduct.PoolView {
	return c.processor.View()
}

// Err returns a read-only channel that is closed when the client stops.
func (c *Client) Err() <-chan error {
	return c.errCh
}

// run handles the networking lifecycle and feeds data to the processor.
func (c *Client) run(ctx context.Context, url string) {
	defer close(c.errCh)
	reconnectDelay := initialReconnectDelay

	for {
		if ctx.Err() != nil {
			c.logger.Info("Client context canceled, shutting down.")
			return
		}

		c.logger.Info("Attempting to connect to RPC server", "url", url)
		rpcClient, err := rpc.DialContext(ctx, url)
		if err != nil {
			c.logger.Error("Failed to connect to RPC server, will retry...", "error", err, "delay", reconnectDelay)
			if !sleep(ctx, reconnectDelay) {
				return
			}
			reconnectDelay = min(reconnectDelay*2, maxReconnectDelay)
			continue
		}

		c.logger.Info("Successfully connected to RPC server.")
		reconnectDelay = initialReconnectDelay

		err = c.subscribeAndProcess(ctx, rpcClient)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("Context canceled, shutting down.")
				return
			}
			if errors.Is(err, constantproduct.ErrOutOfOrder) {
				c.logger.Warn("View out of sync, resubscribing.", "error", err)
				continue
			}
			c.logger.Error("Subscription failed, will reconnect...", "error", err, "delay", reconnectDelay)
			if !sleep(ctx, reconnectDelay) {
				return
			}
			reconnectDelay = min(reconnectDelay*2, maxReconnectDelay)
		}
	}
}

func (c *Client) subscribeAndProcess(ctx context.Context, rpcClient *rpc.Client) error {
	defer rpcClient.Close()
	c.processor.Reset()

	rawCh := make(chan json.RawMessage)
	sub, err := rpcClient.Subscribe(ctx, RpcNamespace, rawCh, EventsSubscriptionMethod)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	c.logger.Info("Successfully subscribed. Waiting for data...")
	for {
		select {
		case rawData := <-rawCh:
			// Delegate logic to the processor
			if err := c.processor.ProcessMessage(rawData); err != nil {
				if errors.Is(err, constantproduct.ErrOutOfOrder) {
					return err
				}
				c.logger.Error("Error processing message", "error", err)
			}
		case err := <-sub.Err():
			return err
		case <-ctx.Done():
			c.logger.Info("Context cancelled, stopping subscription.")
			return ctx.Err()
		}
	}
}

// sleep waits for d or until ctx is done, reporting whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
