package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/go-sync-resolve/logging"
)

// NotificationPayload is the row summary the insert trigger publishes.
type NotificationPayload struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	ConflictID string    `json:"conflict_id"`
	EntityID   string    `json:"entity_id"`
	Collection string    `json:"collection"`
	Strategy   string    `json:"strategy,omitempty"`
	Mode       string    `json:"mode,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// NotificationHandler handles one history notification.
type NotificationHandler func(payload NotificationPayload) error

// SubscriptionManager routes channel payloads to handlers.
type SubscriptionManager struct {
	subscriptions map[string][]NotificationHandler
	mu            stdSync.RWMutex
}

// NewSubscriptionManager creates a new subscription manager
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subscriptions: make(map[string][]NotificationHandler),
	}
}

// Subscribe adds a handler for a specific channel
func (sm *SubscriptionManager) Subscribe(channel string, handler NotificationHandler) {
	sm.add(channel, handler)
}

// add reports whether handler is the first one on channel.
func (sm *SubscriptionManager) add(channel string, handler NotificationHandler) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	first := len(sm.subscriptions[channel]) == 0
	sm.subscriptions[channel] = append(sm.subscriptions[channel], handler)
	return first
}

// Unsubscribe removes handlers for a specific channel
func (sm *SubscriptionManager) Unsubscribe(channel string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.subscriptions, channel)
}

// Channels returns all subscribed channels
func (sm *SubscriptionManager) Channels() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	channels := make([]string, 0, len(sm.subscriptions))
	for channel := range sm.subscriptions {
		channels = append(channels, channel)
	}
	return channels
}

// HandleNotification decodes payload and calls every handler of channel.
// Handler errors are collected; one failing handler does not stop the rest.
func (sm *SubscriptionManager) HandleNotification(channel string, payload string) error {
	sm.mu.RLock()
	handlers := append([]NotificationHandler(nil), sm.subscriptions[channel]...)
	sm.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var np NotificationPayload
	if err := json.Unmarshal([]byte(payload), &np); err != nil {
		return fmt.Errorf("failed to parse notification payload: %w", err)
	}

	var firstErr error
	failed := 0
	for _, handler := range handlers {
		if err := handler(np); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("%d handler(s) failed for channel %s: %w", failed, channel, firstErr)
	}
	return nil
}

// ListenerOption configures a NotificationListener.
type ListenerOption interface {
	apply(*NotificationListener)
}

type listenerOptionFn func(*NotificationListener)

func (f listenerOptionFn) apply(nl *NotificationListener) { f(nl) }

// WithListenerLogger sets the listener's logger.
func WithListenerLogger(l *logging.Logger) ListenerOption {
	return listenerOptionFn(func(nl *NotificationListener) { nl.logger = l })
}

// WithReconnectInterval sets the minimum reconnect delay.
func WithReconnectInterval(d time.Duration) ListenerOption {
	return listenerOptionFn(func(nl *NotificationListener) { nl.reconnectInterval = d })
}

// WithNotificationTimeout sets the maximum reconnect delay.
func WithNotificationTimeout(d time.Duration) ListenerOption {
	return listenerOptionFn(func(nl *NotificationListener) { nl.notificationTimeout = d })
}

// WithPingInterval sets how often an idle connection is pinged.
func WithPingInterval(d time.Duration) ListenerOption {
	return listenerOptionFn(func(nl *NotificationListener) { nl.pingInterval = d })
}

// NotificationListener manages a PostgreSQL LISTEN connection for history
// notifications.
type NotificationListener struct {
	connectionString string
	logger           *logging.Logger

	listener *pq.Listener
	closed   int32 // atomic
	started  int32 // atomic

	subscriptions *SubscriptionManager

	reconnectInterval   time.Duration
	notificationTimeout time.Duration
	pingInterval        time.Duration

	done chan struct{}
}

// NewNotificationListener creates a new PostgreSQL notification listener
func NewNotificationListener(connectionString string, opts ...ListenerOption) (*NotificationListener, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}

	nl := &NotificationListener{
		connectionString:    connectionString,
		logger:              logging.Discard(),
		subscriptions:       NewSubscriptionManager(),
		reconnectInterval:   5 * time.Second,
		notificationTimeout: 30 * time.Second,
		pingInterval:        90 * time.Second,
		done:                make(chan struct{}),
	}
	for _, o := range opts {
		o.apply(nl)
	}
	nl.logger = nl.logger.WithComponent("postgres-listener")

	nl.listener = pq.NewListener(
		connectionString,
		nl.reconnectInterval,
		nl.notificationTimeout,
		nl.eventCallback,
	)
	return nl, nil
}

// eventCallback handles pq.Listener events
func (nl *NotificationListener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		nl.logger.Debug("connected for LISTEN/NOTIFY",
			slog.String("data_source", maskConnectionString(nl.connectionString)))
	case pq.ListenerEventDisconnected:
		nl.logger.Warn("disconnected from PostgreSQL", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		nl.logger.Info("reconnected to PostgreSQL")
		// pq drops LISTEN state with the connection
		nl.resubscribeAllChannels()
	case pq.ListenerEventConnectionAttemptFailed:
		nl.logger.Warn("connection attempt failed", slog.Any("error", err))
	}
}

func (nl *NotificationListener) resubscribeAllChannels() {
	for _, channel := range nl.subscriptions.Channels() {
		if err := nl.listener.Listen(channel); err != nil && err != pq.ErrChannelAlreadyOpen {
			nl.logger.Error("re-subscribe failed", slog.String("channel", channel), slog.Any("error", err))
		}
	}
}

// Start begins dispatching notifications. Calling it again is a no-op.
func (nl *NotificationListener) Start(ctx context.Context) error {
	if atomic.LoadInt32(&nl.closed) == 1 {
		return fmt.Errorf("listener is closed")
	}
	if !atomic.CompareAndSwapInt32(&nl.started, 0, 1) {
		return nil
	}
	go nl.listenLoop(ctx)
	return nil
}

func (nl *NotificationListener) listenLoop(ctx context.Context) {
	defer nl.logger.Debug("notification listener stopped")

	ticker := time.NewTicker(nl.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-nl.done:
			return
		case notification := <-nl.listener.Notify:
			// nil after a reconnect
			if notification != nil {
				nl.dispatch(notification.Channel, notification.Extra)
			}
		case <-ticker.C:
			go func() {
				if err := nl.listener.Ping(); err != nil {
					nl.logger.Warn("ping failed", slog.Any("error", err))
				}
			}()
		}
	}
}

func (nl *NotificationListener) dispatch(channel, payload string) {
	if err := nl.subscriptions.HandleNotification(channel, payload); err != nil {
		nl.logger.Error("handling notification failed", slog.String("channel", channel), slog.Any("error", err))
	}
}

// Subscribe listens on channel and routes its payloads to handler.
func (nl *NotificationListener) Subscribe(channel string, handler NotificationHandler) error {
	if atomic.LoadInt32(&nl.closed) == 1 {
		return fmt.Errorf("listener is closed")
	}
	if !nl.subscriptions.add(channel, handler) {
		return nil
	}
	if err := nl.listener.Listen(channel); err != nil && err != pq.ErrChannelAlreadyOpen {
		nl.subscriptions.Unsubscribe(channel)
		return fmt.Errorf("failed to listen to channel %s: %w", channel, err)
	}
	nl.logger.Debug("subscribed", slog.String("channel", channel))
	return nil
}

// SubscribeToCollection delivers only the notifications of one collection
// published on channel.
func (nl *NotificationListener) SubscribeToCollection(channel, collection string, handler NotificationHandler) error {
	return nl.Subscribe(channel, collectionFilter(collection, handler))
}

func collectionFilter(collection string, handler NotificationHandler) NotificationHandler {
	return func(p NotificationPayload) error {
		if p.Collection != collection {
			return nil
		}
		return handler(p)
	}
}

// Unsubscribe drops every handler of channel and stops listening on it.
func (nl *NotificationListener) Unsubscribe(channel string) error {
	nl.subscriptions.Unsubscribe(channel)
	if err := nl.listener.Unlisten(channel); err != nil {
		return fmt.Errorf("failed to unlisten from channel %s: %w", channel, err)
	}
	return nil
}

// ActiveChannels returns a list of currently subscribed channels
func (nl *NotificationListener) ActiveChannels() []string {
	return nl.subscriptions.Channels()
}

// IsConnected returns true if the listener is connected to PostgreSQL
func (nl *NotificationListener) IsConnected() bool {
	if atomic.LoadInt32(&nl.closed) == 1 {
		return false
	}
	return nl.listener.Ping() == nil
}

// Close shuts down the notification listener
func (nl *NotificationListener) Close() error {
	if !atomic.CompareAndSwapInt32(&nl.closed, 0, 1) {
		return nil
	}
	close(nl.done)
	return nl.listener.Close()
}
