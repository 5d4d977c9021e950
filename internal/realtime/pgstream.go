package realtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	DefaultPostgresChannel = "fieldalert_changes"

	postgresPingInterval = 90 * time.Second
)

type PostgresStreamOptions struct {
	DSN                  string
	Channel              string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	Logger               Logger
}

// PostgresStream receives change events published with pg_notify on one
// channel and fans them out through a Broker.
type PostgresStream struct {
	opts   PostgresStreamOptions
	broker *Broker

	mu       sync.Mutex
	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewPostgresStream(opts PostgresStreamOptions) (*PostgresStream, error) {
	opts.DSN = strings.TrimSpace(opts.DSN)
	if opts.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if strings.TrimSpace(opts.Channel) == "" {
		opts.Channel = DefaultPostgresChannel
	}
	if opts.MinReconnectInterval <= 0 {
		opts.MinReconnectInterval = time.Second
	}
	if opts.MaxReconnectInterval < opts.MinReconnectInterval {
		opts.MaxReconnectInterval = 30 * time.Second
	}
	return &PostgresStream{opts: opts, broker: NewBroker()}, nil
}

// Start opens the LISTEN connection. pq.Listener reconnects on its own.
func (s *PostgresStream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	listener := pq.NewListener(s.opts.DSN, s.opts.MinReconnectInterval, s.opts.MaxReconnectInterval, func(event pq.ListenerEventType, err error) {
		switch event {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			s.logf("postgres change listener %s: %v", listenerEventName(event), err)
		case pq.ListenerEventReconnected:
			s.logf("postgres change listener reconnected; events during the gap are lost")
		}
	})
	if err := listener.Listen(s.opts.Channel); err != nil {
		_ = listener.Close()
		return fmt.Errorf("listen %s: %w", s.opts.Channel, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.listener = listener
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, listener, s.done)
	return nil
}

func (s *PostgresStream) Subscribe(ctx context.Context, filter Filter, handler Handler) (func(), error) {
	return s.broker.Subscribe(ctx, filter, handler)
}

func (s *PostgresStream) Close() error {
	s.mu.Lock()
	listener := s.listener
	cancel := s.cancel
	done := s.done
	s.listener = nil
	s.mu.Unlock()
	if listener == nil {
		return nil
	}
	cancel()
	<-done
	s.broker.Close()
	return listener.Close()
}

func (s *PostgresStream) loop(ctx context.Context, listener *pq.Listener, done chan struct{}) {
	defer close(done)
	ping := time.NewTicker(postgresPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					s.logf("postgres change listener ping failed: %v", err)
				}
			}()
		case notification, ok := <-listener.Notify:
			if !ok {
				return
			}
			if notification == nil {
				continue
			}
			event, err := parseNotification(notification.Extra)
			if err != nil {
				s.logf("postgres change notification dropped: %v", err)
				continue
			}
			s.broker.Publish(event)
		}
	}
}

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PublishPostgres sends event through pg_notify on channel.
func PublishPostgres(ctx context.Context, db Execer, channel string, event ChangeEvent) error {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultPostgresChannel
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(payload))
	return err
}

func parseNotification(payload string) (ChangeEvent, error) {
	var event ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return ChangeEvent{}, err
	}
	return NormalizeChangeEvent(event)
}

// NormalizeChangeEvent rejects events on unknown channels or without a new
// record and infers a missing operation.
func NormalizeChangeEvent(event ChangeEvent) (ChangeEvent, error) {
	if event.Channel != ChannelAssignmentCreated && event.Channel != ChannelEntityUpdated {
		return ChangeEvent{}, fmt.Errorf("unknown change channel %q", event.Channel)
	}
	if len(event.New) == 0 || string(event.New) == "null" {
		return ChangeEvent{}, errors.New("change event without new record")
	}
	if event.Operation == "" {
		event.Operation = OperationUpdate
		if len(event.Old) == 0 {
			event.Operation = OperationInsert
		}
	}
	return event, nil
}

func listenerEventName(event pq.ListenerEventType) string {
	switch event {
	case pq.ListenerEventConnected:
		return "connected"
	case pq.ListenerEventDisconnected:
		return "disconnected"
	case pq.ListenerEventReconnected:
		return "reconnected"
	case pq.ListenerEventConnectionAttemptFailed:
		return "connection attempt failed"
	default:
		return "unknown"
	}
}

func (s *PostgresStream) logf(format string, args ...any) {
	if s.opts.Logger == nil {
		return
	}
	s.opts.Logger.Printf(format, args...)
}
