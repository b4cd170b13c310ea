// Package messaging relays channel events between server instances over
// NATS. Each instance publishes the frames it broadcasts locally; remote
// instances replay them to their own connections, so participants attached
// to different servers see the same fan-out. Events carry the origin
// server's name so an instance never re-broadcasts its own frames.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectChannelEvents is the subject all channel event frames travel on.
const SubjectChannelEvents = "corner.chat.events"

// Event wraps a server->client frame with its origin instance.
type Event struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// RelayConfig holds NATS connection settings.
type RelayConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultRelayConfig returns sensible defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		URL:           "nats://localhost:4222",
		Name:          "corner-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Relay is the NATS-backed event bridge for one server instance.
type Relay struct {
	conn       *nats.Conn
	serverName string
	mu         sync.Mutex
	sub        *nats.Subscription
}

// NewRelay connects to NATS and returns a ready relay. serverName
// identifies this instance in published events.
func NewRelay(config RelayConfig, serverName string) (*Relay, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Relay{conn: nc, serverName: serverName}, nil
}

// Publish sends a server->client frame to the other instances.
func (r *Relay) Publish(frame []byte) error {
	data, err := json.Marshal(Event{Origin: r.serverName, Frame: frame})
	if err != nil {
		return fmt.Errorf("nats marshal event: %w", err)
	}
	return r.conn.Publish(SubjectChannelEvents, data)
}

// Subscribe registers a handler for frames published by other instances.
// Frames originating from this instance are filtered out.
func (r *Relay) Subscribe(handler func(frame []byte)) error {
	sub, err := r.conn.Subscribe(SubjectChannelEvents, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] bad event payload: %v", err)
			return
		}
		if event.Origin == r.serverName {
			return
		}
		handler(event.Frame)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectChannelEvents, err)
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

// Close drains the subscription and the connection.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		if err := r.sub.Drain(); err != nil {
			log.Printf("[nats] drain subscription: %v", err)
		}
		r.sub = nil
	}

	if err := r.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] relay closed")
}
