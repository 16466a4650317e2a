// Package transport wraps an embedded NATS server and client, used by
// the message bus as a live fan-out notification channel layered over
// its SQLite system of record.
package transport

import (
	"fmt"
	"log"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	nc "github.com/nats-io/nats.go"
)

// Server wraps an embedded, in-process NATS server.
type Server struct {
	ns *natsserver.Server
}

// StartEmbeddedServer boots an embedded NATS server on port, blocking
// until it is ready to accept connections or the timeout elapses.
func StartEmbeddedServer(port int) (*Server, error) {
	opts := &natsserver.Options{
		Port:      port,
		Host:      "127.0.0.1",
		NoLog:     true,
		NoSigs:    true,
		JetStream: false,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("transport: create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("transport: nats server not ready within timeout")
	}

	return &Server{ns: ns}, nil
}

// URL returns the client connection URL for this embedded server.
func (s *Server) URL() string {
	return s.ns.ClientURL()
}

// Shutdown stops the embedded NATS server.
func (s *Server) Shutdown() {
	s.ns.Shutdown()
}

// Client wraps a NATS connection used for live fan-out of bus events.
type Client struct {
	conn     *nc.Conn
	clientID string
}

// NewClient connects to a NATS server with reconnect enabled indefinitely.
func NewClient(url, clientID string) (*Client, error) {
	opts := []nc.Option{
		nc.Name(clientID),
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Printf("[TRANSPORT] disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(_ *nc.Conn) {
			log.Printf("[TRANSPORT] reconnected")
		}),
		nc.ClosedHandler(func(_ *nc.Conn) {
			log.Printf("[TRANSPORT] connection closed")
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: connect: %w", err)
	}

	return &Client{conn: conn, clientID: clientID}, nil
}

// Publish sends a raw payload on subject.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("transport: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for subject, returning the subscription
// so the caller can unsubscribe later.
func (c *Client) Subscribe(subject string, handler nc.MsgHandler) (*nc.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Flush waits for all pending publishes to be flushed to the server.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// IsConnected reports whether the underlying connection is live.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close closes the connection without draining pending messages.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
