// Package ipc implements the IPC Gateway (spec §4.6): a line-delimited JSON
// server that bridges multiple interactive clients to the event bus. Every
// inbound and outbound message shares one envelope shape — there is no
// per-command message type — so adding a new bus event type never requires
// a new wire struct.
package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/ferretbot/ferretbot/internal/bus"
)

// inboundCommands are the envelope types the gateway translates directly
// into bus emissions (spec §4.6).
var inboundCommands = map[string]bool{
	"user:input":          true,
	"workflow:run:start":  true,
	"workflow:run:cancel": true,
	"workflow:run:list":   true,
	"workflow:run:resume": true,
}

// Gateway accepts line-delimited JSON connections and bridges them to a Bus.
// Each connection gets a clientId; outbound events addressed to that
// clientId (or broadcast events with no clientId) are written to it.
type Gateway struct {
	network string // "unix" or "tcp"
	address string
	bus     *bus.Bus
	logger  *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	unsub    bus.UnsubscribeFunc

	mu       sync.Mutex
	shutdown bool
	clients  map[string]net.Conn
}

// NewGateway creates a Gateway that will listen on network ("unix" or
// "tcp") at address and bridge to b.
func NewGateway(network, address string, b *bus.Bus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		network: network,
		address: address,
		bus:     b,
		logger:  logger.With("component", "ipc-gateway"),
		clients: make(map[string]net.Conn),
	}
}

// Address returns the listen address.
func (g *Gateway) Address() string {
	return g.address
}

// Start begins listening and blocks until ctx is cancelled or Shutdown is
// called, then shuts the gateway down.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.listen(); err != nil {
		return err
	}
	go g.acceptLoop(ctx)
	<-ctx.Done()
	return g.Shutdown()
}

// StartAsync begins listening and returns immediately; call Shutdown to
// stop.
func (g *Gateway) StartAsync(ctx context.Context) error {
	if err := g.listen(); err != nil {
		return err
	}
	go g.acceptLoop(ctx)
	return nil
}

func (g *Gateway) listen() error {
	listener, err := net.Listen(g.network, g.address)
	if err != nil {
		return fmt.Errorf("ipc: listen %s %s: %w", g.network, g.address, err)
	}
	g.listener = listener
	g.unsub = g.bus.Subscribe(bus.Wildcard, g.handleOutboundEvent)
	g.logger.Info("ipc gateway started", "network", g.network, "address", g.address)
	return nil
}

// Shutdown stops accepting connections, closes all client connections, and
// waits for in-flight handlers to finish.
func (g *Gateway) Shutdown() error {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return nil
	}
	g.shutdown = true
	conns := make([]net.Conn, 0, len(g.clients))
	for _, c := range g.clients {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	if g.unsub != nil {
		g.unsub()
	}
	if g.listener != nil {
		if err := g.listener.Close(); err != nil {
			g.logger.Error("error closing listener", "error", err)
		}
	}
	for _, c := range conns {
		_ = c.Close()
	}
	g.wg.Wait()
	g.logger.Info("ipc gateway stopped")
	return nil
}

func (g *Gateway) acceptLoop(ctx context.Context) {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			g.mu.Lock()
			shutdown := g.shutdown
			g.mu.Unlock()
			if shutdown {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			g.logger.Error("accept error", "error", err)
			continue
		}

		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.handleConnection(ctx, conn)
		}()
	}
}

func (g *Gateway) handleConnection(ctx context.Context, conn net.Conn) {
	clientID := uuid.NewString()

	g.mu.Lock()
	g.clients[clientID] = conn
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.clients, clientID)
		g.mu.Unlock()
		conn.Close()
	}()

	if err := g.writeEnvelope(conn, helloEnvelope(clientID)); err != nil {
		g.logger.Error("failed to send hello", "error", err)
		return
	}

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				g.logger.Error("read error", "client_id", clientID, "error", err)
			}
			return
		}

		g.handleInboundLine(clientID, line)
	}
}

func (g *Gateway) handleInboundLine(clientID string, line []byte) {
	in, ok := parseInbound(line)
	if !ok {
		g.logger.Warn("discarding unparseable inbound line", "client_id", clientID)
		return
	}
	if !inboundCommands[in.Type] {
		g.logger.Warn("discarding unrecognized inbound command", "client_id", clientID, "type", in.Type)
		return
	}

	sessionID := clientID
	if sid, ok := in.Content["sessionId"].(string); ok && sid != "" {
		sessionID = sid
	}

	g.bus.Emit(bus.EmitInput{
		Type:      in.Type,
		Content:   in.Content,
		SessionID: sessionID,
		ClientID:  clientID,
	})
}

func (g *Gateway) handleOutboundEvent(_ context.Context, evt *bus.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if evt.ClientID != "" {
		conn, ok := g.clients[evt.ClientID]
		if !ok {
			return nil
		}
		return g.writeEnvelope(conn, evt)
	}

	var firstErr error
	for _, conn := range g.clients {
		if err := g.writeEnvelope(conn, evt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *Gateway) writeEnvelope(conn net.Conn, v any) error {
	data, err := marshalEnvelope(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}
