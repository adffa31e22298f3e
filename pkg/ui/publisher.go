// Package ui streams recorder state to an attached UI over a local
// websocket. The recorder publishes immutable snapshots; rendering is out
// of scope and happens on the other end of the socket.
package ui

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Logger is the narrow logging surface used across the module.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type noOpLogger struct{}

func (noOpLogger) Debug(msg string, args ...interface{}) {}
func (noOpLogger) Info(msg string, args ...interface{})  {}
func (noOpLogger) Warn(msg string, args ...interface{})  {}
func (noOpLogger) Error(msg string, args ...interface{}) {}

// SegmentView is one transcript row with the display name resolved.
type SegmentView struct {
	SpeakerID string  `json:"speaker_id"`
	Name      string  `json:"name"`
	Stream    string  `json:"stream"`
	T0        float64 `json:"t0"`
	T1        float64 `json:"t1,omitempty"`
	Text      string  `json:"text"`
	Partial   bool    `json:"partial"`
}

// Snapshot is one immutable state update pushed to every subscriber.
type Snapshot struct {
	Type     string             `json:"type"`
	State    string             `json:"state"`
	Meeting  string             `json:"meeting,omitempty"`
	Segments []SegmentView      `json:"segments,omitempty"`
	LastText string             `json:"last_text,omitempty"`
	Levels   map[string]float64 `json:"levels,omitempty"`
}

const subscriberBuffer = 16

// Publisher is a local websocket endpoint at /events. Slow subscribers
// lose old snapshots, never block the recorder.
type Publisher struct {
	logger Logger

	mu     sync.Mutex
	subs   map[chan Snapshot]struct{}
	server *http.Server
	addr   string
}

func NewPublisher(logger Logger) *Publisher {
	if logger == nil {
		logger = noOpLogger{}
	}
	return &Publisher{
		logger: logger,
		subs:   make(map[chan Snapshot]struct{}),
	}
}

// Listen starts serving on addr (e.g. "127.0.0.1:8731"). Addr may be port
// zero; Addr() reports what was bound.
func (p *Publisher) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", p.handleEvents)

	srv := &http.Server{Handler: mux}
	p.mu.Lock()
	p.server = srv
	p.addr = ln.Addr().String()
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error("ui server failed", "error", err)
		}
	}()
	p.logger.Info("ui publisher listening", "addr", p.Addr())
	return nil
}

// Addr returns the bound address, empty before Listen.
func (p *Publisher) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Publish fans a snapshot out to every subscriber without blocking; a full
// subscriber drops its oldest buffered snapshot.
func (p *Publisher) Publish(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// Close shuts the server down and disconnects subscribers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (p *Publisher) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local loopback endpoint
	})
	if err != nil {
		p.logger.Warn("ui accept failed", "error", err)
		return
	}

	ch := make(chan Snapshot, subscriberBuffer)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.subs, ch)
		p.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()

	// consume and discard anything the client sends; read failure doubles
	// as disconnect detection
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case snap := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, snap)
			cancel()
			if err != nil {
				p.logger.Debug("ui write failed, dropping subscriber", "error", err)
				return
			}
		}
	}
}
