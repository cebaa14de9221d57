// Package transport implements the transport fabric: the WebTransport/QUIC
// listener, per-connection stream and datagram framing, and the bounded
// channels that bridge network I/O with the single-threaded simulation
// loop. Generalized from a single control+media protocol over one shared
// room to the racing wire catalog in internal/wire fanning out across the
// registry/catalog/session trio.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/quic-go/webtransport-go"

	"raceserver/internal/backpressure"
	"raceserver/internal/ids"
	"raceserver/internal/metrics"
	"raceserver/internal/registry"
	"raceserver/internal/wire"
)

// Config holds the externally configurable knobs threaded in from flags.
type Config struct {
	StreamBind          string
	DatagramBind        string // accepted for config-surface completeness; WebTransport multiplexes both over StreamBind's QUIC connection
	RequireTLS          bool
	TLSConfig           *tls.Config
	MaxMessageBytes     int
	GlobalInCapacity    int // shared by stream-inbound and datagram-inbound channels
	GlobalOutCapacity   int // datagram-outbound channel capacity
	PerConnOutCapacity  int // per-connection stream-outbound queue capacity
	AuthToken           string
}

// DefaultConfig returns the documented out-of-the-box defaults.
func DefaultConfig() Config {
	return Config{
		StreamBind:         ":9000",
		DatagramBind:       ":9001",
		MaxMessageBytes:    wire.MaxPayloadBytes,
		GlobalInCapacity:   1000,
		GlobalOutCapacity:  2000,
		PerConnOutCapacity: 100,
	}
}

// InboundMessage is one decoded frame handed from a reader task to the
// scheduler's drain loop.
type InboundMessage struct {
	ConnID ids.ConnectionID
	Type   string
	Data   json.RawMessage
	Addr   net.Addr
}

// Fabric owns the listener, the registry, and the bounded global channels.
// It has no notion of session/catalog semantics; those are wired in by the
// scheduler, which alone knows how to route a decoded message.
type Fabric struct {
	cfg      Config
	registry *registry.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger

	wtServer *webtransport.Server

	streamInbound    chan InboundMessage
	datagramInbound  chan InboundMessage
	datagramOutbound chan datagramJob
}

// datagramJob is one pending best-effort send, queued on the global
// datagram-outbound channel and dispatched to its connection by
// runDatagramWriter.
type datagramJob struct {
	connID ids.ConnectionID
	data   []byte
}

// New creates a Fabric bound to reg for connection bookkeeping. Call
// Serve to start accepting connections.
func New(cfg Config, reg *registry.Registry, m *metrics.Metrics) *Fabric {
	return &Fabric{
		cfg:              cfg,
		registry:         reg,
		metrics:          m,
		log:              slog.With("component", "transport"),
		streamInbound:    make(chan InboundMessage, cfg.GlobalInCapacity),
		datagramInbound:  make(chan InboundMessage, cfg.GlobalInCapacity),
		datagramOutbound: make(chan datagramJob, cfg.GlobalOutCapacity),
	}
}

// StreamInbound exposes the global stream-inbound channel for the
// scheduler's drain step.
func (f *Fabric) StreamInbound() <-chan InboundMessage { return f.streamInbound }

// DatagramInbound exposes the global datagram-inbound channel.
func (f *Fabric) DatagramInbound() <-chan InboundMessage { return f.datagramInbound }

// runDatagramWriter drains the global datagram-outbound channel and
// dispatches each job to its connection's live session, honoring the
// per-connection circuit breaker. One goroutine serves all connections;
// datagram sends are cheap enough that this never becomes the bottleneck
// the per-connection stream queues guard against.
func (f *Fabric) runDatagramWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-f.datagramOutbound:
			f.dispatchDatagram(job)
		}
	}
}

func (f *Fabric) dispatchDatagram(job datagramJob) {
	conn := f.registry.Connection(job.connID)
	if conn == nil || conn.DatagramSession == nil {
		return
	}
	if conn.Health.ShouldSkip() {
		return
	}
	if err := conn.DatagramSession.SendDatagram(job.data); err != nil {
		conn.Health.RecordFailure()
		return
	}
	conn.Health.RecordSuccess()
}

// Serve accepts WebTransport sessions on cfg.StreamBind until ctx is
// canceled. It never returns on a per-connection error; only a listener
// bind failure is returned to the caller, since that is the one error
// worth treating as fatal at boot.
func (f *Fabric) Serve(ctx context.Context) error {
	go f.runDatagramWriter(ctx)

	mux := http.NewServeMux()

	wt := &webtransport.Server{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	wt.H3.Addr = f.cfg.StreamBind
	wt.H3.TLSConfig = f.cfg.TLSConfig
	wt.H3.Handler = mux
	f.wtServer = wt

	mux.HandleFunc("/race", func(w http.ResponseWriter, r *http.Request) {
		sess, err := wt.Upgrade(w, r)
		if err != nil {
			f.log.Warn("webtransport upgrade failed", "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		go f.handleSession(ctx, sess)
	})

	errCh := make(chan error, 1)
	go func() { errCh <- wt.ListenAndServe() }()

	select {
	case <-ctx.Done():
		wt.Close()
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// handleSession manages one WebTransport session from accept to close.
func (f *Fabric) handleSession(ctx context.Context, sess *webtransport.Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := backpressure.NewQueue(f.cfg.PerConnOutCapacity, "stream", f.metrics)
	connID := f.registry.Register(sess.RemoteAddr(), queue)
	if conn := f.registry.Connection(connID); conn != nil {
		conn.DatagramSession = sess
	}

	defer func() {
		f.registry.Evict(connID, "session closed")
		sess.CloseWithError(0, "bye")
	}()

	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		f.log.Debug("accept stream failed", "conn_id", connID, "err", err)
		return
	}

	go f.writeLoop(ctx, stream, queue)
	go f.readDatagrams(ctx, sess, connID)

	f.readControlLoop(ctx, stream, connID)
}

func (f *Fabric) writeLoop(ctx context.Context, stream webtransport.Stream, queue *backpressure.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-queue.Chan():
			if !ok {
				return
			}
			if err := wire.WriteFrame(stream, payload); err != nil {
				return
			}
		}
	}
}

func (f *Fabric) readControlLoop(ctx context.Context, stream webtransport.Stream, connID ids.ConnectionID) {
	reader := bufio.NewReaderSize(stream, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload, err := wire.ReadFrame(reader)
		if err != nil {
			return // decode errors and socket errors terminate only this connection
		}
		if f.cfg.MaxMessageBytes > 0 && len(payload) > f.cfg.MaxMessageBytes {
			return // frames above the configured limit end the connection, like oversize frames
		}

		msgType, data, err := wire.DecodeEnvelopeType(payload)
		if err != nil {
			continue // ProtocolViolation: drop and keep reading, no user-visible reply
		}

		f.registry.Touch(connID)

		msg := InboundMessage{ConnID: connID, Type: msgType, Data: data}
		select {
		case f.streamInbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (f *Fabric) readDatagrams(ctx context.Context, sess *webtransport.Session, connID ids.ConnectionID) {
	for {
		raw, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		msgType, payload, err := wire.DecodeDatagram(raw)
		if err != nil {
			continue
		}

		conn := f.registry.Connection(connID)
		if conn != nil && conn.DatagramAddr == nil {
			conn.DatagramAddr = sess.RemoteAddr()
		}

		msg := InboundMessage{ConnID: connID, Type: msgType, Data: payload, Addr: sess.RemoteAddr()}
		select {
		case f.datagramInbound <- msg:
		default:
			// droppable by nature: inputs are superseded by the next sample
		}
	}
}

// SendToConnection enqueues a stream message for one connection, routing
// through the priority classification in wire.PriorityOf. Critical sends
// that ultimately fail evict the connection — a peer that can't keep up
// with critical traffic can't keep up with the session, period.
func (f *Fabric) SendToConnection(ctx context.Context, connID ids.ConnectionID, msgType string, payload any) {
	conn := f.registry.Connection(connID)
	if conn == nil {
		return
	}
	data, err := wire.EncodeEnvelope(msgType, payload)
	if err != nil {
		f.log.Error("failed to encode envelope", "type", msgType, "err", err)
		return
	}
	if err := conn.StreamQueue.Enqueue(ctx, msgType, data); errors.Is(err, backpressure.ErrQueueFull) {
		f.registry.EvictBackpressure(connID)
	}
}

// SendDatagramToConnection enqueues a best-effort datagram payload for one
// connection onto the global datagram-outbound channel. Non-blocking: if
// the channel is full the message is dropped and counted, the same as
// every other droppable-priority send path.
func (f *Fabric) SendDatagramToConnection(connID ids.ConnectionID, msgType string, payload any) {
	data, err := wire.EncodeDatagram(msgType, payload)
	if err != nil {
		return
	}
	select {
	case f.datagramOutbound <- datagramJob{connID: connID, data: data}:
	default:
		if f.metrics != nil {
			f.metrics.UDPMessagesDropped.Inc()
		}
	}
}
