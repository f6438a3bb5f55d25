package realtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

const (
	defaultOutboundBuffer  = 64
	defaultWriteTimeout    = 10 * time.Second
	defaultMaxMessageBytes = 64 << 10
)

var errMessageTooBig = errors.New("realtime: client message exceeds size limit")

// TransportConfig configures websocket serving.
type TransportConfig struct {
	Gateway        *Gateway
	Logger         *zap.Logger
	OutboundBuffer int
	// PingInterval enables server pings when positive.
	PingInterval time.Duration
	WriteTimeout time.Duration
	// MaxMessageBytes bounds one client message across all of its fragments.
	MaxMessageBytes int64
}

// Transport runs the reader and writer loops of upgraded websocket connections.
type Transport struct {
	gateway         *Gateway
	logger          *zap.Logger
	outboundBuffer  int
	pingInterval    time.Duration
	writeTimeout    time.Duration
	maxMessageBytes int64
}

// NewTransport constructs a Transport.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("realtime: gateway required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	outboundBuffer := cfg.OutboundBuffer
	if outboundBuffer <= 0 {
		outboundBuffer = defaultOutboundBuffer
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	return &Transport{
		gateway:         cfg.Gateway,
		logger:          logger,
		outboundBuffer:  outboundBuffer,
		pingInterval:    cfg.PingInterval,
		writeTimeout:    writeTimeout,
		maxMessageBytes: maxMessageBytes,
	}, nil
}

// outbound is the buffered Peer drained by a connection's writer loop.
type outbound struct {
	messages chan ServerMessage
	done     chan struct{}
	once     sync.Once
}

func newOutbound(buffer int) *outbound {
	return &outbound{
		messages: make(chan ServerMessage, buffer),
		done:     make(chan struct{}),
	}
}

func (o *outbound) Deliver(message ServerMessage) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.messages <- message:
		return true
	default:
		return false
	}
}

func (o *outbound) stop() {
	o.once.Do(func() { close(o.done) })
}

// frameWriter serializes whole frames onto the connection.
type frameWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

func (w *frameWriter) writeFrame(frame ws.Frame) error {
	compiled, err := ws.CompileFrame(frame)
	if err != nil {
		return err
	}
	return w.writeRaw(compiled)
}

func (w *frameWriter) writeRaw(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return err
	}
	_, err := w.conn.Write(payload)
	return err
}

// Serve runs the connection until the peer closes it, a read fails or ctx ends.
// The connection is closed on return.
func (t *Transport) Serve(ctx context.Context, conn net.Conn, codec Codec) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	peer := newOutbound(t.outboundBuffer)
	session, err := t.gateway.Open(peer)
	if err != nil {
		t.logger.Error("failed to register websocket connection", zap.Error(err))
		_ = conn.Close()
		return
	}
	writer := &frameWriter{conn: conn, timeout: t.writeTimeout}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.writeLoop(ctx, cancel, writer, peer, codec)
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if err := t.readLoop(ctx, conn, writer, session, codec); err != nil && !isClosure(err) {
		t.logger.Debug("websocket read ended",
			zap.Uint64("connection_id", uint64(session.ID())),
			zap.Error(err))
	}

	session.Close(context.WithoutCancel(ctx))
	peer.stop()
	cancel()
	wg.Wait()
}

func (t *Transport) readLoop(ctx context.Context, conn net.Conn, writer *frameWriter, session *Session, codec Codec) error {
	var control bytes.Buffer
	controlHandler := wsutil.ControlFrameHandler(&control, ws.StateServerSide)
	flushControl := func() error {
		if control.Len() == 0 {
			return nil
		}
		defer control.Reset()
		return writer.writeRaw(control.Bytes())
	}
	reader := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: controlHandler,
	}

	for {
		header, err := reader.NextFrame()
		if err != nil {
			return err
		}
		if header.OpCode.IsControl() {
			handleErr := controlHandler(header, reader)
			if err := flushControl(); err != nil {
				return err
			}
			if handleErr != nil {
				return handleErr
			}
			continue
		}
		if header.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := reader.Discard(); err != nil {
				return err
			}
			continue
		}
		if header.Length > t.maxMessageBytes {
			return t.rejectOversized(writer)
		}
		payload, err := io.ReadAll(io.LimitReader(reader, t.maxMessageBytes+1))
		if flushErr := flushControl(); flushErr != nil {
			return flushErr
		}
		if err != nil {
			return err
		}
		if int64(len(payload)) > t.maxMessageBytes {
			return t.rejectOversized(writer)
		}

		message, err := codec.DecodeClient(payload)
		if err != nil {
			session.Reject(err)
			continue
		}
		session.Handle(ctx, message)
	}
}

// rejectOversized sends a 1009 close frame; the caller then tears the connection down.
func (t *Transport) rejectOversized(writer *frameWriter) error {
	body := ws.NewCloseFrameBody(ws.StatusMessageTooBig, "message too big")
	if err := writer.writeFrame(ws.NewCloseFrame(body)); err != nil {
		return err
	}
	return errMessageTooBig
}

func (t *Transport) writeLoop(ctx context.Context, cancel context.CancelFunc, writer *frameWriter, peer *outbound, codec Codec) {
	var ticks <-chan time.Time
	if t.pingInterval > 0 {
		ticker := time.NewTicker(t.pingInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-peer.done:
			return
		case message := <-peer.messages:
			payload, err := codec.EncodeServer(message)
			if err != nil {
				t.logger.Error("failed to encode server message",
					zap.String("event", string(message.Event)),
					zap.Error(err))
				continue
			}
			if err := writer.writeFrame(ws.NewFrame(codec.OpCode(), true, payload)); err != nil {
				cancel()
				return
			}
		case <-ticks:
			if err := writer.writeFrame(ws.NewPingFrame(nil)); err != nil {
				cancel()
				return
			}
		}
	}
}

func isClosure(err error) bool {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
