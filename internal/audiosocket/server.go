package audiosocket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
)

// identifyTimeout bounds how long a freshly accepted connection may take to
// send its IDENTIFY packet before it is dropped.
const identifyTimeout = 5 * time.Second

// Conn wraps one accepted AudioSocket TCP connection. Ingress delivers
// decoded AUDIO packet payloads (still telephony-encoded, e.g. alaw);
// WriteAudio sends an AUDIO packet back. The connection is considered
// "identified" once IDENTIFY arrives and UUID() returns a non-empty string.
type Conn struct {
	raw    net.Conn
	parser *Parser

	Ingress chan []byte
	Done    chan struct{}

	identifiedUUID string
}

// UUID returns the call UUID sent in the connection's IDENTIFY packet, or
// "" before it arrives.
func (c *Conn) UUID() string { return c.identifiedUUID }

// WriteAudio serializes payload as an AUDIO packet and writes it to the
// connection.
func (c *Conn) WriteAudio(payload []byte) error {
	_, err := c.raw.Write(Encode(Audio, payload))
	return err
}

// Close closes the underlying TCP connection.
func (c *Conn) Close() error { return c.raw.Close() }

// Server accepts AudioSocket TCP connections.
type Server struct {
	host       string
	port       int
	bytesLimit int
}

// NewServer returns a Server bound to host:port. bytesLimit caps unconsumed
// parser buffer growth per connection (see Parser).
func NewServer(host string, port, bytesLimit int) *Server {
	return &Server{host: host, port: port, bytesLimit: bytesLimit}
}

// Handler is invoked once per accepted, identified connection. The
// connection is closed by the server when handler returns.
type Handler func(ctx context.Context, c *Conn)

// Listen binds the configured host:port and returns the listener so callers
// (and tests) can discover the actual bound address before Serve blocks.
func (s *Server) Listen() (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("audiosocket: listen %s: %w", addr, err)
	}
	return ln, nil
}

// ListenAndServe accepts connections until ctx is cancelled, dispatching
// each identified connection to handler in its own goroutine.
func (s *Server) ListenAndServe(ctx context.Context, handler Handler) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	defer ln.Close()
	return s.Serve(ctx, ln, handler)
}

// Serve accepts connections on an already-bound listener until ctx is
// cancelled, dispatching each identified connection to handler.
func (s *Server) Serve(ctx context.Context, ln net.Listener, handler Handler) error {
	slog.Info("[AudioSocket] listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Warn("[AudioSocket] accept error", "error", err)
				continue
			}
		}

		go s.serve(ctx, raw, handler)
	}
}

func (s *Server) serve(ctx context.Context, raw net.Conn, handler Handler) {
	c := &Conn{
		raw:     raw,
		parser:  NewParser(s.bytesLimit),
		Ingress: make(chan []byte, 32),
		Done:    make(chan struct{}),
	}
	defer raw.Close()
	defer close(c.Done)

	if err := s.awaitIdentify(c); err != nil {
		slog.Warn("[AudioSocket] identify failed", "remote", raw.RemoteAddr(), "error", err)
		return
	}

	slog.Info("[AudioSocket] connection identified", "uuid", c.identifiedUUID, "remote", raw.RemoteAddr())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.readLoop(connCtx, c, cancel)

	handler(connCtx, c)
}

// awaitIdentify blocks until IDENTIFY is parsed from the socket or the
// identify timeout elapses.
func (s *Server) awaitIdentify(c *Conn) error {
	_ = c.raw.SetReadDeadline(time.Now().Add(identifyTimeout))
	defer c.raw.SetReadDeadline(time.Time{})

	buf := make([]byte, 512)
	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			if err := c.parser.Feed(buf[:n]); err != nil {
				return err
			}
			packets, err := c.parser.Next()
			if err != nil {
				return err
			}
			for _, p := range packets {
				switch p.Type {
				case Identify:
					id, perr := uuid.FromBytes(p.Payload)
					if perr != nil {
						return fmt.Errorf("audiosocket: malformed identify payload: %w", perr)
					}
					c.identifiedUUID = id.String()
					return nil
				case Terminate:
					return fmt.Errorf("audiosocket: terminated before identify")
				default:
					// Anything else before IDENTIFY is a protocol violation
					// we tolerate by ignoring, per spec's local-recovery policy.
					slog.Debug("[AudioSocket] ignoring pre-identify packet", "type", p.Type)
				}
			}
		}
		if err != nil {
			return fmt.Errorf("audiosocket: read before identify: %w", err)
		}
	}
}

// readLoop continuously reads AUDIO payloads and error/terminate signals
// after identification, forwarding AUDIO payloads on c.Ingress.
func (s *Server) readLoop(ctx context.Context, c *Conn, cancel context.CancelFunc) {
	defer cancel()
	defer close(c.Ingress)

	buf := make([]byte, 4096)
	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			if ferr := c.parser.Feed(buf[:n]); ferr != nil {
				slog.Warn("[AudioSocket] parser buffer exceeded", "uuid", c.identifiedUUID, "error", ferr)
				return
			}
			packets, perr := c.parser.Next()
			if perr != nil {
				slog.Warn("[AudioSocket] parse error", "uuid", c.identifiedUUID, "error", perr)
				return
			}
			for _, p := range packets {
				switch p.Type {
				case Audio:
					select {
					case c.Ingress <- p.Payload:
					case <-ctx.Done():
						return
					}
				case Terminate:
					slog.Info("[AudioSocket] received terminate", "uuid", c.identifiedUUID)
					return
				case ErrorPacket:
					slog.Warn("[AudioSocket] remote reported error", "uuid", c.identifiedUUID, "code", string(p.Payload))
				case Identify:
					// Duplicate identify after the connection already
					// identified; ignore per the idempotence expected of
					// re-sent control packets.
				default:
					slog.Warn("[AudioSocket] unknown packet type", "type", p.Type)
				}
			}
		}
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
