package exchange

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketlink/logger"
)

const (
	defaultKeepalive   = 20 * time.Second
	defaultReadTimeout = 60 * time.Second
	writeWait          = time.Second
)

// FeedConfig wires a websocket session to an adapter.
type FeedConfig struct {
	URL         string
	Header      http.Header
	Keepalive   time.Duration
	ReadTimeout time.Duration
	// Subscribe runs once right after the dial, before reading starts.
	Subscribe func(conn *FeedConn) error
	// Ping sends an application keepalive. Nil sends a control ping.
	Ping func(conn *FeedConn) error
	// Handle receives every text frame. Returned errors are logged only.
	Handle func(msg []byte) error
	// OnStale fires when nothing arrives within ReadTimeout.
	OnStale func()
	// OnFault fires when the connection breaks for any other reason.
	OnFault func(err error)
}

// FeedConn serializes writes on one websocket connection.
type FeedConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *FeedConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *FeedConn) WriteText(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *FeedConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Feed is one websocket session. It does not reconnect by itself: the
// controller decides when to start a new one.
type Feed struct {
	name string
	cfg  FeedConfig
	log  *logger.Entry

	mu     sync.Mutex
	conn   *FeedConn
	cancel context.CancelFunc
	done   chan struct{}
}

func NewFeed(name string, cfg FeedConfig) *Feed {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = defaultKeepalive
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	return &Feed{
		name: name,
		cfg:  cfg,
		log:  logger.GetLogger().WithComponent("feed").WithMarket(name),
	}
}

// Start dials, subscribes and launches the read and keepalive loops.
func (f *Feed) Start(ctx context.Context) error {
	f.Stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, f.cfg.Header)
	if err != nil {
		return err
	}
	fc := &FeedConn{conn: conn}
	if f.cfg.Subscribe != nil {
		if err := f.cfg.Subscribe(fc); err != nil {
			conn.Close()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.mu.Lock()
	f.conn, f.cancel, f.done = fc, cancel, done
	f.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	})

	go f.keepalive(runCtx, fc)
	go func() {
		defer close(done)
		f.read(runCtx, fc)
		cancel()
		fc.conn.Close()
	}()

	f.log.WithFields(logger.Fields{"url": f.cfg.URL}).Info("websocket connected")
	return nil
}

func (f *Feed) read(ctx context.Context, fc *FeedConn) {
	for {
		_, msg, err := fc.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				f.log.WithFields(logger.Fields{"read_timeout": f.cfg.ReadTimeout.String()}).Warn("websocket went silent")
				if f.cfg.OnStale != nil {
					f.cfg.OnStale()
				}
				return
			}
			f.log.WithError(err).WithFields(logger.Fields{"url": f.cfg.URL}).Warn("websocket read loop ended")
			if f.cfg.OnFault != nil {
				f.cfg.OnFault(err)
			}
			return
		}
		fc.conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		if f.cfg.Handle != nil {
			if err := f.cfg.Handle(msg); err != nil {
				f.log.WithError(err).Debug("websocket message skipped")
			}
		}
	}
}

func (f *Feed) keepalive(ctx context.Context, fc *FeedConn) {
	ticker := time.NewTicker(f.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if f.cfg.Ping != nil {
				err = f.cfg.Ping(fc)
			} else {
				err = fc.ping()
			}
			if err != nil {
				f.log.WithError(err).Warn("failed to send websocket ping")
				return
			}
		}
	}
}

// Conn returns the live connection, or nil.
func (f *Feed) Conn() *FeedConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

// Alive reports whether the read loop is still running.
func (f *Feed) Alive() bool {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Stop closes the connection and waits for the read loop to exit.
func (f *Feed) Stop() {
	f.mu.Lock()
	conn, cancel, done := f.conn, f.cancel, f.done
	f.conn, f.cancel, f.done = nil, nil, nil
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	conn.mu.Lock()
	conn.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	conn.mu.Unlock()
	conn.conn.Close()
	<-done
}
