// Package device manages the long-lived TCP connection to the instrument
// and frames the byte stream into delimiter-terminated messages.
package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"readport/internal/logging"
)

// DefaultRetryInterval is the pause between connection attempts.
const DefaultRetryInterval = time.Second

// DefaultDelimiter terminates each message on the wire.
const DefaultDelimiter = '\n'

// ErrClosedByPeer reports a zero-length read: there is no such thing as an
// empty message in TCP, so it means the device closed the connection.
var ErrClosedByPeer = errors.New("the device has closed the connection")

// ErrReadTimeout reports that no data arrived within the configured read
// timeout. It is distinguishable from other I/O errors so callers can log
// it for what it is; the remedy is the same (reconnect).
var ErrReadTimeout = errors.New("read timed out")

// Options configures a Client. The zero value means no read timeout,
// newline delimiter, one-second retry interval, and a discard logger.
type Options struct {
	// Timeout bounds both the dial and each read. Zero means unbounded.
	Timeout time.Duration
	// Delimiter is the message-terminating byte.
	Delimiter byte
	// RetryInterval is the pause between failed connection attempts.
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// Client owns the socket and its framing buffer. It is used by a single
// goroutine: Connect, then ReadLine until an error, then Connect again.
// Close is additionally safe to call from another goroutine; closing the
// socket unblocks a pending ReadLine, which is how a hard shutdown
// interrupts the reader.
type Client struct {
	addr          string
	timeout       time.Duration
	delim         byte
	retryInterval time.Duration
	logger        *slog.Logger

	mu    sync.Mutex
	conn  net.Conn
	r     *bufio.Reader
	fresh bool
}

// NewClient returns a disconnected client for the given "host:port" address.
func NewClient(addr string, opts Options) *Client {
	if opts.Delimiter == 0 {
		opts.Delimiter = DefaultDelimiter
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	return &Client{
		addr:          addr,
		timeout:       opts.Timeout,
		delim:         opts.Delimiter,
		retryInterval: opts.RetryInterval,
		logger:        logging.Default(opts.Logger).With("component", "device"),
	}
}

// Fresh reports whether no message has been returned yet on the current
// connection. The first message after a (re)connection is often truncated,
// so its parse failures are expected noise rather than errors.
func (c *Client) Fresh() bool { return c.fresh }

// Connect establishes the socket connection, retrying at a fixed interval
// until it succeeds or ctx is cancelled. Any previously open handles are
// closed first, so Connect doubles as the reconnect path after a read error.
func (c *Client) Connect(ctx context.Context) error {
	c.Close()

	c.logger.Info("attempting to connect", "addr", c.addr)

	dialer := net.Dialer{Timeout: c.timeout}
	op := func() error {
		conn, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.r = bufio.NewReader(deadlineReader{conn, c.timeout})
		c.mu.Unlock()
		return nil
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(c.retryInterval), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if ctx.Err() != nil {
			// Shutdown was requested before a connection could be made.
			return ctx.Err()
		}
		return err
	}

	c.fresh = true
	c.logger.Info("connected, ready to receive device data", "addr", c.addr)
	return nil
}

// ReadLine returns the next delimiter-terminated message, including the
// delimiter. Partial messages spanning several socket reads are buffered
// until complete; messages bundled into one read are surfaced one at a
// time, in order.
//
// On failure the connection is unusable and the caller must Connect again:
// ErrClosedByPeer for a peer disconnect, ErrReadTimeout (wrapped) after the
// configured silence, or the underlying I/O error.
func (c *Client) ReadLine() ([]byte, error) {
	c.mu.Lock()
	r := c.r
	c.mu.Unlock()
	if r == nil {
		return nil, ErrClosedByPeer
	}

	data, err := r.ReadBytes(c.delim)
	if err != nil {
		// A final unterminated fragment is still a message; the stored error
		// resurfaces on the next call.
		if len(data) > 0 && errors.Is(err, io.EOF) {
			c.fresh = false
			return data, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrClosedByPeer
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, fmt.Errorf("%w: no messages received in %s", ErrReadTimeout, c.timeout)
		}
		return nil, err
	}

	c.fresh = false
	return data, nil
}

// Close releases all socket handles. It is idempotent and safe to call on a
// client that never connected.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.r = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// deadlineReader applies the read timeout to every socket read, so the
// timeout bounds silence between chunks rather than the whole message.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d deadlineReader) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
			return 0, err
		}
	}
	return d.conn.Read(p)
}
