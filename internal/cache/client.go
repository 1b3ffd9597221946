package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// DefaultDialTimeout bounds connection establishment.
const DefaultDialTimeout = 5 * time.Second

// Client talks to a cache server over one persistent connection.
// Requests are serialized; a Client is safe for concurrent use.
type Client struct {
	addr        string
	dialTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// NewClient returns a client for addr (host:port). The connection is
// established lazily on the first request.
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		addr:        addr,
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the server address.
func (c *Client) Addr() string {
	return c.addr
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropLocked()
}

// Ping checks that the service answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.w.WriteString(cmdPing + newline)
		if err := c.w.Flush(); err != nil {
			return err
		}
		return c.expectOK()
	})
}

// Get returns the value stored under key; found is false on "#!None".
func (c *Client) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	if err := ValidKey(key); err != nil {
		return nil, false, err
	}
	err = c.do(ctx, func() error {
		c.w.WriteString(cmdGet + newline + key + newline)
		if err := c.w.Flush(); err != nil {
			return err
		}
		value, found, err = c.readGetReply()
		return err
	})
	return value, found, err
}

// Insert stores value under key. The server keeps the first value inserted
// for a key; a second insert is acknowledged without effect.
func (c *Client) Insert(ctx context.Context, key string, value []byte) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	if err := ValidValue(value); err != nil {
		return err
	}
	return c.do(ctx, func() error {
		c.w.WriteString(cmdInsert + newline + key + newline)
		c.w.Write(value)
		c.w.WriteString(terminator)
		if err := c.w.Flush(); err != nil {
			return err
		}
		return c.expectOK()
	})
}

// Delete removes key. Deleting an absent key succeeds.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	return c.do(ctx, func() error {
		c.w.WriteString(cmdDelete + newline + key + newline)
		if err := c.w.Flush(); err != nil {
			return err
		}
		return c.expectOK()
	})
}

// do runs one request under the connection lock. A request that fails on a
// reused connection with a transport error is retried once on a fresh one;
// the server applies nothing until a request is complete, so a retry cannot
// double-apply a partial request.
func (c *Client) do(ctx context.Context, req func() error) error {
	if err := ctx.Err(); err != nil {
		return &Error{Code: ErrCodeUnavailable, Message: "request not sent", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		reused := c.conn != nil
		if err := c.connectLocked(ctx); err != nil {
			return err
		}

		err := c.roundTrip(ctx, req)
		if err == nil {
			return nil
		}

		var ce *Error
		if errors.As(err, &ce) && ce.Code != ErrCodeUnavailable {
			// server spoke; connection is still in sync
			if ce.Code == ErrCodeProtocol {
				c.dropLocked()
			}
			return err
		}

		c.dropLocked()
		if ctx.Err() != nil || !reused || attempt > 0 {
			return &Error{Code: ErrCodeUnavailable, Message: "request to " + c.addr + " failed", Err: err}
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, req func() error) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()
	return req()
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return &Error{Code: ErrCodeUnavailable, Message: "dial " + c.addr, Err: err}
	}
	c.conn = conn
	c.r = bufio.NewReaderSize(conn, 64<<10)
	c.w = bufio.NewWriter(conn)
	return nil
}

func (c *Client) dropLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.r, c.w = nil, nil, nil
	return err
}

func (c *Client) expectOK() error {
	line, err := readLine(c.r, MaxKeyLen)
	if err != nil {
		return err
	}
	return replyError(line, msgOK)
}

// readGetReply distinguishes "#!None", "#!error: ..." and a framed value.
// Values never start with "#!", so any such first line is a protocol message
// except a bare terminator, which frames the empty value.
func (c *Client) readGetReply() ([]byte, bool, error) {
	head, err := c.r.Peek(2)
	if err != nil {
		return nil, false, err
	}
	if string(head) == "#!" {
		line, err := readLine(c.r, MaxKeyLen)
		if err != nil {
			return nil, false, err
		}
		switch {
		case line+newline == msgNone:
			return nil, false, nil
		case line+newline == terminator:
			return []byte{}, true, nil
		default:
			return nil, false, replyError(line, msgNone)
		}
	}
	value, err := readValue(c.r, MaxValueLen)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func replyError(line, want string) error {
	if line+newline == want {
		return nil
	}
	if reason, ok := strings.CutPrefix(line, errPrefix); ok {
		return &Error{Code: ErrCodeServer, Message: reason}
	}
	return &Error{Code: ErrCodeProtocol, Message: fmt.Sprintf("unexpected reply %q", line)}
}
