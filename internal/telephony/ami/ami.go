// Package ami is a minimal Asterisk Manager Interface client covering the
// call-control actions AudioSocket cannot carry in-band: looking up the
// channel behind a call UUID and redirecting it to another dialplan target.
//
// The client logs in with events switched off, so the connection carries only
// action responses and one action can run at a time under a single lock. A
// connection lost mid-action is torn down and redialled on the next action.
package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"
)

// DefaultActionTimeout bounds one action round-trip, connect included.
const DefaultActionTimeout = 5 * time.Second

// ErrActionFailed is returned when Asterisk answers an action with a
// non-success response. The wrapping error carries the manager's message.
var ErrActionFailed = errors.New("ami: action failed")

// Config locates and authenticates the manager connection.
type Config struct {
	// Addr is the manager's host:port, conventionally port 5038.
	Addr string

	// Username and Secret are the manager account credentials.
	Username string
	Secret   string

	// ActionTimeout bounds one action round-trip. Zero means
	// DefaultActionTimeout.
	ActionTimeout time.Duration
}

// Client is a lazily-connecting AMI client. Safe for concurrent use; actions
// serialise on an internal lock.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn net.Conn
	r    *textproto.Reader
}

// New returns an unconnected client. The first action dials.
func New(cfg Config) *Client {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	return &Client{cfg: cfg}
}

// Connect dials and logs in eagerly so configuration errors surface at
// startup instead of during the first transfer.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// Getvar reads a channel variable, or a global variable when channel is
// empty. Returns the value, which may itself be empty when the variable is
// unset.
func (c *Client) Getvar(ctx context.Context, channel, variable string) (string, error) {
	fields := [][2]string{{"Variable", variable}}
	if channel != "" {
		fields = append(fields, [2]string{"Channel", channel})
	}
	resp, err := c.action(ctx, "Getvar", fields)
	if err != nil {
		return "", err
	}
	return resp.Get("Value"), nil
}

// Redirect moves a live channel to dialplanContext/exten priority 1.
func (c *Client) Redirect(ctx context.Context, channel, dialplanContext, exten string) error {
	_, err := c.action(ctx, "Redirect", [][2]string{
		{"Channel", channel},
		{"Context", dialplanContext},
		{"Exten", exten},
		{"Priority", "1"},
	})
	return err
}

// Ping runs a no-op action round-trip, dialling and logging in first when
// the client is disconnected. The readiness probe uses it to verify the
// manager account still works, not just that the port answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.action(ctx, "Ping", nil)
	return err
}

// Close logs the session off and drops the connection. The client can be
// reused; the next action redials.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.writeActionLocked("Logoff", nil)
	err := c.conn.Close()
	c.conn = nil
	c.r = nil
	return err
}

// ─── Wire ─────────────────────────────────────────────────────────────────────

// action runs one request/response exchange, connecting first if needed. Any
// transport error drops the connection so the next action starts clean.
func (c *Client) action(ctx context.Context, name string, fields [][2]string) (textproto.MIMEHeader, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	resp, err := c.roundTripLocked(ctx, name, fields)
	if err != nil {
		c.teardownLocked()
		return nil, err
	}
	if response := resp.Get("Response"); response != "Success" {
		msg := resp.Get("Message")
		if msg == "" {
			msg = response
		}
		return resp, fmt.Errorf("ami: %s: %s: %w", strings.ToLower(name), msg, ErrActionFailed)
	}
	return resp, nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ami: dial %s: %w", c.cfg.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	br := bufio.NewReader(conn)
	banner, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return fmt.Errorf("ami: read banner: %w", err)
	}
	if !strings.HasPrefix(banner, "Asterisk Call Manager") {
		conn.Close()
		return fmt.Errorf("ami: %s is not a manager interface (banner %q)", c.cfg.Addr, strings.TrimSpace(banner))
	}

	c.conn = conn
	c.r = textproto.NewReader(br)

	resp, err := c.roundTripLocked(ctx, "Login", [][2]string{
		{"Username", c.cfg.Username},
		{"Secret", c.cfg.Secret},
		{"Events", "off"},
	})
	if err != nil {
		c.teardownLocked()
		return fmt.Errorf("ami: login: %w", err)
	}
	if resp.Get("Response") != "Success" {
		c.teardownLocked()
		return fmt.Errorf("ami: login rejected: %s: %w", resp.Get("Message"), ErrActionFailed)
	}
	_ = c.conn.SetDeadline(time.Time{})
	return nil
}

func (c *Client) roundTripLocked(ctx context.Context, name string, fields [][2]string) (textproto.MIMEHeader, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := c.writeActionLocked(name, fields); err != nil {
		return nil, fmt.Errorf("ami: send %s: %w", strings.ToLower(name), err)
	}
	resp, err := c.r.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("ami: response to %s: %w", strings.ToLower(name), err)
	}
	return resp, nil
}

func (c *Client) writeActionLocked(name string, fields [][2]string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\r\n", name)
	for _, f := range fields {
		fmt.Fprintf(&b, "%s: %s\r\n", f[0], f[1])
	}
	b.WriteString("\r\n")
	_, err := c.conn.Write([]byte(b.String()))
	return err
}

func (c *Client) teardownLocked() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.r = nil
}
