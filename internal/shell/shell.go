// Package shell implements C8: an interactive PTY channel over an
// existing pooled SSH session, bridged to a caller-supplied byte stream
// (typically a WebSocket connection owned by the host app).
package shell

import (
	"fmt"
	"io"
	"sync"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/sshpool/internal/events"
	"github.com/websoft9/sshpool/internal/pool"
)

// Options are the caller-supplied PTY parameters (spec §4.8).
type Options struct {
	Term string // e.g. "xterm-256color"; defaults applied if empty
	Cols int
	Rows int
}

func (o Options) withDefaults() Options {
	if o.Term == "" {
		o.Term = "xterm-256color"
	}
	if o.Cols <= 0 {
		o.Cols = 80
	}
	if o.Rows <= 0 {
		o.Rows = 24
	}
	return o
}

// Channel is one open interactive shell on top of a PooledSession. The
// shell and any SFTP subchannel share the same underlying transport;
// closing a Channel never closes the session itself — the pool's
// reference counting (AddTabRef/Release) governs that independently.
type Channel struct {
	session *pool.PooledSession
	sess    *cryptossh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	mu        sync.Mutex
	closeOnce sync.Once
	intentional bool
	bus       *events.Bus
	tabID     string
}

// Open requests a PTY and starts the login shell on s's transport, per
// the caller-supplied Options (spec §4.8: "on session ready, open PTY
// channel with caller-supplied {term, cols, rows}").
func Open(s *pool.PooledSession, tabID string, opts Options, bus *events.Bus) (*Channel, error) {
	opts = opts.withDefaults()

	sess, err := s.Transport.Client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("shell: new session: %w", err)
	}

	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("shell: request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("shell: stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("shell: stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("shell: stderr pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("shell: start login shell: %w", err)
	}

	return &Channel{
		session: s,
		sess:    sess,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		bus:     bus,
		tabID:   tabID,
	}, nil
}

// Write sends bytes to the remote shell's stdin.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdin.Write(p)
}

// Read reads bytes from the remote shell's stdout.
func (c *Channel) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

// Stderr exposes the remote shell's stderr stream separately, for callers
// that want to distinguish it in the UI.
func (c *Channel) Stderr() io.Reader { return c.stderr }

// Resize changes the remote PTY's window size.
func (c *Channel) Resize(cols, rows int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.WindowChange(rows, cols)
}

// Closed reports whether Close (or CloseUnexpected) has already run.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == nil
}

// Close ends the shell intentionally — e.g. the tab hosting it was
// disposed. It does not trigger reconnection: the caller wanted this
// channel gone (spec §4.8: "distinguish intentional close ... vs
// unexpected close").
func (c *Channel) Close() error {
	c.mu.Lock()
	c.intentional = true
	c.mu.Unlock()
	return c.close()
}

// CloseUnexpected marks the channel as having ended without the caller
// asking for it — e.g. the remote process exited or the transport died.
// The reconnection manager, not this package, decides what happens next
// to the underlying session; this method only finalizes local state and
// publishes the distinguishing event.
func (c *Channel) CloseUnexpected(cause error) error {
	err := c.close()
	if c.bus != nil {
		c.bus.Publish(events.ConnectionClosed, shellClosedPayload{
			SessionKey:    c.session.Key,
			TabID:         c.tabID,
			Intentional:   false,
			Cause:         causeString(cause),
		})
	}
	return err
}

func causeString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *Channel) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.sess != nil {
			err = c.sess.Close()
			c.sess = nil
		}
	})
	return err
}

// shellClosedPayload backs events.ConnectionClosed when published by a
// shell Channel specifically (as opposed to the pool closing a whole
// PooledSession).
type shellClosedPayload struct {
	SessionKey  string
	TabID       string
	Intentional bool
	Cause       string
}

// Pump bridges the Channel's remote stdout to toRemote (e.g. a WebSocket
// writer) until either side ends, returning the terminal error (io.EOF on
// a clean remote close). Callers typically run Pump in its own goroutine
// and feed inbound bytes from the transport into Write themselves.
func (c *Channel) Pump(toRemote io.Writer) error {
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if _, werr := toRemote.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}
