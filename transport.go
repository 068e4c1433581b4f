package sftp

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

const defaultPacketSize = 32 * 1024

// sshChannel adapts an *ssh.Session's stdin/stdout pipes (after requesting
// the "sftp" subsystem) to the channel contract of §6. It assumes
// reliable, ordered, framed byte delivery, exactly what an SSH channel
// already provides.
type sshChannel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	mu      sync.Mutex
	onData  func([]byte)
	open    bool
	readBuf [defaultPacketSize]byte

	closeOnce sync.Once
}

// NewClient wraps an established *ssh.Client, requesting its "sftp"
// subsystem and negotiating a session over the resulting pipes. ctx only
// bounds the handshake; it does not apply to individual requests issued
// later.
func NewClient(ctx context.Context, conn *ssh.Client, opts ...ClientOption) (*Client, error) {
	s, err := conn.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "sftp: failed to open ssh session")
	}
	return NewClientPipe(ctx, s, opts...)
}

// NewClientPipe requests the sftp subsystem over an already-opened
// *ssh.Session and negotiates a Client over its pipes.
func NewClientPipe(ctx context.Context, session *ssh.Session, opts ...ClientOption) (*Client, error) {
	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "sftp: failed to obtain stdin pipe")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "sftp: failed to obtain stdout pipe")
	}
	if err := session.RequestSubsystem("sftp"); err != nil {
		return nil, errors.Wrap(err, "sftp: failed to request sftp subsystem")
	}

	ch := &sshChannel{session: session, stdin: stdin, stdout: stdout, open: true}
	go ch.pump()

	return NewClientFromChannel(ctx, ch, opts...)
}

// pump is the channel's single ingress loop: it reads whatever stdout
// hands back and forwards it to whichever onData callback is currently
// registered (the handshake's temporary one, then the session's own).
func (c *sshChannel) pump() {
	for {
		n, err := c.stdout.Read(c.readBuf[:])
		if n > 0 {
			c.mu.Lock()
			cb := c.onData
			c.mu.Unlock()
			if cb != nil {
				cb(append([]byte(nil), c.readBuf[:n]...))
			}
		}
		if err != nil {
			c.mu.Lock()
			c.open = false
			c.mu.Unlock()
			return
		}
	}
}

func (c *sshChannel) SendBytes(b []byte) error {
	_, err := c.stdin.Write(b)
	return err
}

func (c *sshChannel) OnChannelData(f func([]byte)) {
	c.mu.Lock()
	c.onData = f
	c.mu.Unlock()
}

func (c *sshChannel) LocalPacketSize() uint32  { return defaultPacketSize }
func (c *sshChannel) RemotePacketSize() uint32 { return defaultPacketSize }

func (c *sshChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *sshChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
		err = c.stdin.Close()
		_ = c.session.Close()
	})
	return err
}
