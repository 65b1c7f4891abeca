package ftp

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ftptree/ftp/internal/ratelimit"
)

// Dialer establishes TCP connections for the control and data channels.
// *net.Dialer satisfies it, as do the dialers from golang.org/x/net/proxy.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// Client represents an FTP client session. It owns the control connection
// exclusively; all command/reply exchanges on it are serialized. Callers
// needing parallel transfers must open independent sessions.
type Client struct {
	// conn is the underlying control connection
	conn net.Conn

	// reader is a buffered reader for the control channel
	reader *bufio.Reader

	// tlsConfig is the TLS configuration (if TLS is enabled)
	tlsConfig *tls.Config

	// tlsMode indicates whether TLS is disabled, explicit, or implicit
	tlsMode tlsMode

	// timeout applies to connection establishment and to every
	// command/reply and data-channel operation
	timeout time.Duration

	// idleTimeout is the maximum idle time before a keep-alive NOOP.
	// Zero disables keep-alive.
	idleTimeout time.Duration

	// logger is used for debug logging of commands and replies
	logger *slog.Logger

	// dialer establishes connections
	dialer Dialer

	// host and port of the server
	host string
	port string

	// activeMode selects active (PORT/EPRT) over passive (PASV/EPSV)
	// data connections
	activeMode bool

	// disableEPSV forces PASV when the server mishandles EPSV
	disableEPSV bool

	// currentType tracks the transfer type to suppress redundant TYPE commands
	currentType string

	// rate throttles data transfers in both directions (nil = unlimited)
	rate *ratelimit.Limiter

	// progress, when set, receives cumulative byte counts during transfers
	progress func(bytesTransferred int64)

	// mu serializes command/reply exchanges and protects the fields below
	mu sync.Mutex

	// lastCommand is the time the last command was sent
	lastCommand time.Time

	// quitChan stops the keep-alive goroutine
	quitChan chan struct{}

	// activeDataConn tracks the data connection of an in-flight transfer
	activeDataConn net.Conn

	// closed is set by the first Quit/Close
	closed bool
}

// Dial connects to an FTP server at the given "host:port" address.
//
// Example:
//
//	client, err := ftp.Dial("ftp.example.com:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
// Example with explicit TLS:
//
//	client, err := ftp.Dial("ftp.example.com:21",
//	    ftp.WithExplicitTLS(&tls.Config{ServerName: "ftp.example.com"}))
func Dial(addr string, options ...Option) (*Client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	c := &Client{
		host:    host,
		port:    port,
		timeout: 30 * time.Second,
		tlsMode: tlsModeNone,
		dialer:  &net.Dialer{},
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if nd, ok := c.dialer.(*net.Dialer); ok {
		nd.Timeout = c.timeout
	}

	if err := c.connect(); err != nil {
		return nil, err
	}

	c.lastCommand = time.Now()
	c.startKeepAlive()

	return c, nil
}

// Connect connects to an FTP server using a URL and logs in.
// Supported schemes: "ftp", "ftps" (implicit TLS), "ftp+explicit".
// Format: scheme://[user:password@]host[:port][/path]
//
// Credentials default to anonymous when absent. A path component becomes the
// initial working directory.
func Connect(urlStr string) (*Client, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var options []Option
	host := u.Hostname()
	port := u.Port()

	switch strings.ToLower(u.Scheme) {
	case "ftp":
		if port == "" {
			port = "21"
		}
	case "ftps":
		if port == "" {
			port = "990"
		}
		options = append(options, WithImplicitTLS(&tls.Config{ServerName: host}))
	case "ftp+explicit":
		if port == "" {
			port = "21"
		}
		options = append(options, WithExplicitTLS(&tls.Config{ServerName: host}))
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	c, err := Dial(net.JoinHostPort(host, port), options...)
	if err != nil {
		return nil, err
	}

	user := u.User.Username()
	pass, _ := u.User.Password()

	if err := c.Login(user, pass); err != nil {
		_ = c.Quit()
		return nil, err
	}

	if u.Path != "" && u.Path != "/" {
		if err := c.ChangeDir(u.Path); err != nil {
			_ = c.Quit()
			return nil, err
		}
	}

	return c, nil
}

// connect establishes the control connection and reads the greeting.
func (c *Client) connect() error {
	addr := net.JoinHostPort(c.host, c.port)
	if c.logger != nil {
		c.logger.Debug("connecting to ftp server", "addr", addr, "tls_mode", c.tlsMode)
	}

	conn, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return &ConnectionError{Addr: addr, Err: err}
	}

	if c.tlsMode == tlsModeImplicit {
		tlsConn := tls.Client(conn, c.tlsConfig)
		if c.timeout > 0 {
			if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
				conn.Close()
				return &ConnectionError{Addr: addr, Err: err}
			}
		}
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return &ConnectionError{Addr: addr, Err: fmt.Errorf("TLS handshake failed: %w", err)}
		}
		conn = tlsConn
	}

	c.conn = conn
	c.reader = bufio.NewReader(c.conn)

	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			c.conn.Close()
			return &ConnectionError{Addr: addr, Err: err}
		}
	}

	resp, err := readResponse(c.reader)
	if err != nil {
		c.conn.Close()
		return &ConnectionError{Addr: addr, Err: fmt.Errorf("failed to read greeting: %w", err)}
	}

	if c.logger != nil {
		c.logger.Debug("ftp greeting", "code", resp.Code, "message", resp.Message)
	}

	if resp.Code != 220 {
		c.conn.Close()
		return &ConnectionError{Addr: addr, Err: &ProtocolError{
			Command:  "CONNECT",
			Response: resp.Message,
			Code:     resp.Code,
		}}
	}

	if c.tlsMode == tlsModeExplicit {
		if err := c.upgradeToTLS(); err != nil {
			c.conn.Close()
			return err
		}
	}

	return nil
}

// upgradeToTLS upgrades the control connection via AUTH TLS, then protects
// the data channel with PBSZ 0 / PROT P.
func (c *Client) upgradeToTLS() error {
	resp, err := c.sendCommand("AUTH", "TLS")
	if err != nil {
		return fmt.Errorf("AUTH TLS failed: %w", err)
	}

	if resp.Code != 234 {
		return &ProtocolError{Command: "AUTH TLS", Response: resp.Message, Code: resp.Code}
	}

	tlsConn := tls.Client(c.conn, c.tlsConfig)
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(c.conn)

	if _, err := c.expectCode(200, "PBSZ", "0"); err != nil {
		return fmt.Errorf("PBSZ failed: %w", err)
	}
	if _, err := c.expectCode(200, "PROT", "P"); err != nil {
		return fmt.Errorf("PROT failed: %w", err)
	}

	return nil
}

// startKeepAlive starts a goroutine that sends NOOP when the session has
// been idle longer than the configured idle timeout.
func (c *Client) startKeepAlive() {
	if c.idleTimeout == 0 {
		return
	}

	c.quitChan = make(chan struct{})
	ticker := time.NewTicker(c.idleTimeout / 2)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				transferring := c.activeDataConn != nil
				last := c.lastCommand
				c.mu.Unlock()

				if transferring {
					continue
				}

				if time.Since(last) >= c.idleTimeout {
					if c.logger != nil {
						c.logger.Debug("sending keep-alive NOOP")
					}
					// Errors ignored; the connection may already be closed.
					_ = c.Noop()
				}
			case <-c.quitChan:
				return
			}
		}
	}()
}

// Login authenticates with the server. Empty credentials default to
// anonymous login. A rejected USER or PASS surfaces as *AuthError.
func (c *Client) Login(username, password string) error {
	if username == "" {
		username = "anonymous"
		password = ""
	}

	resp, err := c.sendCommand("USER", username)
	if err != nil {
		return err
	}

	// 230 means no password required
	if resp.Code == 230 {
		return nil
	}

	if resp.Code != 331 {
		return &AuthError{User: username, Code: resp.Code, Message: resp.Message}
	}

	resp, err = c.sendCommand("PASS", password)
	if err != nil {
		return err
	}

	if !resp.Is2xx() {
		return &AuthError{User: username, Code: resp.Code, Message: resp.Message}
	}

	return nil
}

// Quit closes the session gracefully by sending QUIT. It is idempotent:
// repeated calls return nil. An in-flight transfer is aborted by closing its
// data connection.
func (c *Client) Quit() error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	if c.quitChan != nil {
		close(c.quitChan)
		c.quitChan = nil
	}

	if c.activeDataConn != nil {
		c.activeDataConn.Close()
		c.activeDataConn = nil
	}
	c.mu.Unlock()

	// Best effort; we are closing regardless.
	_, _ = c.sendCommand("QUIT")

	return c.conn.Close()
}

// Close is an alias for Quit, for use with defer and io.Closer-shaped code.
func (c *Client) Close() error { return c.Quit() }

// Noop sends a NOOP command. Useful as a manual keep-alive.
func (c *Client) Noop() error {
	_, err := c.expect2xx("NOOP")
	return err
}

// Quote sends a raw command to the server and returns the reply. Verbs or
// arguments containing control characters are rejected with *ProtocolError
// before anything is written.
//
// Example:
//
//	resp, err := client.Quote("SITE", "CHMOD", "755", "script.sh")
func (c *Client) Quote(command string, args ...string) (*Response, error) {
	return c.sendCommand(command, args...)
}

// Abort cancels an active file transfer: the data connection is closed to
// unblock it, then ABOR is sent. A server aborting mid-transfer answers 426
// followed by a 2xx confirmation; both replies are drained so the control
// stream stays in sync.
func (c *Client) Abort() error {
	c.mu.Lock()
	dataConn := c.activeDataConn
	c.activeDataConn = nil
	c.mu.Unlock()

	if dataConn == nil {
		return errors.New("ftp: no transfer in progress")
	}
	_ = dataConn.Close()

	resp, err := c.sendCommand("ABOR")
	if err != nil {
		return err
	}

	if resp.Code == 426 {
		if c.timeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
				return fmt.Errorf("failed to set read deadline: %w", err)
			}
		}
		resp, err = readResponse(c.reader)
		if err != nil {
			return fmt.Errorf("failed to read abort confirmation: %w", err)
		}
	}

	if !resp.Is2xx() {
		return &ProtocolError{Command: "ABOR", Response: resp.Message, Code: resp.Code}
	}
	return nil
}

// CurrentDir returns the current working directory.
func (c *Client) CurrentDir() (string, error) {
	resp, err := c.expect2xx("PWD")
	if err != nil {
		return "", err
	}

	// 257 "/home/user" is the current directory
	msg := resp.Message
	start := strings.Index(msg, "\"")
	if start == -1 {
		return "", &ProtocolError{Command: "PWD", Response: msg, Code: resp.Code}
	}
	end := strings.Index(msg[start+1:], "\"")
	if end == -1 {
		return "", &ProtocolError{Command: "PWD", Response: msg, Code: resp.Code}
	}

	return msg[start+1 : start+1+end], nil
}

// ChangeDir changes the current working directory. A path that does not
// exist or is not a directory surfaces as *NavigationError.
func (c *Client) ChangeDir(path string) error {
	resp, err := c.sendCommand("CWD", path)
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		return &NavigationError{Path: path, Err: &ProtocolError{
			Command:  "CWD",
			Response: resp.Message,
			Code:     resp.Code,
		}}
	}
	return nil
}

// ChangeDirUp moves the working directory to the parent (CDUP).
func (c *Client) ChangeDirUp() error {
	resp, err := c.sendCommand("CDUP")
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		return &NavigationError{Path: "..", Err: &ProtocolError{
			Command:  "CDUP",
			Response: resp.Message,
			Code:     resp.Code,
		}}
	}
	return nil
}

// IsDir reports whether path is a directory. The protocol has no universal
// stat verb, so the probe attempts CWD into the path and restores the prior
// working directory afterwards. A failed probe means "not a directory" and
// is deliberately not surfaced as an error; the returned error covers only
// session-level failures. The command mutex keeps the mutate/restore window
// from interleaving with other commands on this session.
func (c *Client) IsDir(path string) (bool, error) {
	prev, err := c.CurrentDir()
	if err != nil {
		return false, err
	}

	resp, err := c.sendCommand("CWD", path)
	if err != nil {
		return false, err
	}
	if !resp.Is2xx() {
		// Probe failed: the working directory is unchanged.
		return false, nil
	}

	if _, err := c.expect2xx("CWD", prev); err != nil {
		return true, fmt.Errorf("failed to restore working directory %q: %w", prev, err)
	}

	return true, nil
}

// Delete deletes a remote file. A 550 reply maps to *NotFoundError.
func (c *Client) Delete(path string) error {
	resp, err := c.sendCommand("DELE", path)
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		if resp.Code == 550 {
			return &NotFoundError{Path: path}
		}
		return &ProtocolError{Command: "DELE", Response: resp.Message, Code: resp.Code}
	}
	return nil
}

// Rename renames a file or directory via RNFR/RNTO.
func (c *Client) Rename(from, to string) error {
	resp, err := c.sendCommand("RNFR", from)
	if err != nil {
		return err
	}
	if resp.Code != 350 {
		return &ProtocolError{Command: "RNFR", Response: resp.Message, Code: resp.Code}
	}

	_, err = c.expect2xx("RNTO", to)
	return err
}

// Size returns the size of a remote file in bytes using the SIZE verb.
func (c *Client) Size(path string) (int64, error) {
	resp, err := c.expect2xx("SIZE", path)
	if err != nil {
		return 0, err
	}

	var size int64
	if _, err := fmt.Sscanf(resp.Message, "%d", &size); err != nil {
		return 0, &ProtocolError{Command: "SIZE", Response: resp.Message, Code: resp.Code}
	}

	return size, nil
}

// setTransferType issues TYPE unless the requested type is already active.
func (c *Client) setTransferType(transferType string) error {
	if c.currentType == transferType {
		return nil
	}

	if _, err := c.expectCode(200, "TYPE", transferType); err != nil {
		return err
	}

	c.currentType = transferType
	return nil
}
