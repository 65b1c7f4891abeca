package ftp

import (
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"
)

var (
	// pasvRegex matches "227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)"
	pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

	// epsvRegex matches "229 Entering Extended Passive Mode (|||port|)"
	epsvRegex = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)
)

// SetPassiveMode selects whether the client opens the data connection
// (passive, the default) or accepts it from the server (active). The setting
// persists for subsequent transfers on this session.
func (c *Client) SetPassiveMode(enabled bool) {
	c.activeMode = !enabled
}

// parsePASV extracts "host:port" from a PASV reply.
// "227 Entering Passive Mode (192,168,1,1,195,149)" -> "192.168.1.1:50069"
func parsePASV(response string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(response)
	if len(matches) != 7 {
		return "", fmt.Errorf("invalid PASV response: %s", response)
	}

	var h [4]int
	for i := 0; i < 4; i++ {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil || val < 0 || val > 255 {
			return "", fmt.Errorf("invalid PASV IP part: %s", matches[i+1])
		}
		h[i] = val
	}
	host := fmt.Sprintf("%d.%d.%d.%d", h[0], h[1], h[2], h[3])
	if ip := net.ParseIP(host); ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("invalid IPv4 address from PASV: %s", host)
	}

	p1, err1 := strconv.Atoi(matches[5])
	p2, err2 := strconv.Atoi(matches[6])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return "", fmt.Errorf("invalid PASV port parts: %s, %s", matches[5], matches[6])
	}

	return net.JoinHostPort(host, strconv.Itoa(p1*256+p2)), nil
}

// parseEPSV extracts the port from an EPSV reply.
// "229 Entering Extended Passive Mode (|||6446|)" -> "6446"
func parseEPSV(response string) (string, error) {
	matches := epsvRegex.FindStringSubmatch(response)
	if len(matches) != 2 {
		return "", fmt.Errorf("invalid EPSV response: %s", response)
	}

	port, err := strconv.Atoi(matches[1])
	if err != nil || port < 0 || port > 65535 {
		return "", fmt.Errorf("invalid EPSV port: %s", matches[1])
	}

	return matches[1], nil
}

// formatPORT converts "192.168.1.100:50000" to the h1,h2,h3,h4,p1,p2 form
// the PORT command requires.
func formatPORT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}
	ip = ip.To4()
	if ip == nil {
		return "", fmt.Errorf("PORT requires IPv4 address")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid port: %s", portStr)
	}

	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port/256, port%256), nil
}

// formatEPRT converts an address to the |prt|addr|port| form of EPRT.
func formatEPRT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}

	netPrt := 1
	if ip.To4() == nil {
		netPrt = 2
	}

	return fmt.Sprintf("|%d|%s|%s|", netPrt, host, portStr), nil
}

// resolveDataAddr substitutes the control connection host when the server
// advertises 0.0.0.0 in its PASV reply (common behind NAT).
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}
	if host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}
	return pasvAddr
}

// openDataConn opens a data connection in the session's configured mode.
func (c *Client) openDataConn() (net.Conn, error) {
	if c.activeMode {
		return c.openActiveDataConn()
	}
	return c.openPassiveDataConn()
}

// openPassiveDataConn negotiates a passive data connection, trying EPSV
// first and falling back to PASV.
func (c *Client) openPassiveDataConn() (net.Conn, error) {
	var addr string

	if !c.disableEPSV {
		if resp, err := c.sendCommand("EPSV"); err == nil {
			if resp.Code == 502 {
				c.disableEPSV = true
			} else if resp.Is2xx() {
				if port, parseErr := parseEPSV(resp.String()); parseErr == nil {
					addr = net.JoinHostPort(c.host, port)
				}
			}
		}
	}

	if addr == "" {
		resp, err := c.sendCommand("PASV")
		if err != nil {
			return nil, fmt.Errorf("PASV failed: %w", err)
		}
		if !resp.Is2xx() {
			return nil, &ProtocolError{Command: "PASV", Response: resp.Message, Code: resp.Code}
		}

		addr, err = parsePASV(resp.String())
		if err != nil {
			return nil, err
		}
		addr = resolveDataAddr(addr, c.host)
	}

	dataConn, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to data port: %w", err)
	}

	if c.tlsConfig != nil {
		tlsConn := tls.Client(dataConn, c.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			dataConn.Close()
			return nil, fmt.Errorf("data connection TLS handshake failed: %w", err)
		}
		dataConn = tlsConn
	}

	if c.timeout > 0 {
		return &deadlineConn{Conn: dataConn, timeout: c.timeout}, nil
	}
	return dataConn, nil
}

// openActiveDataConn opens a listener and instructs the server to connect
// back via PORT (IPv4) or EPRT (IPv6). The accept is deferred until the
// first read or write, because the server only dials after receiving the
// transfer command.
func (c *Client) openActiveDataConn() (net.Conn, error) {
	localAddr := c.conn.LocalAddr().String()
	host, _, err := net.SplitHostPort(localAddr)
	if err != nil {
		host = "127.0.0.1"
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		listener, err = net.Listen("tcp", ":0")
		if err != nil {
			return nil, fmt.Errorf("failed to create listener: %w", err)
		}
	}

	addr := listener.Addr().String()
	listenHost, _, err := net.SplitHostPort(addr)
	if err != nil {
		listener.Close()
		return nil, err
	}
	ip := net.ParseIP(listenHost)
	if ip == nil {
		listener.Close()
		return nil, fmt.Errorf("failed to parse local IP: %s", listenHost)
	}

	var resp *Response
	var cmd string

	// PORT for IPv4 (widest legacy support), EPRT for IPv6.
	if ip.To4() == nil {
		cmd = "EPRT"
		arg, err2 := formatEPRT(addr)
		if err2 != nil {
			listener.Close()
			return nil, err2
		}
		resp, err = c.sendCommand("EPRT", arg)
	} else {
		cmd = "PORT"
		arg, err2 := formatPORT(addr)
		if err2 != nil {
			listener.Close()
			return nil, err2
		}
		resp, err = c.sendCommand("PORT", arg)
	}

	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("%s failed: %w", cmd, err)
	}
	if !resp.Is2xx() {
		listener.Close()
		return nil, &ProtocolError{Command: cmd, Response: resp.Message, Code: resp.Code}
	}

	return &activeDataConn{
		listener:  listener,
		tlsConfig: c.tlsConfig,
		timeout:   c.timeout,
	}, nil
}

// activeDataConn defers accepting the server's connection until first use.
type activeDataConn struct {
	listener  net.Listener
	conn      net.Conn
	tlsConfig *tls.Config
	timeout   time.Duration
}

func (a *activeDataConn) accept() error {
	if a.timeout > 0 {
		if l, ok := a.listener.(*net.TCPListener); ok {
			_ = l.SetDeadline(time.Now().Add(a.timeout))
		}
	}
	conn, err := a.listener.Accept()
	if err != nil {
		return err
	}
	a.conn = conn

	if a.tlsConfig != nil {
		tlsConn := tls.Server(a.conn, a.tlsConfig)
		if a.timeout > 0 {
			_ = a.conn.SetDeadline(time.Now().Add(a.timeout))
		}
		if err := tlsConn.Handshake(); err != nil {
			a.conn.Close()
			return err
		}
		a.conn = tlsConn
	}
	return nil
}

func (a *activeDataConn) Read(p []byte) (int, error) {
	if a.conn == nil {
		if err := a.accept(); err != nil {
			return 0, err
		}
	}
	if a.timeout > 0 {
		_ = a.conn.SetReadDeadline(time.Now().Add(a.timeout))
	}
	return a.conn.Read(p)
}

func (a *activeDataConn) Write(p []byte) (int, error) {
	if a.conn == nil {
		if err := a.accept(); err != nil {
			return 0, err
		}
	}
	if a.timeout > 0 {
		_ = a.conn.SetWriteDeadline(time.Now().Add(a.timeout))
	}
	return a.conn.Write(p)
}

func (a *activeDataConn) Close() error {
	var err1, err2 error
	if a.conn != nil {
		err1 = a.conn.Close()
	}
	if a.listener != nil {
		err2 = a.listener.Close()
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (a *activeDataConn) LocalAddr() net.Addr {
	if a.conn != nil {
		return a.conn.LocalAddr()
	}
	return a.listener.Addr()
}

func (a *activeDataConn) RemoteAddr() net.Addr {
	if a.conn != nil {
		return a.conn.RemoteAddr()
	}
	return nil
}

func (a *activeDataConn) SetDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetDeadline(t)
	}
	return nil
}

func (a *activeDataConn) SetReadDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetReadDeadline(t)
	}
	return nil
}

func (a *activeDataConn) SetWriteDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetWriteDeadline(t)
	}
	return nil
}

// cmdDataConnFrom opens a data connection, sends the transfer command, and
// verifies the preliminary reply. The caller streams over the returned
// connection and must call finishDataConn afterwards; data and control are
// sequentially coupled per transfer to avoid reply-ordering ambiguity.
func (c *Client) cmdDataConnFrom(cmd string, args ...string) (net.Conn, error) {
	dataConn, err := c.openDataConn()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.activeDataConn = dataConn
	c.mu.Unlock()

	resp, err := c.sendCommand(cmd, args...)
	if err != nil {
		c.releaseDataConn(dataConn)
		return nil, err
	}

	// 1xx means the transfer is starting; 2xx means it already completed.
	if resp.Code < 100 || resp.Code >= 300 {
		c.releaseDataConn(dataConn)
		return nil, &ProtocolError{Command: cmd, Response: resp.Message, Code: resp.Code}
	}

	return dataConn, nil
}

func (c *Client) releaseDataConn(dataConn net.Conn) {
	dataConn.Close()
	c.mu.Lock()
	c.activeDataConn = nil
	c.mu.Unlock()
}

// finishDataConn closes the data connection and reads the completion reply
// (usually 226) from the control channel.
func (c *Client) finishDataConn(dataConn net.Conn) error {
	if err := dataConn.Close(); err != nil {
		return fmt.Errorf("failed to close data connection: %w", err)
	}

	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	resp, err := readResponse(c.reader)

	c.mu.Lock()
	c.activeDataConn = nil
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to read completion response: %w", err)
	}

	if c.logger != nil {
		c.logger.Debug("ftp data transfer complete", "code", resp.Code, "message", resp.Message)
	}

	if !resp.Is2xx() {
		return &ProtocolError{Command: "transfer completion", Response: resp.Message, Code: resp.Code}
	}

	return nil
}
