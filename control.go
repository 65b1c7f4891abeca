package ftp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Response represents a completed FTP server reply.
type Response struct {
	// Code is the three-digit reply code (e.g., 220, 550).
	Code int

	// Message is the human-readable message, with multi-line replies joined
	// by newlines.
	Message string

	// Lines contains every raw line of the reply.
	Lines []string
}

// Is2xx returns true if the reply code is in the 2xx range (success).
func (r *Response) Is2xx() bool { return r.Code >= 200 && r.Code < 300 }

// Is3xx returns true if the reply code is in the 3xx range (intermediate).
func (r *Response) Is3xx() bool { return r.Code >= 300 && r.Code < 400 }

// Is4xx returns true if the reply code is in the 4xx range (temporary failure).
func (r *Response) Is4xx() bool { return r.Code >= 400 && r.Code < 500 }

// Is5xx returns true if the reply code is in the 5xx range (permanent failure).
func (r *Response) Is5xx() bool { return r.Code >= 500 && r.Code < 600 }

// String returns the full reply as a string.
func (r *Response) String() string { return strings.Join(r.Lines, "\n") }

// readResponse reads one complete reply from the control channel, assembling
// multi-line replies.
//
// Single-line: "220 Welcome\r\n".
// Multi-line: every line carries the same code; continuation lines use a
// hyphen separator ("220-...") and the reply is complete only when a line
// with the code followed by a space arrives.
func readResponse(r *bufio.Reader) (*Response, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return nil, &ProtocolError{Response: fmt.Sprintf("stream closed mid-reply: %q", line)}
		}
		return nil, err
	}

	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 {
		return nil, &ProtocolError{Response: fmt.Sprintf("reply line too short: %q", line)}
	}

	code, err := strconv.Atoi(line[0:3])
	if err != nil {
		return nil, &ProtocolError{Response: fmt.Sprintf("bad status prefix: %q", line[0:3])}
	}

	lines := []string{line}

	// Fast path for the common single-line reply.
	if line[3] == ' ' {
		return &Response{Code: code, Message: line[4:], Lines: lines}, nil
	}

	if line[3] != '-' {
		return nil, &ProtocolError{Response: fmt.Sprintf("bad separator: %q", line)}
	}

	if err := readContinuation(r, code, &lines); err != nil {
		return nil, err
	}

	var messageLines []string
	for _, l := range lines {
		if len(l) > 4 {
			messageLines = append(messageLines, l[4:])
		}
	}

	return &Response{Code: code, Message: strings.Join(messageLines, "\n"), Lines: lines}, nil
}

// readContinuation consumes the rest of a multi-line reply. Lines starting
// with a space are RFC 2389 feature continuations; anything else must repeat
// the reply code, and a space separator terminates the reply.
func readContinuation(r *bufio.Reader, code int, lines *[]string) error {
	codeStr := fmt.Sprintf("%03d", code)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return &ProtocolError{Response: "stream closed mid-reply"}
			}
			return err
		}

		line = strings.TrimRight(line, "\r\n")

		if len(line) > 0 && line[0] == ' ' {
			*lines = append(*lines, line)
			continue
		}

		if len(line) < 4 || line[0:3] != codeStr {
			return &ProtocolError{Response: fmt.Sprintf("reply code mismatch: %q", line)}
		}

		*lines = append(*lines, line)

		switch line[3] {
		case ' ':
			return nil
		case '-':
			// keep reading
		default:
			return &ProtocolError{Response: fmt.Sprintf("bad separator: %q", line)}
		}
	}
}

// validateCommand rejects verbs and arguments that would corrupt the command
// line. The wire format is a single CRLF-terminated ASCII line, so control
// characters anywhere in it are protocol errors.
func validateCommand(verb string, args []string) error {
	if verb == "" {
		return &ProtocolError{Command: verb, Response: "empty command verb"}
	}
	for _, ch := range verb {
		if ch < 0x21 || ch > 0x7e {
			return &ProtocolError{Command: verb, Response: fmt.Sprintf("verb contains control character %q", ch)}
		}
	}
	for _, arg := range args {
		if strings.ContainsAny(arg, "\r\n\x00") {
			return &ProtocolError{Command: verb, Response: fmt.Sprintf("argument contains control character: %q", arg)}
		}
	}
	return nil
}

// sendCommand encodes and sends one command and reads the reply. The client
// mutex serializes command/reply exchanges: the protocol is strictly
// request/reply and no two commands may be in flight on one control channel.
func (c *Client) sendCommand(command string, args ...string) (*Response, error) {
	if err := validateCommand(command, args); err != nil {
		return nil, err
	}

	cmd := command
	if len(args) > 0 {
		cmd = command + " " + strings.Join(args, " ")
	}

	if c.logger != nil {
		c.logger.Debug("ftp command", "cmd", cmd)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastCommand = time.Now()

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	resp, err := readResponse(c.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if c.logger != nil {
		c.logger.Debug("ftp response", "code", resp.Code, "message", resp.Message)
	}

	return resp, nil
}

// expectCode sends a command and verifies the reply code matches exactly.
func (c *Client) expectCode(expectedCode int, command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}

	if resp.Code != expectedCode {
		return resp, &ProtocolError{Command: command, Response: resp.Message, Code: resp.Code}
	}

	return resp, nil
}

// expect2xx sends a command and verifies the reply is in the 2xx range.
func (c *Client) expect2xx(command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}

	if !resp.Is2xx() {
		return resp, &ProtocolError{Command: command, Response: resp.Message, Code: resp.Code}
	}

	return resp, nil
}
