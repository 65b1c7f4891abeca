package ftp

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/ftptree/ftp/internal/ratelimit"
)

// TransferMode selects how file content crosses the data channel.
type TransferMode string

const (
	// ModeBinary transfers bytes verbatim (TYPE I). The safe default for
	// arbitrary content.
	ModeBinary TransferMode = "I"

	// ModeText performs newline translation (TYPE A). Only suitable for
	// line-oriented text files.
	ModeText TransferMode = "A"
)

// commandType maps the mode to a TYPE argument; the zero value is binary.
func (m TransferMode) commandType() string {
	if m == ModeText {
		return "A"
	}
	return "I"
}

// transferWriter applies the session's rate limit and progress callback to
// an outgoing data stream.
func (c *Client) transferWriter(w io.Writer) io.Writer {
	w = ratelimit.NewWriter(w, c.rate)
	if c.progress != nil {
		w = &ProgressWriter{Writer: w, Callback: c.progress}
	}
	return w
}

// transferReader is the incoming counterpart of transferWriter.
func (c *Client) transferReader(r io.Reader) io.Reader {
	r = ratelimit.NewReader(r, c.rate)
	if c.progress != nil {
		r = &ProgressReader{Reader: r, Callback: c.progress}
	}
	return r
}

// Store uploads data from r to the remote path.
//
// Example:
//
//	file, _ := os.Open("local.txt")
//	defer file.Close()
//	err := client.Store("remote.txt", file, ftp.ModeBinary)
func (c *Client) Store(remotePath string, r io.Reader, mode TransferMode) error {
	if err := c.setTransferType(mode.commandType()); err != nil {
		return &TransferError{Path: remotePath, Err: err}
	}

	dataConn, err := c.cmdDataConnFrom("STOR", remotePath)
	if err != nil {
		return &TransferError{Path: remotePath, Err: err}
	}

	_, copyErr := io.Copy(c.transferWriter(dataConn), r)
	finishErr := c.finishDataConn(dataConn)

	if copyErr != nil {
		return &TransferError{Path: remotePath, Err: copyErr}
	}
	if finishErr != nil {
		return &TransferError{Path: remotePath, Err: finishErr}
	}
	return nil
}

// StoreBytes uploads an in-memory buffer to the remote path, for
// programmatically generated content that never touches the local disk.
func (c *Client) StoreBytes(remotePath string, data []byte, mode TransferMode) error {
	return c.Store(remotePath, bytes.NewReader(data), mode)
}

// Append appends data from r to the remote path (APPE), creating the file
// if it does not exist.
func (c *Client) Append(remotePath string, r io.Reader, mode TransferMode) error {
	if err := c.setTransferType(mode.commandType()); err != nil {
		return &TransferError{Path: remotePath, Err: err}
	}

	dataConn, err := c.cmdDataConnFrom("APPE", remotePath)
	if err != nil {
		return &TransferError{Path: remotePath, Err: err}
	}

	_, copyErr := io.Copy(c.transferWriter(dataConn), r)
	finishErr := c.finishDataConn(dataConn)

	if copyErr != nil {
		return &TransferError{Path: remotePath, Err: copyErr}
	}
	if finishErr != nil {
		return &TransferError{Path: remotePath, Err: finishErr}
	}
	return nil
}

// Retrieve downloads the remote path into w.
func (c *Client) Retrieve(remotePath string, w io.Writer, mode TransferMode) error {
	return c.RetrieveFrom(remotePath, w, 0, mode)
}

// RetrieveFrom downloads the remote path into w starting at the given byte
// offset, for resuming interrupted downloads. A server that rejects the
// restart marker surfaces as *TransferError.
func (c *Client) RetrieveFrom(remotePath string, w io.Writer, offset int64, mode TransferMode) error {
	if err := c.setTransferType(mode.commandType()); err != nil {
		return &TransferError{Path: remotePath, Err: err}
	}

	if offset > 0 {
		if err := c.restartAt(offset); err != nil {
			return &TransferError{Path: remotePath, Err: err}
		}
	}

	dataConn, err := c.cmdDataConnFrom("RETR", remotePath)
	if err != nil {
		return &TransferError{Path: remotePath, Err: err}
	}

	_, copyErr := io.Copy(w, c.transferReader(dataConn))
	finishErr := c.finishDataConn(dataConn)

	if copyErr != nil {
		return &TransferError{Path: remotePath, Err: copyErr}
	}
	if finishErr != nil {
		return &TransferError{Path: remotePath, Err: finishErr}
	}
	return nil
}

// restartAt sets the restart marker for the next transfer (REST).
// The server must answer 350.
func (c *Client) restartAt(offset int64) error {
	resp, err := c.sendCommand("REST", strconv.FormatInt(offset, 10))
	if err != nil {
		return err
	}
	if resp.Code != 350 {
		return &ProtocolError{Command: "REST", Response: resp.Message, Code: resp.Code}
	}
	return nil
}

// UploadFile uploads a local file to the remote path.
func (c *Client) UploadFile(localPath, remotePath string, mode TransferMode) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()

	return c.Store(remotePath, f, mode)
}

// DownloadFile downloads a remote file to the local path. The partial local
// file is removed when the transfer fails.
func (c *Client) DownloadFile(remotePath, localPath string, mode TransferMode) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}

	if err := c.Retrieve(remotePath, f, mode); err != nil {
		f.Close()
		_ = os.Remove(localPath)
		return err
	}

	return f.Close()
}
