package ftp

import "fmt"

// ProtocolError represents an FTP protocol failure with the full context of
// the command/response conversation: the command that was sent, the raw
// response text, and the numeric reply code.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "STOR file.txt").
	// Empty when the error comes from decoding the reply stream itself.
	Command string

	// Response is the raw response received from the server.
	Response string

	// Code is the numeric FTP reply code (e.g., 550). Zero when the reply
	// could not be decoded at all.
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("ftp: malformed reply: %s", e.Response)
	}
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// Is2xx returns true if the reply code is in the 2xx range (success).
func (e *ProtocolError) Is2xx() bool { return e.Code >= 200 && e.Code < 300 }

// Is4xx returns true if the reply code is in the 4xx range (temporary failure).
func (e *ProtocolError) Is4xx() bool { return e.Code >= 400 && e.Code < 500 }

// Is5xx returns true if the reply code is in the 5xx range (permanent failure).
func (e *ProtocolError) Is5xx() bool { return e.Code >= 500 && e.Code < 600 }

// IsTemporary returns true for 4xx replies. Useful for retry logic.
func (e *ProtocolError) IsTemporary() bool { return e.Is4xx() }

// IsPermanent returns true for 5xx replies.
func (e *ProtocolError) IsPermanent() bool { return e.Is5xx() }

// ConnectionError indicates that the control connection could not be
// established or was lost.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ftp: connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError indicates that the server rejected the login sequence.
type AuthError struct {
	User string
	Code int
	// Message is the server's reply text for the rejected USER or PASS command.
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ftp: login as %q rejected: %s (code %d)", e.User, e.Message, e.Code)
}

// NavigationError indicates that a path does not exist or is not a directory.
type NavigationError struct {
	Path string
	Err  error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("ftp: cannot navigate to %q: %v", e.Path, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// AlreadyExistsError indicates that a directory to be created already exists.
type AlreadyExistsError struct {
	Path string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("ftp: %q already exists", e.Path)
}

// NotFoundError indicates that a file or directory to be removed does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ftp: %q not found", e.Path)
}

// TransferError indicates a data-channel failure or a rejected transfer
// confirmation. Path names the remote file involved in the transfer.
type TransferError struct {
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("ftp: transfer of %q failed: %v", e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
