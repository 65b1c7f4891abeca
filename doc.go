// Package ftp implements an FTP client with plain and secure (FTPS)
// connections and a recursive directory-tree layer on top of the protocol
// primitives.
//
// # Overview
//
// The client speaks the FTP wire protocol directly: it encodes commands,
// assembles single- and multi-line replies, parses Unix ls -l style
// directory listings, and manages one short-lived data connection per
// transfer in passive (default) or active mode.
//
// On top of those primitives it provides a directory-tree engine: recursive
// listing and scanning, size and count aggregation, recursive create,
// delete and clean, and mirroring of whole trees in either direction.
//
// # Basic Usage
//
//	client, err := ftp.Dial("ftp.example.com:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Login("username", "password"); err != nil {
//	    log.Fatal(err)
//	}
//
//	paths, err := client.ListFiles(ctx, "/pub", true, nil)
//
// # TLS Support
//
// Explicit TLS (recommended) upgrades the standard-port connection with
// AUTH TLS:
//
//	client, err := ftp.Dial("ftp.example.com:21",
//	    ftp.WithExplicitTLS(&tls.Config{ServerName: "ftp.example.com"}))
//
// Implicit TLS connects directly with TLS, typically on port 990:
//
//	client, err := ftp.Dial("ftp.example.com:990",
//	    ftp.WithImplicitTLS(&tls.Config{ServerName: "ftp.example.com"}))
//
// Data connections reuse the control channel's TLS session automatically,
// which servers such as vsftpd and ProFTPD require.
//
// # Errors
//
// Failures surface as typed errors matchable with errors.As:
// ConnectionError, AuthError, NavigationError, AlreadyExistsError,
// NotFoundError, ProtocolError and TransferError. Recursive operations
// abort on the first failure and name the offending path.
//
// # Concurrency
//
// A Client owns its control connection exclusively and serializes all
// command/reply exchanges. Open independent sessions for parallel
// transfers.
package ftp
