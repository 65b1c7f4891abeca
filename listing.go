package ftp

import (
	"bufio"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// EntryKind classifies a directory-listing entry.
type EntryKind string

const (
	KindFile      EntryKind = "file"
	KindDirectory EntryKind = "directory"
	KindLink      EntryKind = "link"
	KindUnknown   EntryKind = "unknown"
)

// ListingEntry is one parsed row of a Unix ls -l style directory listing.
type ListingEntry struct {
	// Permissions is the raw mode string, e.g. "drwxr-xr-x"
	Permissions string

	// Links is the hard-link count column
	Links int

	// Owner and Group are reported verbatim (often numeric IDs)
	Owner string
	Group string

	// Size in bytes as reported by the server
	Size int64

	// Month, Day and TimeOrYear are the three date columns as text;
	// their interpretation varies by server and file age
	Month      string
	Day        string
	TimeOrYear string

	// Name is the entry name with embedded spaces preserved
	Name string

	// Kind is derived from the first permissions character
	Kind EntryKind

	// Target is the symlink destination; set only for Kind == KindLink
	Target string

	// Path is the full remote path, composed from the listing base
	Path string

	// Raw is the unparsed listing line
	Raw string
}

// kindOf derives the entry kind from the permissions string. The mapping is
// total: any prefix other than '-', 'd' or 'l' (including an empty string)
// yields KindUnknown.
func kindOf(permissions string) EntryKind {
	if permissions == "" {
		return KindUnknown
	}
	switch permissions[0] {
	case '-':
		return KindFile
	case 'd':
		return KindDirectory
	case 'l':
		return KindLink
	default:
		return KindUnknown
	}
}

// listLine is the result of parsing one raw listing line: an entry, a path
// header switching the base for subsequent entries, or neither (skip).
type listLine struct {
	entry  *ListingEntry
	header string
}

// parseListLine tokenizes one listing line on whitespace.
//
// Lines with at least 9 tokens are entries; names containing spaces are
// reconstructed by rejoining everything from token 8 onward, and symlink
// targets are split off at the " -> " marker. Shorter lines ending in ':'
// are path headers (the ls -R convention); anything else is skipped,
// including the "." and ".." entries.
func parseListLine(raw string) listLine {
	fields := strings.Fields(raw)

	if len(fields) < 9 {
		trimmed := strings.TrimSpace(raw)
		if len(trimmed) > 1 && strings.HasSuffix(trimmed, ":") {
			return listLine{header: strings.TrimSuffix(trimmed, ":")}
		}
		return listLine{}
	}

	entry := &ListingEntry{
		Permissions: fields[0],
		Owner:       fields[2],
		Group:       fields[3],
		Month:       fields[5],
		Day:         fields[6],
		TimeOrYear:  fields[7],
		Kind:        kindOf(fields[0]),
		Raw:         raw,
	}

	if links, err := strconv.Atoi(fields[1]); err == nil {
		entry.Links = links
	}
	if size, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
		entry.Size = size
	}

	name := strings.Join(fields[8:], " ")
	if entry.Kind == KindLink {
		if before, after, ok := strings.Cut(name, " -> "); ok {
			name = before
			entry.Target = after
		}
	}

	if name == "." || name == ".." {
		return listLine{}
	}
	entry.Name = name

	return listLine{entry: entry}
}

// cleanBase normalizes a listing base path: a leading "./" is stripped and
// "." collapses to the empty base.
func cleanBase(base string) string {
	base = strings.TrimPrefix(base, "./")
	if base == "." {
		return ""
	}
	return base
}

// joinRemote composes a full remote path from a base and an entry name.
func joinRemote(base, name string) string {
	if base == "" {
		return name
	}
	return strings.TrimPrefix(path.Join(base, name), "./")
}

// parseListing decodes a whole listing stream. Path-header lines switch the
// base path for the entries that follow them.
func parseListing(r *bufio.Scanner, base string) ([]*ListingEntry, error) {
	current := cleanBase(base)

	var entries []*ListingEntry
	for r.Scan() {
		ll := parseListLine(r.Text())
		switch {
		case ll.header != "":
			current = cleanBase(ll.header)
		case ll.entry != nil:
			ll.entry.Path = joinRemote(current, ll.entry.Name)
			entries = append(entries, ll.entry)
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("failed to read directory listing: %w", err)
	}

	return entries, nil
}

// List returns the parsed directory listing for path. An empty path lists
// the current directory. Entry paths are composed relative to the listed
// directory; "." and ".." never appear.
//
// Example:
//
//	entries, err := client.List("/pub")
//	for _, e := range entries {
//	    fmt.Printf("%s: %d bytes (%s)\n", e.Name, e.Size, e.Kind)
//	}
func (c *Client) List(dir string) ([]*ListingEntry, error) {
	var args []string
	if dir != "" {
		args = append(args, dir)
	}

	dataConn, err := c.cmdDataConnFrom("LIST", args...)
	if err != nil {
		return nil, err
	}

	entries, err := parseListing(bufio.NewScanner(dataConn), dir)
	if err != nil {
		// The transfer already started, so the server still sends a
		// completion reply; drain it or the control stream desyncs.
		_ = c.finishDataConn(dataConn)
		return nil, err
	}

	if err := c.finishDataConn(dataConn); err != nil {
		return nil, err
	}

	return entries, nil
}

// NameList returns bare entry names via NLST, one per line.
func (c *Client) NameList(dir string) ([]string, error) {
	var args []string
	if dir != "" {
		args = append(args, dir)
	}

	dataConn, err := c.cmdDataConnFrom("NLST", args...)
	if err != nil {
		return nil, err
	}

	var names []string
	scanner := bufio.NewScanner(dataConn)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name != "" && name != "." && name != ".." {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		// Drain the completion reply; see List.
		_ = c.finishDataConn(dataConn)
		return nil, fmt.Errorf("failed to read name list: %w", err)
	}

	if err := c.finishDataConn(dataConn); err != nil {
		return nil, err
	}

	return names, nil
}
