package ftp

// A minimal scripted FTP server backed by an in-memory tree, used by the
// integration-style tests in this package. It speaks just enough of the
// protocol for the client under test: USER/PASS, PWD/CWD/CDUP, MKD/RMD/DELE,
// RNFR/RNTO, SIZE, REST, TYPE, NOOP, ABOR, PASV/EPSV, PORT/EPRT and
// LIST/NLST/RETR/STOR/APPE over passive or active data connections.

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeNode struct {
	dir      bool
	data     []byte
	children map[string]*fakeNode
}

func newFakeDir() *fakeNode {
	return &fakeNode{dir: true, children: make(map[string]*fakeNode)}
}

type fakeServer struct {
	t    *testing.T
	ln   net.Listener
	mu   sync.Mutex
	root *fakeNode
	user string
	pass string

	// oversizedListLine, when set, prepends a listing line larger than
	// bufio.Scanner's token limit so clients hit a mid-stream parse failure.
	oversizedListLine bool
}

// startFakeServer starts a server accepting the given credentials.
// Empty user accepts any login.
func startFakeServer(t *testing.T, user, pass string) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &fakeServer{t: t, ln: ln, root: newFakeDir(), user: user, pass: pass}
	go s.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })

	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

// mkdirAll seeds a directory path like "/a/b/c".
func (s *fakeServer) mkdirAll(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.root
	for _, comp := range splitFakePath(p) {
		child, ok := node.children[comp]
		if !ok {
			child = newFakeDir()
			node.children[comp] = child
		}
		node = child
	}
}

// writeFile seeds a file, creating parents as needed.
func (s *fakeServer) writeFile(p string, data []byte) {
	comps := splitFakePath(p)
	if len(comps) == 0 {
		s.t.Fatalf("writeFile: empty path %q", p)
	}
	s.mkdirAll("/" + strings.Join(comps[:len(comps)-1], "/"))

	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.root
	for _, comp := range comps[:len(comps)-1] {
		node = node.children[comp]
	}
	node.children[comps[len(comps)-1]] = &fakeNode{data: append([]byte(nil), data...)}
}

// readFile returns the stored content of a seeded or uploaded file.
func (s *fakeServer) readFile(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.lookup(splitFakePath(p))
	if node == nil || node.dir {
		return nil, false
	}
	return append([]byte(nil), node.data...), true
}

func (s *fakeServer) exists(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(splitFakePath(p)) != nil
}

func splitFakePath(p string) []string {
	var out []string
	for _, comp := range strings.Split(p, "/") {
		switch comp {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, comp)
		}
	}
	return out
}

// lookup resolves a component stack. Caller holds mu.
func (s *fakeServer) lookup(comps []string) *fakeNode {
	node := s.root
	for _, comp := range comps {
		if node == nil || !node.dir {
			return nil
		}
		node = node.children[comp]
	}
	return node
}

type fakeSession struct {
	srv        *fakeServer
	conn       net.Conn
	cwd        []string
	dataLn     net.Listener
	portAddr   string
	rest       int64
	renameFrom []string
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()

	sess := &fakeSession{srv: s, conn: conn}
	sess.reply("220 fake FTP server ready")

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		verb, arg := line, ""
		if idx := strings.IndexByte(line, ' '); idx != -1 {
			verb, arg = line[:idx], line[idx+1:]
		}

		if !sess.dispatch(strings.ToUpper(verb), arg) {
			return
		}
	}
}

func (ss *fakeSession) reply(line string) {
	fmt.Fprintf(ss.conn, "%s\r\n", line)
}

func (ss *fakeSession) dispatch(verb, arg string) bool {
	s := ss.srv

	switch verb {
	case "USER":
		if s.user == "" || arg == s.user {
			ss.reply("331 password required")
		} else {
			ss.reply("530 unknown user")
		}
	case "PASS":
		if s.user == "" || arg == s.pass {
			ss.reply("230 logged in")
		} else {
			ss.reply("530 login incorrect")
		}
	case "SYST":
		ss.reply("215 UNIX Type: L8")
	case "TYPE":
		ss.reply("200 type set")
	case "NOOP":
		ss.reply("200 ok")
	case "QUIT":
		ss.reply("221 bye")
		return false
	case "PWD":
		ss.reply(fmt.Sprintf("257 \"/%s\" is the current directory", strings.Join(ss.cwd, "/")))
	case "CWD":
		target := ss.abs(arg)
		s.mu.Lock()
		node := s.lookup(target)
		s.mu.Unlock()
		if node != nil && node.dir {
			ss.cwd = target
			ss.reply("250 directory changed")
		} else {
			ss.reply("550 failed to change directory")
		}
	case "CDUP":
		if len(ss.cwd) > 0 {
			ss.cwd = ss.cwd[:len(ss.cwd)-1]
		}
		ss.reply("250 directory changed")
	case "MKD":
		target := ss.abs(arg)
		s.mu.Lock()
		ok := false
		if len(target) > 0 {
			parent := s.lookup(target[:len(target)-1])
			name := target[len(target)-1]
			if parent != nil && parent.dir {
				if _, exists := parent.children[name]; !exists {
					parent.children[name] = newFakeDir()
					ok = true
				}
			}
		}
		s.mu.Unlock()
		if ok {
			ss.reply(fmt.Sprintf("257 \"/%s\" created", strings.Join(target, "/")))
		} else {
			ss.reply("550 create failed")
		}
	case "RMD":
		target := ss.abs(arg)
		s.mu.Lock()
		ok := false
		if len(target) > 0 {
			parent := s.lookup(target[:len(target)-1])
			name := target[len(target)-1]
			if parent != nil && parent.dir {
				if node, exists := parent.children[name]; exists && node.dir && len(node.children) == 0 {
					delete(parent.children, name)
					ok = true
				}
			}
		}
		s.mu.Unlock()
		if ok {
			ss.reply("250 directory removed")
		} else {
			ss.reply("550 remove failed")
		}
	case "DELE":
		target := ss.abs(arg)
		s.mu.Lock()
		ok := false
		if len(target) > 0 {
			parent := s.lookup(target[:len(target)-1])
			name := target[len(target)-1]
			if parent != nil && parent.dir {
				if node, exists := parent.children[name]; exists && !node.dir {
					delete(parent.children, name)
					ok = true
				}
			}
		}
		s.mu.Unlock()
		if ok {
			ss.reply("250 file deleted")
		} else {
			ss.reply("550 delete failed")
		}
	case "SIZE":
		s.mu.Lock()
		node := s.lookup(ss.abs(arg))
		s.mu.Unlock()
		if node != nil && !node.dir {
			ss.reply(fmt.Sprintf("213 %d", len(node.data)))
		} else {
			ss.reply("550 no such file")
		}
	case "REST":
		if n, err := strconv.ParseInt(arg, 10, 64); err == nil {
			ss.rest = n
			ss.reply("350 restart position accepted")
		} else {
			ss.reply("501 bad restart position")
		}
	case "RNFR":
		target := ss.abs(arg)
		s.mu.Lock()
		node := s.lookup(target)
		s.mu.Unlock()
		if node != nil {
			ss.renameFrom = target
			ss.reply("350 ready for destination")
		} else {
			ss.reply("550 no such file")
		}
	case "RNTO":
		ss.handleRename(arg)
	case "PASV":
		if ln := ss.openDataListener(); ln != nil {
			port := ln.Addr().(*net.TCPAddr).Port
			ss.reply(fmt.Sprintf("227 Entering Passive Mode (127,0,0,1,%d,%d)", port/256, port%256))
		}
	case "EPSV":
		if ln := ss.openDataListener(); ln != nil {
			port := ln.Addr().(*net.TCPAddr).Port
			ss.reply(fmt.Sprintf("229 Entering Extended Passive Mode (|||%d|)", port))
		}
	case "PORT":
		parts := strings.Split(arg, ",")
		if len(parts) != 6 {
			ss.reply("501 bad PORT argument")
			break
		}
		p1, err1 := strconv.Atoi(parts[4])
		p2, err2 := strconv.Atoi(parts[5])
		if err1 != nil || err2 != nil {
			ss.reply("501 bad PORT argument")
			break
		}
		host := strings.Join(parts[:4], ".")
		ss.portAddr = net.JoinHostPort(host, strconv.Itoa(p1*256+p2))
		ss.reply("200 PORT command successful")
	case "EPRT":
		// |prt|host|port|
		parts := strings.Split(arg, "|")
		if len(parts) < 4 || parts[2] == "" || parts[3] == "" {
			ss.reply("501 bad EPRT argument")
			break
		}
		ss.portAddr = net.JoinHostPort(parts[2], parts[3])
		ss.reply("200 EPRT command successful")
	case "ABOR":
		ss.reply("426 transfer aborted")
		ss.reply("226 abort successful")
	case "LIST":
		ss.handleList(arg, false)
	case "NLST":
		ss.handleList(arg, true)
	case "RETR":
		ss.handleRetr(arg)
	case "STOR":
		ss.handleStor(arg, false)
	case "APPE":
		ss.handleStor(arg, true)
	default:
		ss.reply("502 command not implemented")
	}

	return true
}

// abs resolves arg against the session cwd into a component stack.
func (ss *fakeSession) abs(arg string) []string {
	if strings.HasPrefix(arg, "/") {
		return splitFakePath(arg)
	}
	combined := "/" + strings.Join(ss.cwd, "/") + "/" + arg
	return splitFakePath(combined)
}

func (ss *fakeSession) handleRename(arg string) {
	s := ss.srv
	if ss.renameFrom == nil {
		ss.reply("503 RNFR required first")
		return
	}
	from := ss.renameFrom
	ss.renameFrom = nil
	to := ss.abs(arg)

	s.mu.Lock()
	defer s.mu.Unlock()

	fromParent := s.lookup(from[:len(from)-1])
	toParent := s.lookup(to[:len(to)-1])
	if fromParent == nil || toParent == nil || !fromParent.dir || !toParent.dir {
		ss.reply("550 rename failed")
		return
	}
	node, exists := fromParent.children[from[len(from)-1]]
	if !exists {
		ss.reply("550 rename failed")
		return
	}
	delete(fromParent.children, from[len(from)-1])
	toParent.children[to[len(to)-1]] = node
	ss.reply("250 rename successful")
}

func (ss *fakeSession) openDataListener() net.Listener {
	if ss.dataLn != nil {
		_ = ss.dataLn.Close()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		ss.reply("425 cannot open data connection")
		return nil
	}
	ss.dataLn = ln
	return ln
}

// openData establishes the data connection for one transfer: dialing back to
// the client after PORT/EPRT, or accepting on the listener opened by the last
// PASV/EPSV.
func (ss *fakeSession) openData() net.Conn {
	if ss.portAddr != "" {
		addr := ss.portAddr
		ss.portAddr = ""
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			ss.reply("425 cannot connect to data port")
			return nil
		}
		return conn
	}

	if ss.dataLn == nil {
		ss.reply("425 use PASV first")
		return nil
	}
	ln := ss.dataLn
	ss.dataLn = nil
	defer ln.Close()

	_ = ln.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
	conn, err := ln.Accept()
	if err != nil {
		ss.reply("425 data connection failed")
		return nil
	}
	return conn
}

func (ss *fakeSession) handleList(arg string, namesOnly bool) {
	s := ss.srv
	target := ss.abs(arg)

	s.mu.Lock()
	node := s.lookup(target)
	var lines []string
	if node != nil && node.dir {
		names := make([]string, 0, len(node.children))
		for name := range node.children {
			names = append(names, name)
		}
		sort.Strings(names)

		if !namesOnly {
			// Real servers list the dot entries; the client must filter them.
			lines = append(lines,
				"drwxr-xr-x    2 owner    group           0 Jan  1 12:00 .",
				"drwxr-xr-x    2 owner    group           0 Jan  1 12:00 ..",
			)
		}
		for _, name := range names {
			child := node.children[name]
			if namesOnly {
				lines = append(lines, name)
			} else if child.dir {
				lines = append(lines, fmt.Sprintf("drwxr-xr-x    2 owner    group           0 Jan  1 12:00 %s", name))
			} else {
				lines = append(lines, fmt.Sprintf("-rw-r--r--    1 owner    group    %8d Jan  1 12:00 %s", len(child.data), name))
			}
		}
	}
	s.mu.Unlock()

	if node == nil || !node.dir {
		ss.reply("550 no such directory")
		return
	}

	if s.oversizedListLine {
		lines = append([]string{strings.Repeat("x", 128*1024)}, lines...)
	}

	ss.reply("150 here comes the listing")
	conn := ss.openData()
	if conn == nil {
		return
	}
	for _, line := range lines {
		fmt.Fprintf(conn, "%s\r\n", line)
	}
	conn.Close()
	ss.reply("226 listing complete")
}

func (ss *fakeSession) handleRetr(arg string) {
	s := ss.srv
	s.mu.Lock()
	node := s.lookup(ss.abs(arg))
	var data []byte
	if node != nil && !node.dir {
		data = append([]byte(nil), node.data...)
	}
	s.mu.Unlock()

	if node == nil || node.dir {
		ss.reply("550 no such file")
		return
	}

	offset := ss.rest
	ss.rest = 0
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}

	ss.reply("150 opening data connection")
	conn := ss.openData()
	if conn == nil {
		return
	}
	_, _ = conn.Write(data[offset:])
	conn.Close()
	ss.reply("226 transfer complete")
}

func (ss *fakeSession) handleStor(arg string, appendTo bool) {
	s := ss.srv
	target := ss.abs(arg)
	if len(target) == 0 {
		ss.reply("553 bad file name")
		return
	}

	s.mu.Lock()
	parent := s.lookup(target[:len(target)-1])
	s.mu.Unlock()
	if parent == nil || !parent.dir {
		ss.reply("550 no such directory")
		return
	}

	ss.reply("150 ok to send data")
	conn := ss.openData()
	if conn == nil {
		return
	}

	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	conn.Close()

	s.mu.Lock()
	name := target[len(target)-1]
	if appendTo {
		if existing, ok := parent.children[name]; ok && !existing.dir {
			existing.data = append(existing.data, buf...)
		} else {
			parent.children[name] = &fakeNode{data: buf}
		}
	} else {
		parent.children[name] = &fakeNode{data: buf}
	}
	s.mu.Unlock()

	ss.reply("226 transfer complete")
}

// dialFake connects and logs in against a fake server, failing the test on
// any error.
func dialFake(t *testing.T, s *fakeServer, options ...Option) *Client {
	t.Helper()

	c, err := Dial(s.addr(), options...)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Quit() })

	user, pass := s.user, s.pass
	if user == "" {
		user, pass = "anonymous", ""
	}
	if err := c.Login(user, pass); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return c
}
