package smtp

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type received struct {
	from string
	to   string
	data string
}

// fakeServer is a minimal ESMTP server that accepts any number of
// connections and records what it is sent.
type fakeServer struct {
	ln       net.Listener
	port     int
	password string
	mechs    string
	reject   map[string]bool

	mu        sync.Mutex
	messages  []received
	accepted  int
	active    int
	maxActive int
}

func newFakeServer(t *testing.T, password string, opts ...func(*fakeServer)) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	s := &fakeServer{
		ln:       ln,
		port:     ln.Addr().(*net.TCPAddr).Port,
		password: password,
		mechs:    "PLAIN LOGIN",
		reject:   map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.accepted++
			s.mu.Unlock()
			go s.handle(conn)
		}
	}()

	return s
}

func (s *fakeServer) track(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active += delta
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
}

func (s *fakeServer) snapshot() (accepted, maxActive int, messages []received) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted, s.maxActive, append([]received(nil), s.messages...)
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	s.track(1)
	defer s.track(-1)
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	reply := func(lines string) {
		bw.WriteString(lines)
		bw.Flush()
	}
	readLine := func() (string, bool) {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", false
		}
		return strings.TrimRight(line, "\r\n"), true
	}

	reply("220 fake.test ESMTP\r\n")

	var from, to string
	for {
		line, ok := readLine()
		if !ok {
			return
		}
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			if s.mechs == "" {
				reply("250 fake.test\r\n")
			} else {
				reply("250-fake.test\r\n250 AUTH " + s.mechs + "\r\n")
			}
		case strings.HasPrefix(upper, "AUTH PLAIN "):
			decoded, _ := base64.StdEncoding.DecodeString(line[len("AUTH PLAIN "):])
			parts := bytes.Split(decoded, []byte{0})
			if len(parts) == 3 && string(parts[2]) == s.password {
				reply("235 2.7.0 Authentication successful\r\n")
			} else {
				reply("535 5.7.8 Authentication credentials invalid\r\n")
			}
		case upper == "AUTH LOGIN":
			reply("334 VXNlcm5hbWU6\r\n")
			if _, ok := readLine(); !ok {
				return
			}
			reply("334 UGFzc3dvcmQ6\r\n")
			pass, ok := readLine()
			if !ok {
				return
			}
			decoded, _ := base64.StdEncoding.DecodeString(pass)
			if string(decoded) == s.password {
				reply("235 2.7.0 Authentication successful\r\n")
			} else {
				reply("535 5.7.8 Authentication credentials invalid\r\n")
			}
		case strings.HasPrefix(upper, "MAIL FROM:"):
			from = angle(line)
			reply("250 OK\r\n")
		case strings.HasPrefix(upper, "RCPT TO:"):
			to = angle(line)
			if s.reject[to] {
				reply("550 5.1.1 No such user\r\n")
			} else {
				reply("250 OK\r\n")
			}
		case upper == "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>\r\n")
			var data strings.Builder
			for {
				l, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				data.WriteString(l)
			}
			s.mu.Lock()
			s.messages = append(s.messages, received{from: from, to: to, data: data.String()})
			s.mu.Unlock()
			reply("250 OK queued\r\n")
		case upper == "NOOP":
			reply("250 OK\r\n")
		case upper == "RSET":
			from, to = "", ""
			reply("250 OK\r\n")
		case upper == "QUIT":
			reply("221 Bye\r\n")
			return
		case line == "*":
			reply("501 Cancelled\r\n")
		default:
			reply("500 Unknown command\r\n")
		}
	}
}

func angle(line string) string {
	start := strings.Index(line, "<")
	end := strings.LastIndex(line, ">")
	if start < 0 || end <= start {
		return ""
	}
	return line[start+1 : end]
}
