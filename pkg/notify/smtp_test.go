package notify

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSMTPServer accepts one session and records the envelope and data.
type fakeSMTPServer struct {
	ln       net.Listener
	startTLS bool
	mu       sync.Mutex
	from     string
	rcpts    []string
	data     string
	done     chan struct{}
}

func newFakeSMTPServer(t *testing.T, offerStartTLS bool) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTPServer{ln: ln, startTLS: offerStartTLS, done: make(chan struct{})}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeSMTPServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTPServer) serve() {
	defer close(s.done)
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	reply := func(line string) { conn.Write([]byte(line + "\r\n")) }
	reply("220 localhost ESMTP test")

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			if s.startTLS {
				reply("250-localhost")
				reply("250 STARTTLS")
			} else {
				reply("250 localhost")
			}
		case strings.HasPrefix(cmd, "MAIL FROM:"):
			s.mu.Lock()
			s.from = strings.Trim(line[len("MAIL FROM:"):], "<> ")
			s.mu.Unlock()
			reply("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			s.mu.Lock()
			s.rcpts = append(s.rcpts, strings.Trim(line[len("RCPT TO:"):], "<> "))
			s.mu.Unlock()
			reply("250 OK")
		case cmd == "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.mu.Lock()
			s.data = b.String()
			s.mu.Unlock()
			reply("250 OK queued")
		case cmd == "QUIT":
			reply("221 Bye")
			return
		default:
			reply("502 Command not implemented")
		}
	}
}

func TestSMTPTransport_Send(t *testing.T) {
	srv := newFakeSMTPServer(t, false)

	tr, err := NewSMTPTransport(SMTPConfig{
		Server:  "127.0.0.1",
		Port:    srv.port(),
		From:    "backup@example.com",
		To:      []string{"ops@example.com", "admin@example.com"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	tr.now = func() time.Time { return time.Date(2024, 1, 15, 2, 0, 0, 0, time.UTC) }

	require.NoError(t, tr.Send(context.Background(), "Backup job completed successfully - 2024-01-15", "Backup Job Report\nline two\n"))
	<-srv.done

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "backup@example.com", srv.from)
	assert.Equal(t, []string{"ops@example.com", "admin@example.com"}, srv.rcpts)
	assert.Contains(t, srv.data, "Subject: Backup job completed successfully - 2024-01-15\r\n")
	assert.Contains(t, srv.data, "To: ops@example.com, admin@example.com\r\n")
	assert.Contains(t, srv.data, "Backup Job Report\r\nline two\r\n")
}

func TestSMTPTransport_RequiresStartTLS(t *testing.T) {
	srv := newFakeSMTPServer(t, false)

	tr, err := NewSMTPTransport(SMTPConfig{
		Server:   "127.0.0.1",
		Port:     srv.port(),
		From:     "backup@example.com",
		To:       []string{"ops@example.com"},
		StartTLS: true,
	})
	require.NoError(t, err)

	err = tr.Send(context.Background(), "s", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support STARTTLS")
}

func TestSMTPTransport_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr, err := NewSMTPTransport(SMTPConfig{Server: "127.0.0.1", Port: port, From: "a@b", To: []string{"c@d"}})
	require.NoError(t, err)
	err = tr.Send(context.Background(), "s", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:"+strconv.Itoa(port))
}

func TestNewSMTPTransport_Validation(t *testing.T) {
	_, err := NewSMTPTransport(SMTPConfig{From: "a@b", To: []string{"c@d"}})
	assert.Error(t, err)
	_, err = NewSMTPTransport(SMTPConfig{Server: "mail", To: []string{"c@d"}})
	assert.Error(t, err)
	_, err = NewSMTPTransport(SMTPConfig{Server: "mail", From: "a@b"})
	assert.Error(t, err)

	tr, err := NewSMTPTransport(SMTPConfig{Server: "mail", From: "a@b", To: []string{"c@d"}})
	require.NoError(t, err)
	assert.Equal(t, 587, tr.cfg.Port)
}

func TestHeaderSafe(t *testing.T) {
	assert.Equal(t, "a b  c", headerSafe("a\nb\r\nc"))
}
