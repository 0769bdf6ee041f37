// Package irctest provides a scripted in-memory IRC server peer for
// client tests. The server side of a net.Pipe is driven by the test;
// the client side is handed to the client under test via its dial
// hook.
package irctest

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrTimeout is returned by Recv when the client stays silent.
var ErrTimeout = errors.New("irctest: timed out waiting for a line")

// Server is one scripted connection. Create it with NewServer, hand
// ClientSide to the client, then alternate Recv and Send according to
// the exchange under test. Don't forget to close.
type Server struct {
	conn  net.Conn
	side  net.Conn
	lines chan string

	closeOnce sync.Once
}

// NewServer creates a connected in-memory server.
func NewServer() *Server {
	server, client := net.Pipe()
	s := &Server{
		conn:  server,
		side:  client,
		lines: make(chan string, 64),
	}
	go s.read()
	return s
}

// ClientSide is the connection to give to the client under test.
func (s *Server) ClientSide() net.Conn {
	return s.side
}

// Dial is a dial hook returning the client side exactly once;
// subsequent calls fail, so reconnect attempts are visible as dial
// errors rather than hanging the test.
func (s *Server) Dial() func(network, addr string) (net.Conn, error) {
	var once sync.Once
	return func(network, addr string) (net.Conn, error) {
		var conn net.Conn
		once.Do(func() { conn = s.side })
		if conn == nil {
			return nil, errors.New("irctest: connection already consumed")
		}
		return conn, nil
	}
}

func (s *Server) read() {
	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		s.lines <- strings.TrimRight(scanner.Text(), "\r")
	}
	close(s.lines)
}

// Recv returns the next line sent by the client, without CRLF.
func (s *Server) Recv() (string, error) {
	select {
	case line, ok := <-s.lines:
		if !ok {
			return "", errors.New("irctest: connection closed")
		}
		return line, nil
	case <-time.After(5 * time.Second):
		return "", ErrTimeout
	}
}

// RecvMatching skips lines until one passes the filter. Useful to
// ignore pacing-dependent traffic like PINGs.
func (s *Server) RecvMatching(match func(string) bool) (string, error) {
	for {
		line, err := s.Recv()
		if err != nil {
			return "", err
		}
		if match(line) {
			return line, nil
		}
	}
}

// Send writes a line to the client, appending CRLF when missing.
func (s *Server) Send(line string) error {
	if !strings.HasSuffix(line, "\r\n") {
		line += "\r\n"
	}
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := s.conn.Write([]byte(line))
	return err
}

// Close tears the pipe down.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		s.side.Close()
	})
}
