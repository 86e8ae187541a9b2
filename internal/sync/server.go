package sync

import (
	"bufio"
	"context"
	"log"
	"net"
)

// Server accepts raw TCP clients for the line-delimited event stream.
type Server struct {
	Addr string
	Hub  *Hub
}

func NewServer(addr string, hub *Hub) *Server {
	return &Server{Addr: addr, Hub: hub}
}

// Run accepts clients until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	log.Printf("[sync] tcp listening on %s", s.Addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		s.Hub.Add(conn)
		s.Hub.Welcome(conn)
		log.Printf("[sync] tcp client connected: %s", conn.RemoteAddr())

		go func(c net.Conn) {
			defer func() {
				s.Hub.Remove(c)
				log.Printf("[sync] tcp client disconnected: %s", c.RemoteAddr())
			}()

			// one-way stream; drain whatever the client sends
			sc := bufio.NewScanner(c)
			for sc.Scan() {
			}
		}(conn)
	}
}
