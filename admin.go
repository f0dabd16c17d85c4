package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

// runAdminSocket serves a line-oriented operator console on a unix socket.
// Connect with `nc -U <path>` and type `help`.
func (s *Server) runAdminSocket(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale admin socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on admin socket: %w", err)
	}

	if err := os.Chmod(path, 0666); err != nil {
		slog.Warn("failed to chmod admin socket", "path", path, "error", err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("admin socket listening", "path", path)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("admin socket accept failed", "error", err)
			continue
		}

		go s.handleAdminConn(ctx, conn)
	}
}

func (s *Server) handleAdminConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	fmt.Fprintln(conn, "feed generator admin console, type 'help' for commands")

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "backfill":
			if len(fields) != 2 {
				fmt.Fprintln(conn, "usage: backfill <did>")
				continue
			}

			did := fields[1]
			fmt.Fprintf(conn, "backfilling %s...\n", did)
			if err := s.backfiller.BackfillUser(ctx, did); err != nil {
				fmt.Fprintf(conn, "backfill failed: %s\n", err)
				continue
			}
			fmt.Fprintln(conn, "done")
		case "stats":
			st, err := s.store.Stats(ctx)
			if err != nil {
				fmt.Fprintf(conn, "stats failed: %s\n", err)
				continue
			}
			fmt.Fprintf(conn, "posts: %d\nfollows: %d\nusers: %d\n", st.Posts, st.Follows, st.Users)
		case "help":
			fmt.Fprintln(conn, "commands:")
			fmt.Fprintln(conn, "  backfill <did>  fetch follows and recent posts for a user")
			fmt.Fprintln(conn, "  stats           print index row counts")
			fmt.Fprintln(conn, "  quit            close the connection")
		case "quit", "exit":
			return
		default:
			fmt.Fprintf(conn, "unknown command %q, type 'help'\n", fields[0])
		}
	}
}
