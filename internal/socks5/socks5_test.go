package socks5

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestClientDialToServer(t *testing.T) {
	tests := []struct {
		name       string
		serverAuth Auth
		clientAuth Auth
		wantErr    error
	}{
		{name: "no_auth"},
		{name: "user_pass", serverAuth: Auth{Username: "user", Password: "pass"}, clientAuth: Auth{Username: "user", Password: "pass"}},
		{name: "bad_pass", serverAuth: Auth{Username: "user", Password: "pass"}, clientAuth: Auth{Username: "user", Password: "nope"}, wantErr: ErrAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				if err := ServerNegotiate(serverConn, tt.serverAuth); err != nil {
					return err
				}

				req, err := ServerReadRequest(serverConn)
				if err != nil {
					return err
				}
				if req.Cmd != CmdConnect {
					return fmt.Errorf("unexpected command: %d", req.Cmd)
				}

				return WriteSuccessReply(serverConn, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345})
			})

			err := ClientDial(clientConn, tt.clientAuth, "127.0.0.1:80")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v want %v", err, tt.wantErr)
				}
				_ = clientConn.Close()
				_ = g.Wait()
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestClientDialRefused(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		if err := ServerNegotiate(serverConn, Auth{}); err != nil {
			return err
		}
		req, err := ServerReadRequest(serverConn)
		if err != nil {
			return err
		}
		WriteConnectionRefusedReply(serverConn, req.Atyp)
		return nil
	})

	if err := ClientDial(clientConn, Auth{}, "example.org:80"); !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("got %v want %v", err, ErrConnectFailed)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
