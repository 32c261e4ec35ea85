package conn

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestParseKeepAlive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    net.KeepAliveConfig
		wantErr bool
	}{
		{in: "on", want: net.KeepAliveConfig{Enable: true}},
		{in: " OFF ", want: net.KeepAliveConfig{}},
		{in: DefaultKeepAlive, want: net.KeepAliveConfig{Enable: true, Idle: time.Second, Interval: 3 * time.Second, Count: 5}},
		{in: "45:45:3", want: net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 45 * time.Second, Count: 3}},
		{in: "", wantErr: true},
		{in: "1:2", wantErr: true},
		{in: "0:3:5", wantErr: true},
		{in: "1:x:5", wantErr: true},
		{in: "1:3:-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKeepAlive(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestListenTCPAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: true, Idle: time.Second, Interval: time.Second, Count: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		d := net.Dialer{}
		c, err := d.DialContext(ctx, "tcp", ln.Addr().String())
		if err == nil {
			_ = c.Close()
		}
	}()

	c, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, ok := c.(*net.TCPConn); !ok {
		t.Fatalf("got %T want *net.TCPConn", c)
	}
}

func TestBufferPool(t *testing.T) {
	p := NewBufferPool(1024)
	b := p.Get()
	if len(b) != 1024 || p.Size() != 1024 {
		t.Fatalf("got len %d size %d", len(b), p.Size())
	}
	p.Put(b[:10])
	if b2 := p.Get(); len(b2) != 1024 {
		t.Fatalf("got len %d after put of short slice", len(b2))
	}
	p.Put(make([]byte, 10))
}
