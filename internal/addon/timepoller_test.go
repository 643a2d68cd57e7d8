package addon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/buildkite/rcssd/internal/client"
	"github.com/buildkite/rcssd/internal/logger"
	"github.com/buildkite/rcssd/internal/resolver"
)

func fakeTrainerEngine(t *testing.T, tick uint16) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		buf := make([]byte, 4096)
		var peer *net.UDPAddr
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if peer == nil {
				peer = addr
				conn.WriteToUDP([]byte("(init ok)"), addr)
				continue
			}
			if string(buf[:n]) == "(check_ball)" {
				conn.WriteToUDP([]byte("(check_ball 42 0,0,0,0)"), addr)
				_ = tick
			}
		}
	}()
	return conn
}

func TestTimePollerPublishesTicks(t *testing.T) {
	engine := fakeTrainerEngine(t, 42)
	defer engine.Close()

	core := client.New(client.Config{Name: "trainer", Kind: client.Trainer, Peer: engine.LocalAddr().String()}, logger.NewBuffer())
	defer core.Close()

	core.Outbound() <- client.Payload("(init version 5)")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := core.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	r, err := resolver.New(core, time.Second)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	defer r.Close()

	tp := NewTimePoller(r, 20*time.Millisecond, logger.NewBuffer())
	defer tp.Close()

	deadline := time.After(2 * time.Second)
	for {
		if v := tp.Tick(); v != nil {
			if *v != 42 {
				t.Fatalf("tick = %d, want 42", *v)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("time poller never observed a tick")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
