package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/buildkite/rcssd/internal/client"
	"github.com/buildkite/rcssd/internal/logger"
	"github.com/buildkite/rcssd/internal/rcsscmd"
)

// fakeTrainerEngine replies to the init handshake, then to every
// "(check_ball)" request with a fixed tick/position frame using the
// "ok"-prefixed reply shape the engine actually sends ("(ok check_ball ...)"),
// and to "(change_mode unknown_mode)" with an engine error frame.
func fakeTrainerEngine(t *testing.T) *net.UDPConn {
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
			msg := string(buf[:n])
			switch msg {
			case "(check_ball)":
				conn.WriteToUDP([]byte("(ok check_ball 3000 1.5,2.5,0,0)"), addr)
			case "(change_mode unknown_mode)":
				conn.WriteToUDP([]byte("(error change_mode)"), addr)
			}
		}
	}()
	return conn
}

func connectedTrainer(t *testing.T) (*client.Core, *net.UDPConn) {
	t.Helper()
	engine := fakeTrainerEngine(t)

	c := client.New(client.Config{
		Name: "trainer",
		Kind: client.Trainer,
		Peer: engine.LocalAddr().String(),
	}, logger.NewBuffer())

	c.Outbound() <- client.Payload("(init version 5)")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c, engine
}

func TestCallResolvesCheckBall(t *testing.T) {
	core, engine := connectedTrainer(t)
	defer engine.Close()
	defer core.Close()

	r, err := resolverNew(core)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := r.Call(ctx, rcsscmd.CheckBall{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	res := val.(rcsscmd.CheckBallResult)
	if res.Tick != 3000 {
		t.Fatalf("tick = %d, want 3000", res.Tick)
	}
	if res.Position.X != 1.5 {
		t.Fatalf("position.X = %v, want 1.5", res.Position.X)
	}
}

func TestCallTimesOutWithoutReply(t *testing.T) {
	core, engine := connectedTrainer(t)
	defer engine.Close()
	defer core.Close()

	r, err := resolverNew(core)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// ChangeMode has no handler in the fake engine, so no reply ever comes.
	if _, err := r.Call(ctx, rcsscmd.ChangeMode{Mode: "kick_off_l"}); err == nil {
		t.Fatal("expected call to time out")
	}
}

func TestCallResolvesOnEngineErrorFrame(t *testing.T) {
	core, engine := connectedTrainer(t)
	defer engine.Close()
	defer core.Close()

	r, err := resolverNew(core)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.Call(ctx, rcsscmd.ChangeMode{Mode: "unknown_mode"}); err == nil {
		t.Fatal("expected the error frame to resolve the call with an error")
	}
}

func TestParseFrameAcceptsBareAndPrefixedForms(t *testing.T) {
	cases := []struct {
		frame      string
		wantKind   string
		wantStatus string
		wantTokens []string
	}{
		{"(start)", "start", "", nil},
		{"(ok start)", "start", "ok", nil},
		{"(ok check_ball 100 in_field)", "check_ball", "ok", []string{"100", "in_field"}},
		{"(error change_mode)", "change_mode", "error", nil},
		{"(warning init)", "init", "warning", nil},
	}
	for _, c := range cases {
		kind, status, tokens, ok := parseFrame(c.frame)
		if !ok {
			t.Fatalf("parseFrame(%q): ok = false", c.frame)
		}
		if kind != c.wantKind || status != c.wantStatus {
			t.Fatalf("parseFrame(%q) = kind %q status %q, want kind %q status %q", c.frame, kind, status, c.wantKind, c.wantStatus)
		}
		if len(tokens) != len(c.wantTokens) {
			t.Fatalf("parseFrame(%q) tokens = %v, want %v", c.frame, tokens, c.wantTokens)
		}
		for i := range tokens {
			if tokens[i] != c.wantTokens[i] {
				t.Fatalf("parseFrame(%q) tokens = %v, want %v", c.frame, tokens, c.wantTokens)
			}
		}
	}
}

func TestSecondResolverIsRejected(t *testing.T) {
	core, engine := connectedTrainer(t)
	defer engine.Close()
	defer core.Close()

	r, err := resolverNew(core)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	defer r.Close()

	if _, err := New(core, 200*time.Millisecond); err == nil {
		t.Fatal("expected second resolver on the same core to be rejected")
	}
}

// resolverNew gives short, test-sized timeouts to every resolver this file
// creates.
func resolverNew(core *client.Core) (*Resolver, error) {
	return New(core, 500*time.Millisecond)
}
