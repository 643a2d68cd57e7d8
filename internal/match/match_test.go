package match

import (
	"context"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buildkite/rcssd/internal/addon"
	"github.com/buildkite/rcssd/internal/client"
	"github.com/buildkite/rcssd/internal/logger"
	"github.com/buildkite/rcssd/internal/procsup"
	"github.com/buildkite/rcssd/internal/resolver"
)

// TestMain lets this binary re-exec itself as a long-lived fake engine
// process for the Process Supervisor half of these tests; the actual
// trainer UDP conversation is simulated separately over loopback.
func TestMain(m *testing.M) {
	if os.Getenv("RCSSD_TEST_FAKE_PROCESS") == "1" {
		select {}
	}
	os.Exit(m.Run())
}

// fakeTickEngine answers "(init version N)" and "(check_ball)" requests;
// the reported tick is whatever tick.Load() currently holds.
func fakeTickEngine(t *testing.T, tick *atomic.Uint32) *net.UDPConn {
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
			msg := string(buf[:n])
			if peer == nil {
				peer = addr
				conn.WriteToUDP([]byte("(init ok)"), addr)
				continue
			}
			switch msg {
			case "(check_ball)":
				conn.WriteToUDP([]byte(tickFrame(uint16(tick.Load()))), addr)
			case "(start)":
				conn.WriteToUDP([]byte("(start ok)"), addr)
			}
		}
	}()
	return conn
}

func tickFrame(t uint16) string {
	return "(check_ball " + itoa(t) + " 0,0,0,0)"
}

func itoa(t uint16) string {
	if t == 0 {
		return "0"
	}
	digits := [5]byte{}
	i := len(digits)
	for t > 0 {
		i--
		digits[i] = byte('0' + t%10)
		t /= 10
	}
	return string(digits[i:])
}

func TestMatchReachesFinishedAtSixThousand(t *testing.T) {
	var tick atomic.Uint32
	engine := fakeTickEngine(t, &tick)
	defer engine.Close()

	core := client.New(client.Config{Name: "trainer", Kind: client.Trainer, Peer: engine.LocalAddr().String()}, logger.NewBuffer())
	defer core.Close()
	core.Outbound() <- client.Payload("(init version 5)")
	connCtx, connCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer connCancel()
	if err := core.Connect(connCtx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	r, err := resolver.New(core, time.Second)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	defer r.Close()

	tp := addon.NewTimePoller(r, 15*time.Millisecond, logger.NewBuffer())
	defer tp.Close()

	sup := procsup.New(procsup.Config{
		Path:        os.Args[0],
		Env:         []string{"RCSSD_TEST_FAKE_PROCESS=1"},
		GracePeriod: time.Second,
	}, logger.NewBuffer())
	supCtx, supCancel := context.WithCancel(context.Background())
	defer supCancel()
	if err := sup.Spawn(supCtx); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shCancel()
		_ = sup.Shutdown(shCtx)
	}()

	m := New(Config{HalfTime: 3000}, tp, sup, r, logger.NewBuffer())

	tick.Store(0)
	waitForStatus(t, m, Idle, 2*time.Second)

	tick.Store(100)
	waitForStatus(t, m, Simulating, 2*time.Second)

	tick.Store(3000)
	time.Sleep(100 * time.Millisecond) // let the half-time watcher fire

	tick.Store(6000)
	waitForStatus(t, m, Finished, 2*time.Second)

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("match did not finish its watchers after reaching Finished")
	}
}

func waitForStatus(t *testing.T, m *Machine, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if m.Status() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("status never reached %v, stuck at %v", want, m.Status())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
