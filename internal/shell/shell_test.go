package shell

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/buildkite/rcssd/internal/logger"
	"github.com/buildkite/rcssd/internal/rcsscmd"
	"github.com/buildkite/rcssd/internal/rcsserr"
)

// TestMain lets this binary re-exec itself as a fake engine process: it
// prints the process supervisor's ready line, then answers the trainer UDP
// handshake plus CheckBall/Start calls on the port named by
// RCSSD_TEST_TRAINER_PORT. Mirrors the re-exec trick used by
// internal/procsup and internal/match's own tests.
func TestMain(m *testing.M) {
	if os.Getenv("RCSSD_TEST_FAKE_ENGINE") == "1" {
		runFakeEngine()
		return
	}
	os.Exit(m.Run())
}

func runFakeEngine() {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:"+os.Getenv("RCSSD_TEST_TRAINER_PORT"))
	if err != nil {
		fmt.Println("bad trainer port:", err)
		os.Exit(1)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		fmt.Println("listen:", err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Println("Hit CTRL-C to exit")

	buf := make([]byte, 4096)
	var peer *net.UDPAddr
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg := string(buf[:n])
		if peer == nil {
			peer = from
			conn.WriteToUDP([]byte("(init ok)"), from)
			continue
		}
		switch msg {
		case "(check_ball)":
			conn.WriteToUDP([]byte("(check_ball 100 0,0,0,0)"), from)
		case "(start)":
			conn.WriteToUDP([]byte("(start ok)"), from)
		}
	}
}

// reserveUDPPort grabs an ephemeral port, closes the socket, and returns
// the port number so the fake engine subprocess can rebind it by number.
func reserveUDPPort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return uint16(port)
}

func testConfig(t *testing.T) Config {
	port := reserveUDPPort(t)
	return Config{
		EnginePath:   os.Args[0],
		Env:          []string{"RCSSD_TEST_FAKE_ENGINE=1", "RCSSD_TEST_TRAINER_PORT=" + strconv.Itoa(int(port))},
		TrainerPort:  port,
		ReadyTimeout: 2 * time.Second,
		GracePeriod:  time.Second,
		PollInterval: 20 * time.Millisecond,
		CallTimeout:  time.Second,
	}
}

func TestSpawnAndSendTrainerCommand(t *testing.T) {
	sh := New(testConfig(t), logger.NewBuffer())

	if err := sh.Spawn(context.Background(), false); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sh.Shutdown(shCtx)
	}()

	if sh.Status() != Idle {
		t.Fatalf("status = %v, want Idle", sh.Status())
	}

	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()
	if _, err := sh.SendTrainerCommand(callCtx, rcsscmd.Start{}); err != nil {
		t.Fatalf("send trainer command: %v", err)
	}

	if sh.Pid() == 0 {
		t.Fatal("pid = 0 after spawn")
	}
}

func TestSpawnTwiceWithoutForceFails(t *testing.T) {
	sh := New(testConfig(t), logger.NewBuffer())

	if err := sh.Spawn(context.Background(), false); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sh.Shutdown(shCtx)
	}()

	if err := sh.Spawn(context.Background(), false); err != rcsserr.ErrServerStillRunning {
		t.Fatalf("second spawn err = %v, want ErrServerStillRunning", err)
	}
}

func TestSendTrainerCommandBeforeSpawnFails(t *testing.T) {
	sh := New(testConfig(t), logger.NewBuffer())
	_, err := sh.SendTrainerCommand(context.Background(), rcsscmd.Start{})
	if err != rcsserr.ErrServerNotRunning {
		t.Fatalf("err = %v, want ErrServerNotRunning", err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	sh := New(testConfig(t), logger.NewBuffer())
	if err := sh.Spawn(context.Background(), false); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sh.Shutdown(shCtx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := sh.Shutdown(shCtx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if sh.Status() != Shutdown {
		t.Fatalf("status = %v, want Shutdown", sh.Status())
	}
}
