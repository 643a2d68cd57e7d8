package udpsession

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestSendFailsWithoutPeer(t *testing.T) {
	s, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer s.Close()

	if err := s.Send([]byte("hi")); err == nil {
		t.Fatal("expected error sending without a locked peer")
	}
}

func TestRecvSetPeerLocksSender(t *testing.T) {
	a, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind a: %v", err)
	}
	defer a.Close()

	b, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind b: %v", err)
	}
	defer b.Close()

	bAddr := b.LocalAddr().(*net.UDPAddr)
	if err := a.SendTo([]byte("init"), bAddr); err != nil {
		t.Fatalf("sendto: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	buf := make([]byte, 1024)
	n, err := b.RecvSetPeer(ctx, buf)
	if err != nil {
		t.Fatalf("recvsetpeer: %v", err)
	}
	if string(buf[:n]) != "init" {
		t.Fatalf("got %q", buf[:n])
	}

	if b.Peer() == nil {
		t.Fatal("expected peer to be locked")
	}
	if b.Peer().Port != a.LocalAddr().(*net.UDPAddr).Port {
		t.Fatalf("locked peer port %d, want %d", b.Peer().Port, a.LocalAddr().(*net.UDPAddr).Port)
	}

	// Now b can send back without needing SetPeer.
	if err := b.Send([]byte("pong")); err != nil {
		t.Fatalf("send after lock: %v", err)
	}
}

func TestRecvSetPeerIgnoresLaterSenders(t *testing.T) {
	b, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind b: %v", err)
	}
	defer b.Close()

	first, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind first: %v", err)
	}
	defer first.Close()
	second, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind second: %v", err)
	}
	defer second.Close()

	bAddr := b.LocalAddr().(*net.UDPAddr)
	if err := first.SendTo([]byte("one"), bAddr); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, 64)
	if _, err := b.RecvSetPeer(ctx, buf); err != nil {
		t.Fatalf("first recv: %v", err)
	}
	lockedAfterFirst := b.Peer().Port

	if err := second.SendTo([]byte("two"), bAddr); err != nil {
		t.Fatal(err)
	}
	if _, err := b.RecvSetPeer(ctx, buf); err != nil {
		t.Fatalf("second recv: %v", err)
	}

	if b.Peer().Port != lockedAfterFirst {
		t.Fatalf("peer changed after first lock: now %d, was %d", b.Peer().Port, lockedAfterFirst)
	}
}

func TestRecvContextCancel(t *testing.T) {
	s, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	buf := make([]byte, 64)
	_, _, err = s.Recv(ctx, buf)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
