package worker_test

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
	xlatmetrics "github.com/vitlabuda/tundra-nat64-sub000/internal/metrics"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// socketpairFD returns a connected pair of datagram sockets: one to hand
// to the Pool as its simulated device fd, the other for the test to push
// inbound packets into and read translated output back from, mirroring
// one end of a TUN device.
func socketpairFD(t *testing.T) (deviceFD, peerFD int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("Socketpair() error = %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func resolvedTestConfig(t *testing.T) *config.Resolved {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Addressing.Mode = "siit"
	cfg.Addressing.Prefix = "64:ff9b::/96"
	// The test addresses are documentation addresses, which are private.
	cfg.Addressing.AllowPrivate = true
	cfg.Router.IPv4 = "192.0.2.1"
	cfg.Router.IPv6 = "2001:db8::1"
	cfg.Workers = 1
	r, err := config.Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return r
}

func buildIPv4UDP(t *testing.T, src, dst string, ttl uint8, payload []byte) []byte {
	t.Helper()
	total := header.IPv4MinimumSize + header.UDPMinimumSize + len(payload)
	buf := make([]byte, total)
	ipv4 := header.IPv4(buf)
	ipv4.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		ID:          7,
		TTL:         ttl,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpip.AddrFrom4(netip.MustParseAddr(src).As4()),
		DstAddr:     tcpip.AddrFrom4(netip.MustParseAddr(dst).As4()),
	})
	ipv4.SetChecksum(^ipv4.CalculateChecksum())

	udp := header.UDP(ipv4.Payload())
	udp.Encode(&header.UDPFields{SrcPort: 1234, DstPort: 53, Length: uint16(header.UDPMinimumSize + len(payload))})
	copy(udp.Payload(), payload)
	pseudo := header.PseudoHeaderChecksum(header.UDPProtocolNumber, ipv4.SourceAddress(), ipv4.DestinationAddress(), uint16(len(udp)))
	udp.SetChecksum(^udp.CalculateChecksum(pseudo))

	return buf
}

func TestRunRejectsWrongFDCountForSingleQueue(t *testing.T) {
	r := resolvedTestConfig(t)
	p := worker.NewPool(r, discardLogger(), xlatmetrics.NewCollector(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Run(ctx, []int{1, 2}); err == nil {
		t.Fatal("expected an error for a two-fd single-queue device")
	}
}

func TestRunRejectsWrongFDCountForMultiQueue(t *testing.T) {
	r := resolvedTestConfig(t)
	r.DeviceMultiQueue = true
	r.Workers = 3
	p := worker.NewPool(r, discardLogger(), xlatmetrics.NewCollector(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Run(ctx, []int{1}); err == nil {
		t.Fatal("expected an error for a single fd on a 3-worker multi-queue device")
	}
}

func TestRunTranslatesAPacketEndToEnd(t *testing.T) {
	r := resolvedTestConfig(t)
	deviceFD, peerFD := socketpairFD(t)

	p := worker.NewPool(r, discardLogger(), xlatmetrics.NewCollector(prometheus.NewRegistry()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, []int{deviceFD}) }()

	in := buildIPv4UDP(t, "198.51.100.2", "192.0.2.33", 64, []byte("hello"))
	if _, err := unix.Write(peerFD, in); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	out := make([]byte, 2048)
	if err := unix.SetNonblock(peerFD, false); err != nil {
		t.Fatalf("SetNonblock() error = %v", err)
	}
	n, err := readWithDeadline(t, peerFD, out)
	if err != nil {
		t.Fatalf("readWithDeadline() error = %v", err)
	}

	ipv6 := header.IPv6(out[:n])
	if got, want := ipv6.SourceAddress(), tcpip.AddrFrom16(netip.MustParseAddr("64:ff9b::c633:6402").As16()); got != want {
		t.Errorf("src = %v, want %v", got, want)
	}

	// Closing the device fd out from under the blocked read is how a real
	// controller unblocks a worker that has no pending traffic to wake it:
	// the read returns EBADF, which the worker must treat as a clean
	// shutdown signal rather than a fatal read failure.
	cancel()
	_ = unix.Close(deviceFD)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil after a stop-triggered fd close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not shut down after the device fd was closed")
	}
}

// readWithDeadline issues a single read, tolerating EINTR the same way
// the worker's own blocking I/O wrapper does, bounded by a socket-level
// receive timeout so a stuck test fails instead of hanging forever.
func readWithDeadline(t *testing.T, fd int, buf []byte) (int, error) {
	t.Helper()
	tv := unix.Timeval{Sec: 2}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		t.Fatalf("SetsockoptTimeval() error = %v", err)
	}
	for {
		n, err := unix.Read(fd, buf)
		if err == nil || err != unix.EINTR {
			return n, err
		}
	}
}
