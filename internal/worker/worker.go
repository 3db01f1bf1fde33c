// Package worker implements the translation pool's runtime: N goroutines,
// each bound to its own blocking file descriptor, that run forever doing
// read → dispatch (version-nibble peek, route to xlat46 or xlat64) →
// write. Grounded on the teacher's internal/netio.Receiver (goroutine
// fan-out with a shared completion signal) and internal/netio/rawsock_linux.go
// (raw-fd, syscall.RawConn-level socket handling), adapted here from a
// BFD session demuxer into a single-packet-at-a-time translation loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/ipaddr"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/mapper"
	xlatmetrics "github.com/vitlabuda/tundra-nat64-sub000/internal/metrics"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/router"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/xlat46"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/xlat64"
)

// maxPacketSize is the largest single read the pool will ever perform — an
// IP packet, with or without options, never exceeds this (§6 of the wire
// contract: "max 65535 bytes").
const maxPacketSize = 65535

// errStopped is returned internally by the blocking I/O wrapper once a
// termination request has been observed between EINTR retries. It never
// escapes Pool.Run as a process-level error.
var errStopped = errors.New("worker: stop requested")

// ErrShortWrite signals a write that did not accept every queued byte in a
// single call — a fatal per-thread condition per the error-handling design.
var ErrShortWrite = errors.New("worker: short write on primary file descriptor")

// ErrFDCount signals a device/worker-count mismatch: single-queue I/O needs
// exactly one shared descriptor, multi-queue needs one per worker.
var ErrFDCount = errors.New("worker: wrong number of file descriptors for device queue mode")

// Pool supervises the translation worker pool: one goroutine per
// configured worker, each with its own Translator pair, address mapper,
// and ID generator, sharing nothing mutable but the resolved config and
// the logger/metrics sinks (both already internally synchronized).
type Pool struct {
	cfg     *config.Resolved
	logger  *slog.Logger
	metrics *xlatmetrics.Collector
}

// NewPool builds a Pool for cfg. logger and metrics may be shared freely
// across workers: slog.Logger's Handler and prometheus collectors are
// both safe for concurrent use.
func NewPool(cfg *config.Resolved, logger *slog.Logger, metrics *xlatmetrics.Collector) *Pool {
	return &Pool{cfg: cfg, logger: logger, metrics: metrics}
}

// Run starts cfg.Workers goroutines against fds and blocks until ctx is
// cancelled and every worker has exited, or until one worker hits a fatal
// condition — in which case Run returns that error and every other worker
// is cancelled via errgroup's shared context, matching §5's "re-deliver
// stop signal until every worker has joined".
//
// For single-queue I/O, fds must contain exactly one descriptor shared by
// every worker; for multi-queue, one descriptor per worker, in order.
func (p *Pool) Run(ctx context.Context, fds []int) error {
	if p.cfg.DeviceMultiQueue {
		if len(fds) != p.cfg.Workers {
			return fmt.Errorf("%w: multi-queue device wants %d, got %d", ErrFDCount, p.cfg.Workers, len(fds))
		}
	} else if len(fds) != 1 {
		return fmt.Errorf("%w: single-queue device wants 1, got %d", ErrFDCount, len(fds))
	}

	var stop atomic.Bool
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		stop.Store(true)
		return nil
	})

	for id := 0; id < p.cfg.Workers; id++ {
		fd := fds[0]
		if p.cfg.DeviceMultiQueue {
			fd = fds[id]
		}

		wc, err := p.newWorkerContext(id, fd, &stop)
		if err != nil {
			return fmt.Errorf("worker %d: %w", id, err)
		}

		p.metrics.SetActiveWorkers(id + 1)
		g.Go(wc.run)
	}

	return g.Wait()
}

// workerContext is the per-worker, goroutine-owned state: its own
// translators, mapper, ID generator, and blocking I/O wrapper. Nothing
// here is reachable from another goroutine.
type workerContext struct {
	id      int
	io      *blockingIO
	xlat46  *xlat46.Translator
	xlat64  *xlat64.Translator
	logger  *slog.Logger
	metrics *xlatmetrics.Collector
	stop    *atomic.Bool
}

func (p *Pool) newWorkerContext(id, fd int, stop *atomic.Bool) (*workerContext, error) {
	ids, err := ipaddr.NewIDGenerator()
	if err != nil {
		return nil, fmt.Errorf("seed id generator: %w", err)
	}

	m := mapper.New(p.cfg)
	rt := router.New(p.cfg.RouterIPv4, p.cfg.RouterIPv6, p.cfg.RouterTTL, ids)

	return &workerContext{
		id:      id,
		io:      &blockingIO{fd: fd, stop: stop},
		xlat46:  xlat46.New(m, rt, ids, p.cfg),
		xlat64:  xlat64.New(m, rt, ids, p.cfg),
		logger:  p.logger.With(slog.Int("worker", id)),
		metrics: p.metrics,
		stop:    stop,
	}, nil
}

// run is a worker's entire lifetime: blocking read, dispatch, repeat,
// until the stop flag is observed or a fatal condition occurs. A nil
// return means clean termination; a non-nil return is a fatal-thread
// condition per §7 and causes Pool.Run to cancel every other worker.
func (w *workerContext) run() error {
	buf := make([]byte, maxPacketSize)

	for {
		if w.stop.Load() {
			return nil
		}

		n, err := w.io.read(buf)
		if err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			w.logger.Error("primary fd read failed", slog.String("error", err.Error()))
			return fmt.Errorf("worker %d: read: %w", w.id, err)
		}

		w.metrics.IncPacketsIn(w.id)

		if err := w.dispatch(buf[:n]); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			w.logger.Error("primary fd write failed", slog.String("error", err.Error()))
			return fmt.Errorf("worker %d: write: %w", w.id, err)
		}
	}
}

// dispatch peeks the IP version nibble and routes the packet to the
// matching translator, writing out everything the translator produced.
// There is no shared struct between the two directions (§13's binding
// redesign note): each branch only ever touches its own Translator.
func (w *workerContext) dispatch(in []byte) error {
	if len(in) < 1 {
		return nil
	}

	switch in[0] >> 4 {
	case 4:
		res := w.xlat46.Handle(in)
		if err := w.emit(res.IPv6, res.ICMPv4); err != nil {
			return err
		}
		w.observe("4to6", len(res.IPv6) > 0, res.ICMPv4)
	case 6:
		res := w.xlat64.Handle(in)
		if err := w.emit(res.IPv4, res.ICMPv6); err != nil {
			return err
		}
		w.observe("6to4", len(res.IPv4) > 0, res.ICMPv6)
	default:
		w.metrics.IncPacketsDropped("unknown", "bad_ip_version")
	}

	return nil
}

func (w *workerContext) emit(translated [][]byte, icmp []byte) error {
	for _, pkt := range translated {
		if err := w.io.writev([][]byte{pkt}); err != nil {
			return err
		}
	}
	if icmp != nil {
		if err := w.io.writev([][]byte{icmp}); err != nil {
			return err
		}
	}
	return nil
}

func (w *workerContext) observe(direction string, translated bool, icmp []byte) {
	if translated {
		w.metrics.IncPacketsOut(direction)
	}
	if icmp != nil {
		w.metrics.IncICMPEmitted(icmpKind(icmp))
	}
	if !translated && icmp == nil {
		w.metrics.IncPacketsDropped(direction, "untranslatable")
	}
}

// icmpKind classifies a router-synthesized ICMP/ICMPv6 message by its
// type/code for the ICMPEmitted metric's label, mirroring the constructors
// in internal/router.
func icmpKind(msg []byte) string {
	var icmpType, icmpCode uint8
	switch msg[0] >> 4 {
	case 4:
		payload := msg[ipv4HeaderLength(msg):]
		if len(payload) < 2 {
			return "unknown"
		}
		icmpType, icmpCode = payload[0], payload[1]
		switch {
		case icmpType == 11 && icmpCode == 0:
			return "time_exceeded"
		case icmpType == 3 && icmpCode == 4:
			return "frag_needed"
		case icmpType == 3 && icmpCode == 1:
			return "host_unreachable"
		}
	case 6:
		const ipv6HeaderLength = 40
		if len(msg) < ipv6HeaderLength+2 {
			return "unknown"
		}
		icmpType, icmpCode = msg[ipv6HeaderLength], msg[ipv6HeaderLength+1]
		switch {
		case icmpType == 3 && icmpCode == 0:
			return "time_exceeded"
		case icmpType == 2 && icmpCode == 0:
			return "packet_too_big"
		case icmpType == 1 && icmpCode == 3:
			return "addr_unreachable"
		}
	}
	return "unknown"
}

func ipv4HeaderLength(msg []byte) int {
	return int(msg[0]&0x0f) * 4
}

// blockingIO wraps the two syscalls a worker can block in: read and
// writev against the primary file descriptor. Both retry transparently on
// EINTR while stop is unset, per §5's suspension-point rule, and report
// errStopped rather than the raw syscall error for any failure observed
// once stop is set. EBADF is additionally recognized unconditionally: the
// shutdown path that closes this fd out from under a blocked call races
// the same call's observation of the stop flag (both are woken by the
// same context cancellation, with no ordering between them), so EBADF is
// treated as the close's unmistakable signature regardless of whether
// stop has been observed yet.
type blockingIO struct {
	fd   int
	stop *atomic.Bool
}

func (b *blockingIO) read(buf []byte) (int, error) {
	for {
		n, err := unix.Read(b.fd, buf)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			if b.stop.Load() {
				return 0, errStopped
			}
			continue
		}
		if b.stop.Load() || errors.Is(err, unix.EBADF) {
			return 0, errStopped
		}
		return 0, err
	}
}

// writev requires the full byte count to be accepted in a single call; a
// short write is promoted to ErrShortWrite, a fatal per-thread condition.
func (b *blockingIO) writev(iov [][]byte) error {
	want := 0
	for _, v := range iov {
		want += len(v)
	}

	for {
		n, err := unix.Writev(b.fd, iov)
		if err == nil {
			if n != want {
				return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, want)
			}
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			if b.stop.Load() {
				return errStopped
			}
			continue
		}
		if b.stop.Load() || errors.Is(err, unix.EBADF) {
			return errStopped
		}
		return err
	}
}
