package extmap

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
	"github.com/vitlabuda/tundra-nat64-sub000/internal/ipaddr"
)

// Inherited-FD numbers for the external mapper transport. The daemon's
// parent process (nat64ctl) is responsible for placing the read and write
// ends of the helper's pipe/socket at these descriptors before exec'ing
// the worker process; this transport never reconnects.
const (
	InheritedReadFD  = 3
	InheritedWriteFD = 4
)

// ErrMainUnreachable4to6 and ErrMainUnreachable6to4 signal that the
// external helper explicitly refused a main-packet request (an
// ICMP-error-response). The caller must synthesize the corresponding ICMP
// unreachable message back toward the packet's source; these are not
// ordinary silent-drop conditions.
var (
	ErrMainUnreachable4to6 = errors.New("external mapper: destination host unreachable (4to6 main)")
	ErrMainUnreachable6to4 = errors.New("external mapper: address unreachable (6to4 main)")
)

type conn interface {
	io.Reader
	io.Writer
	SetDeadline(t time.Time) error
	Close() error
}

// Client implements External addressing mode address mapping for one
// worker: a lazily-(re)connected transport, four independent caches, and
// a monotonically increasing per-worker request identifier.
type Client struct {
	transport config.Transport
	unixPath  string
	tcpAddr   string
	timeout   time.Duration

	routerV4 [4]byte
	routerV6 [16]byte

	c conn

	nextID uint32

	cache4to6Main  *cache4to6
	cache4to6Inner *cache4to6
	cache6to4Main  *cache6to4
	cache6to4Inner *cache6to4
}

// NewClient builds a Client from the resolved configuration. It does not
// dial; the transport is opened lazily on first use. The request
// identifier starts from a value read from crypto/rand.
func NewClient(r *config.Resolved) *Client {
	cl := &Client{
		transport: r.ExternalTransport,
		unixPath:  r.ExternalUnixPath,
		tcpAddr:   fmt.Sprintf("%s:%d", r.ExternalTCPHost, r.ExternalTCPPort),
		timeout:   time.Duration(r.ExternalTimeoutMillis) * time.Millisecond,
		routerV4:  r.RouterIPv4.As4(),
		routerV6:  r.RouterIPv6.As16(),

		cache4to6Main:  newCache4to6(r.ExternalCacheSizeMain),
		cache4to6Inner: newCache4to6(r.ExternalCacheSizeInner),
		cache6to4Main:  newCache6to4(r.ExternalCacheSizeMain),
		cache6to4Inner: newCache6to4(r.ExternalCacheSizeInner),
	}
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err == nil {
		cl.nextID = binary.BigEndian.Uint32(seed[:])
	}
	return cl
}

// Close closes the underlying transport connection, if open.
func (cl *Client) Close() error {
	if cl.c == nil {
		return nil
	}
	err := cl.c.Close()
	cl.c = nil
	return err
}

// MainToV6 maps a main packet's (src, dst) pair from IPv4 to IPv6.
// Returns ErrMainUnreachable4to6 if the helper explicitly refused the
// request; any other failure is an ordinary silent drop.
func (cl *Client) MainToV6(src, dst [4]byte) (srcOut, dstOut [16]byte, err error) {
	if srcOut, dstOut, ok := cl.cache4to6Main.lookup(src, dst); ok {
		return srcOut, dstOut, nil
	}
	if ipaddr.IsIPv4Unusable(src) || src == cl.routerV4 || ipaddr.IsIPv4Unusable(dst) || dst == cl.routerV4 {
		return srcOut, dstOut, errDrop
	}

	srcOut, dstOut, lifetime, err := cl.roundTrip(MsgType4to6Main, v4Frame(src), v4Frame(dst))
	if err != nil {
		return [16]byte{}, [16]byte{}, err
	}
	if ipaddr.IsIPv6Unusable(srcOut) || srcOut == cl.routerV6 || ipaddr.IsIPv6Unusable(dstOut) || dstOut == cl.routerV6 {
		return [16]byte{}, [16]byte{}, errDrop
	}
	cl.cache4to6Main.store(src, dst, srcOut, dstOut, lifetime)
	return srcOut, dstOut, nil
}

// InnerToV6 maps an ICMP-quoted inner packet's (src, dst) pair from IPv4
// to IPv6, without the unusable/router filters (RFC 7915 debugging rule).
func (cl *Client) InnerToV6(src, dst [4]byte) (srcOut, dstOut [16]byte, err error) {
	if srcOut, dstOut, ok := cl.cache4to6Inner.lookup(src, dst); ok {
		return srcOut, dstOut, nil
	}
	srcOut, dstOut, lifetime, err := cl.roundTrip(MsgType4to6Inner, v4Frame(src), v4Frame(dst))
	if err != nil {
		return [16]byte{}, [16]byte{}, err
	}
	cl.cache4to6Inner.store(src, dst, srcOut, dstOut, lifetime)
	return srcOut, dstOut, nil
}

// MainToV4 maps a main packet's (src, dst) pair from IPv6 to IPv4.
func (cl *Client) MainToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, err error) {
	if srcOut, dstOut, ok := cl.cache6to4Main.lookup(src, dst); ok {
		return srcOut, dstOut, nil
	}
	if ipaddr.IsIPv6Unusable(src) || src == cl.routerV6 || ipaddr.IsIPv6Unusable(dst) || dst == cl.routerV6 {
		return srcOut, dstOut, errDrop
	}

	srcOut16, dstOut16, lifetime, err := cl.roundTrip(MsgType6to4Main, src, dst)
	if err != nil {
		return [4]byte{}, [4]byte{}, err
	}
	if !isV4Padded(srcOut16) || !isV4Padded(dstOut16) {
		_ = cl.Close()
		return [4]byte{}, [4]byte{}, errDrop
	}
	var srcV4, dstV4 [4]byte
	copy(srcV4[:], srcOut16[:4])
	copy(dstV4[:], dstOut16[:4])
	if ipaddr.IsIPv4Unusable(srcV4) || srcV4 == cl.routerV4 || ipaddr.IsIPv4Unusable(dstV4) || dstV4 == cl.routerV4 {
		return [4]byte{}, [4]byte{}, errDrop
	}
	cl.cache6to4Main.store(src, dst, srcV4, dstV4, lifetime)
	return srcV4, dstV4, nil
}

// InnerToV4 maps an ICMP-quoted inner packet's (src, dst) pair from IPv6
// to IPv4, without the unusable/router filters.
func (cl *Client) InnerToV4(src, dst [16]byte) (srcOut, dstOut [4]byte, err error) {
	if srcOut, dstOut, ok := cl.cache6to4Inner.lookup(src, dst); ok {
		return srcOut, dstOut, nil
	}
	srcOut16, dstOut16, lifetime, err := cl.roundTrip(MsgType6to4Inner, src, dst)
	if err != nil {
		return [4]byte{}, [4]byte{}, err
	}
	if !isV4Padded(srcOut16) || !isV4Padded(dstOut16) {
		_ = cl.Close()
		return [4]byte{}, [4]byte{}, errDrop
	}
	var srcV4, dstV4 [4]byte
	copy(srcV4[:], srcOut16[:4])
	copy(dstV4[:], dstOut16[:4])
	cl.cache6to4Inner.store(src, dst, srcV4, dstV4, lifetime)
	return srcV4, dstV4, nil
}

// errDrop is an unexported sentinel distinguishing an ordinary silent
// drop from the two ICMP-signaling errors above; callers that only need
// to know "translate failed" can treat any non-nil error as a drop.
var errDrop = errors.New("external mapper: request refused or invalid")

// roundTrip sends a request frame and parses its response, handling
// reconnects and the three response-flavor branches (OK, error, ICMP
// error) shared by all four message types.
func (cl *Client) roundTrip(msgType uint8, src, dst [16]byte) (srcOut, dstOut [16]byte, cacheLifetime uint8, err error) {
	if err := cl.ensureOpen(); err != nil {
		return srcOut, dstOut, 0, errDrop
	}

	id := cl.nextID
	cl.nextID++

	req := frame{magic: magicByte, version: protocolVer, messageType: msgType, identifier: id, srcIP: src, dstIP: dst}

	if err := cl.write(req.marshal()); err != nil {
		return srcOut, dstOut, 0, errDrop
	}

	respBuf, err := cl.read()
	if err != nil {
		return srcOut, dstOut, 0, errDrop
	}
	resp := unmarshalFrame(respBuf)

	if resp.magic != magicByte || resp.version != protocolVer || resp.identifier != id {
		_ = cl.Close()
		return srcOut, dstOut, 0, errDrop
	}

	switch resp.messageType {
	case msgType | flagICMPErrorAdd:
		switch msgType {
		case MsgType4to6Main:
			return srcOut, dstOut, 0, ErrMainUnreachable4to6
		case MsgType6to4Main:
			return srcOut, dstOut, 0, ErrMainUnreachable6to4
		default:
			// Inner-packet ICMP-error-response is illegal: the outer
			// packet's host is the one in error, not the inner one.
			_ = cl.Close()
			return srcOut, dstOut, 0, errDrop
		}

	case msgType | flagErrorAdd:
		return srcOut, dstOut, 0, errDrop

	case msgType | flagResponse:
		return resp.srcIP, resp.dstIP, resp.cacheLifetime, nil

	default:
		_ = cl.Close()
		return srcOut, dstOut, 0, errDrop
	}
}

func (cl *Client) write(buf [frameSize]byte) error {
	if err := cl.c.SetDeadline(time.Now().Add(cl.timeout)); err != nil {
		_ = cl.Close()
		return err
	}
	n, err := cl.c.Write(buf[:])
	if err != nil || n != frameSize {
		_ = cl.Close()
		return fmt.Errorf("short write to external mapper: %w", err)
	}
	return nil
}

func (cl *Client) read() ([frameSize]byte, error) {
	var buf [frameSize]byte
	if err := cl.c.SetDeadline(time.Now().Add(cl.timeout)); err != nil {
		_ = cl.Close()
		return buf, err
	}
	if _, err := io.ReadFull(cl.c, buf[:]); err != nil {
		_ = cl.Close()
		return buf, err
	}
	return buf, nil
}

// ensureOpen dials a fresh connection if none is currently open. The
// inherited-fds transport never reconnects: after a Close, ensureOpen
// wraps the same descriptor number again without checking it. A failure
// of this transport drops the request like any other failure; it does
// not stop the worker.
func (cl *Client) ensureOpen() error {
	if cl.c != nil {
		return nil
	}

	switch cl.transport {
	case config.TransportInheritedFDs:
		f := os.NewFile(uintptr(InheritedReadFD), "extmap-read")
		if f == nil {
			return errors.New("inherited external mapper file descriptor is not available")
		}
		cl.c = &fileConn{f: f}
		return nil

	case config.TransportUnix:
		c, err := net.DialTimeout("unix", cl.unixPath, cl.timeout)
		if err != nil {
			return err
		}
		cl.c = c.(conn)
		return nil

	case config.TransportTCP:
		c, err := net.DialTimeout("tcp", cl.tcpAddr, cl.timeout)
		if err != nil {
			return err
		}
		cl.c = c.(conn)
		return nil

	default:
		return fmt.Errorf("unsupported external mapper transport %v", cl.transport)
	}
}

// fileConn adapts an inherited *os.File (expected to be a connected
// socket or pipe duplicated onto a fixed descriptor) to the conn
// interface.
type fileConn struct {
	f *os.File
}

func (fc *fileConn) Read(p []byte) (int, error)  { return fc.f.Read(p) }
func (fc *fileConn) Write(p []byte) (int, error) { return fc.f.Write(p) }
func (fc *fileConn) Close() error                { return fc.f.Close() }
func (fc *fileConn) SetDeadline(t time.Time) error {
	return fc.f.SetDeadline(t)
}
