package extmap

import (
	"net"
	"testing"
	"time"
)

// fakeServer answers a single framed request with a scripted response.
func fakeServer(t *testing.T, server net.Conn, respond func(req frame) frame) {
	t.Helper()
	go func() {
		var buf [frameSize]byte
		if _, err := readFull(server, buf[:]); err != nil {
			return
		}
		resp := respond(unmarshalFrame(buf))
		out := resp.marshal()
		_, _ = server.Write(out[:])
	}()
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func newTestClientPair(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })

	cl := &Client{
		timeout:        2 * time.Second,
		cache4to6Main:  newCache4to6(16),
		cache4to6Inner: newCache4to6(16),
		cache6to4Main:  newCache6to4(16),
		cache6to4Inner: newCache6to4(16),
	}
	cl.c = client
	return cl, server
}

func TestMainToV6SuccessStoresInCache(t *testing.T) {
	cl, server := newTestClientPair(t)

	fakeServer(t, server, func(req frame) frame {
		if req.messageType != MsgType4to6Main {
			t.Errorf("messageType = %d, want %d", req.messageType, MsgType4to6Main)
		}
		return frame{
			magic: magicByte, version: protocolVer,
			messageType:   req.messageType | flagResponse,
			identifier:    req.identifier,
			cacheLifetime: 30,
			srcIP:         v4Frame([4]byte{100, 64, 0, 1}),
			dstIP:         v4Frame([4]byte{198, 51, 100, 9}),
		}
	})

	src := [4]byte{198, 51, 100, 2}
	dst := [4]byte{192, 0, 2, 33}
	srcOut, dstOut, err := cl.MainToV6(src, dst)
	if err != nil {
		t.Fatalf("MainToV6() error = %v", err)
	}
	wantSrc := v4Frame([4]byte{100, 64, 0, 1})
	if srcOut != wantSrc {
		t.Errorf("srcOut = %v, want %v", srcOut, wantSrc)
	}

	// Second call must hit the cache without touching the transport.
	_ = server.Close()
	srcOut2, dstOut2, err := cl.MainToV6(src, dst)
	if err != nil {
		t.Fatalf("cached MainToV6() error = %v", err)
	}
	if srcOut2 != srcOut || dstOut2 != dstOut {
		t.Error("cached result differs from first response")
	}
}

func TestMainToV6ICMPErrorResponse(t *testing.T) {
	cl, server := newTestClientPair(t)

	fakeServer(t, server, func(req frame) frame {
		return frame{
			magic: magicByte, version: protocolVer,
			messageType: req.messageType | flagICMPErrorAdd,
			identifier:  req.identifier,
		}
	})

	_, _, err := cl.MainToV6([4]byte{198, 51, 100, 2}, [4]byte{192, 0, 2, 33})
	if err != ErrMainUnreachable4to6 {
		t.Errorf("err = %v, want ErrMainUnreachable4to6", err)
	}
}

func TestMainToV4ICMPErrorResponse(t *testing.T) {
	cl, server := newTestClientPair(t)

	fakeServer(t, server, func(req frame) frame {
		return frame{
			magic: magicByte, version: protocolVer,
			messageType: req.messageType | flagICMPErrorAdd,
			identifier:  req.identifier,
		}
	})

	var src, dst [16]byte
	src[0] = 0x20
	dst[0] = 0x20
	_, _, err := cl.MainToV4(src, dst)
	if err != ErrMainUnreachable6to4 {
		t.Errorf("err = %v, want ErrMainUnreachable6to4", err)
	}
}

func TestMainToV6ErrorResponseIsDrop(t *testing.T) {
	cl, server := newTestClientPair(t)

	fakeServer(t, server, func(req frame) frame {
		return frame{
			magic: magicByte, version: protocolVer,
			messageType: req.messageType | flagErrorAdd,
			identifier:  req.identifier,
		}
	})

	_, _, err := cl.MainToV6([4]byte{198, 51, 100, 2}, [4]byte{192, 0, 2, 33})
	if err == nil {
		t.Fatal("expected an error for a refused request")
	}
	if err == ErrMainUnreachable4to6 {
		t.Error("an ordinary error response must not be reported as ICMP-unreachable")
	}
}

func TestMainToV6MismatchedIdentifierClosesConn(t *testing.T) {
	cl, server := newTestClientPair(t)

	fakeServer(t, server, func(req frame) frame {
		return frame{
			magic: magicByte, version: protocolVer,
			messageType: req.messageType | flagResponse,
			identifier:  req.identifier + 1,
		}
	})

	_, _, err := cl.MainToV6([4]byte{198, 51, 100, 2}, [4]byte{192, 0, 2, 33})
	if err == nil {
		t.Fatal("expected an error for a mismatched response identifier")
	}
	if cl.c != nil {
		t.Error("expected the connection to be closed after a protocol violation")
	}
}

func TestMainToV4RejectsNonV4PaddedResponse(t *testing.T) {
	cl, server := newTestClientPair(t)

	fakeServer(t, server, func(req frame) frame {
		var src [16]byte
		src[5] = 0xFF // not left-justified/zero-padded
		return frame{
			magic: magicByte, version: protocolVer,
			messageType:   req.messageType | flagResponse,
			identifier:    req.identifier,
			cacheLifetime: 10,
			srcIP:         src,
			dstIP:         v4Frame([4]byte{192, 0, 2, 1}),
		}
	})

	var srcIn, dstIn [16]byte
	srcIn[0] = 0x20
	dstIn[0] = 0x20
	_, _, err := cl.MainToV4(srcIn, dstIn)
	if err == nil {
		t.Fatal("expected rejection of a non-IPv4-padded response address")
	}
}

func TestEnsureOpenUnsupportedTransport(t *testing.T) {
	cl := &Client{transport: 0}
	if err := cl.ensureOpen(); err == nil {
		t.Error("expected an error for an unconfigured transport")
	}
}

func TestRequestIdentifierIncrementsMonotonically(t *testing.T) {
	cl, server := newTestClientPair(t)
	defer server.Close()

	var seen []uint32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			var buf [frameSize]byte
			if _, err := readFull(server, buf[:]); err != nil {
				return
			}
			req := unmarshalFrame(buf)
			seen = append(seen, req.identifier)
			resp := frame{
				magic: magicByte, version: protocolVer,
				messageType: req.messageType | flagErrorAdd,
				identifier:  req.identifier,
			}
			out := resp.marshal()
			if _, err := server.Write(out[:]); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		_, _, _ = cl.MainToV6([4]byte{byte(i + 1), 0, 0, 1}, [4]byte{10, 0, 0, 2})
	}
	<-done

	if len(seen) != 3 || seen[1] != seen[0]+1 || seen[2] != seen[1]+1 {
		t.Errorf("identifiers not consecutive: %v", seen)
	}
}
