// Package extmap implements the External addressing mode: address
// mapping delegated to a helper process over a fixed 40-byte framed
// request/response protocol, with a per-worker, per-direction fixed-size
// cache consulted before every request. Grounded on the reference
// implementation's external address translator (t64_xlat_addr_external.c);
// the wire format and cache hashing are domain-specific to this
// specification, so they are hand-rolled rather than borrowed from an
// ecosystem library. The transport dial/reconnect policy follows the
// teacher daemon's networking style: os.NewFile for the inherited-FD
// path, net.Dial for unix/tcp.
package extmap

import "encoding/binary"

const (
	frameSize   = 40
	magicByte   = 0x54
	protocolVer = 1
)

// Message types (request values); responses/errors OR in 0x80/0xC0/0xE0.
const (
	MsgType4to6Main  uint8 = 1
	MsgType4to6Inner uint8 = 2
	MsgType6to4Main  uint8 = 3
	MsgType6to4Inner uint8 = 4
)

const (
	flagResponse     = 0x80
	flagErrorAdd     = 0xC0
	flagICMPErrorAdd = 0xE0
)

// frame is the 40-byte wire message, request or response.
type frame struct {
	magic         uint8
	version       uint8
	messageType   uint8
	cacheLifetime uint8
	identifier    uint32
	srcIP         [16]byte // IPv4 in the first 4 bytes, followed by 12 zero bytes
	dstIP         [16]byte
}

func (f *frame) marshal() [frameSize]byte {
	var buf [frameSize]byte
	buf[0] = f.magic
	buf[1] = f.version
	buf[2] = f.messageType
	buf[3] = f.cacheLifetime
	binary.BigEndian.PutUint32(buf[4:8], f.identifier)
	copy(buf[8:24], f.srcIP[:])
	copy(buf[24:40], f.dstIP[:])
	return buf
}

func unmarshalFrame(buf [frameSize]byte) frame {
	var f frame
	f.magic = buf[0]
	f.version = buf[1]
	f.messageType = buf[2]
	f.cacheLifetime = buf[3]
	f.identifier = binary.BigEndian.Uint32(buf[4:8])
	copy(f.srcIP[:], buf[8:24])
	copy(f.dstIP[:], buf[24:40])
	return f
}

func v4Frame(addr [4]byte) [16]byte {
	var out [16]byte
	copy(out[:4], addr[:])
	return out
}

func isV4Padded(addr [16]byte) bool {
	for i := 4; i < 16; i++ {
		if addr[i] != 0 {
			return false
		}
	}
	return true
}
