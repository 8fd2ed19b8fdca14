package memdx

import (
	"encoding/binary"
	"errors"
)

// ErrBadMagic is returned when a header's first byte is neither the
// request nor the response magic.
var ErrBadMagic = errors.New("memdx: invalid magic byte")

// EncodeRequest serializes pkt as a 24-byte request header followed by
// extras, key and value. vbucket is written into the header's
// vbucket/status field, per spec.md §4.2.
func EncodeRequest(pkt *Packet) []byte {
	return encode(magicReq, pkt, pkt.VBucket)
}

// EncodeResponse serializes pkt as a response header, used by tests and
// by anything emulating a server.
func EncodeResponse(pkt *Packet) []byte {
	return encode(magicRes, pkt, uint16(pkt.Status))
}

func encode(magic byte, pkt *Packet, vbucketOrStatus uint16) []byte {
	bodyLen := pkt.BodyLen()
	buf := make([]byte, HeaderLen+bodyLen)

	buf[0] = magic
	buf[1] = byte(pkt.OpCode)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(pkt.Key)))
	buf[4] = byte(len(pkt.Extras))
	buf[5] = pkt.Datatype
	binary.BigEndian.PutUint16(buf[6:8], vbucketOrStatus)
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
	binary.LittleEndian.PutUint32(buf[12:16], pkt.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], pkt.CAS)

	off := HeaderLen
	off += copy(buf[off:], pkt.Extras)
	off += copy(buf[off:], pkt.Key)
	copy(buf[off:], pkt.Value)

	return buf
}

// header is the fixed-size envelope shared by requests and responses,
// decoded independently of the body so the caller can decide whether
// enough body bytes have arrived yet.
type header struct {
	magic           byte
	opcode          OpCode
	keyLen          uint16
	extrasLen       uint8
	datatype        uint8
	vbucketOrStatus uint16
	bodyLen         uint32
	opaque          uint32
	cas             uint64
}

// decodeHeader parses the first HeaderLen bytes of buf. Callers must
// ensure len(buf) >= HeaderLen.
func decodeHeader(buf []byte) (header, error) {
	h := header{
		magic:           buf[0],
		opcode:          OpCode(buf[1]),
		keyLen:          binary.BigEndian.Uint16(buf[2:4]),
		extrasLen:       buf[4],
		datatype:        buf[5],
		vbucketOrStatus: binary.BigEndian.Uint16(buf[6:8]),
		bodyLen:         binary.BigEndian.Uint32(buf[8:12]),
		opaque:          binary.LittleEndian.Uint32(buf[12:16]),
		cas:             binary.BigEndian.Uint64(buf[16:24]),
	}
	if h.magic != magicReq && h.magic != magicRes {
		return header{}, ErrBadMagic
	}
	return h, nil
}

// TryDecode attempts to parse one complete packet from the front of
// buf. It returns (nil, 0, nil) when buf does not yet hold a full
// packet — the caller should wait for more bytes. consumed is the
// number of bytes to discard from buf on success.
func TryDecode(buf []byte) (pkt *Packet, consumed int, err error) {
	if len(buf) < HeaderLen {
		return nil, 0, nil
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	total := HeaderLen + int(h.bodyLen)
	if len(buf) < total {
		return nil, 0, nil
	}

	body := buf[HeaderLen:total]
	extras := body[:h.extrasLen]
	key := body[h.extrasLen : int(h.extrasLen)+int(h.keyLen)]
	value := body[int(h.extrasLen)+int(h.keyLen):]

	p := &Packet{
		IsResponse: h.magic == magicRes,
		OpCode:     h.opcode,
		Datatype:   h.datatype,
		Opaque:     h.opaque,
		CAS:        h.cas,
		Extras:     append([]byte(nil), extras...),
		Key:        append([]byte(nil), key...),
		Value:      append([]byte(nil), value...),
	}
	if p.IsResponse {
		p.Status = Status(h.vbucketOrStatus)
	} else {
		p.VBucket = h.vbucketOrStatus
	}
	return p, total, nil
}
