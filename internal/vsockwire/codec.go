package vsockwire

import (
	"encoding/binary"
	"fmt"
)

// Packet is a header plus its owned payload bytes.
type Packet struct {
	Header  Header
	Payload []byte
}

// Encode emits the header fields in wire order followed by the payload.
//
// header.Len must equal len(payload); a mismatch is a programmer error, not
// a runtime condition to recover from, so Encode panics rather than
// returning an error.
func Encode(hdr Header, payload []byte) []byte {
	if int(hdr.Len) != len(payload) {
		panic(fmt.Sprintf("vsockwire: Encode: header.Len %d != len(payload) %d", hdr.Len, len(payload)))
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], hdr.SrcCID)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.DstCID)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.SrcPort)
	binary.LittleEndian.PutUint32(buf[12:16], hdr.DstPort)
	binary.LittleEndian.PutUint32(buf[16:20], hdr.Len)
	binary.LittleEndian.PutUint16(buf[20:22], hdr.Type)
	binary.LittleEndian.PutUint16(buf[22:24], hdr.Op)
	binary.LittleEndian.PutUint32(buf[24:28], hdr.Flags)
	binary.LittleEndian.PutUint32(buf[28:32], hdr.BufAlloc)
	binary.LittleEndian.PutUint32(buf[32:36], hdr.FwdCnt)
	copy(buf[HeaderSize:], payload)
	return buf
}

// EncodePacket is a convenience wrapper around Encode for a Packet value.
func EncodePacket(p Packet) []byte {
	return Encode(p.Header, p.Payload)
}

// Decode parses a header and payload out of buf. It fails if buf is shorter
// than the header, if the declared length exceeds MaxPayload, or if buf is
// shorter than the header plus the declared length.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, fmt.Errorf("vsockwire: Decode: buffer shorter than header: %d < %d", len(buf), HeaderSize)
	}

	hdr := Header{
		SrcCID:   binary.LittleEndian.Uint32(buf[0:4]),
		DstCID:   binary.LittleEndian.Uint32(buf[4:8]),
		SrcPort:  binary.LittleEndian.Uint32(buf[8:12]),
		DstPort:  binary.LittleEndian.Uint32(buf[12:16]),
		Len:      binary.LittleEndian.Uint32(buf[16:20]),
		Type:     binary.LittleEndian.Uint16(buf[20:22]),
		Op:       binary.LittleEndian.Uint16(buf[22:24]),
		Flags:    binary.LittleEndian.Uint32(buf[24:28]),
		BufAlloc: binary.LittleEndian.Uint32(buf[28:32]),
		FwdCnt:   binary.LittleEndian.Uint32(buf[32:36]),
	}

	if hdr.Len > MaxPayload {
		return Packet{}, fmt.Errorf("vsockwire: Decode: declared len %d exceeds max payload %d", hdr.Len, MaxPayload)
	}

	want := HeaderSize + int(hdr.Len)
	if len(buf) < want {
		return Packet{}, fmt.Errorf("vsockwire: Decode: buffer shorter than header+len: %d < %d", len(buf), want)
	}

	payload := make([]byte, hdr.Len)
	copy(payload, buf[HeaderSize:want])

	return Packet{Header: hdr, Payload: payload}, nil
}

// Reply builds the header for a reply to req: swaps src/dst cid and port,
// keeps type, sets the given op and len, copies buf_alloc from the request,
// and resets flags and fwd_cnt to zero.
func Reply(req Header, op uint16, payloadLen int) Header {
	return Header{
		SrcCID:   req.DstCID,
		DstCID:   req.SrcCID,
		SrcPort:  req.DstPort,
		DstPort:  req.SrcPort,
		Len:      uint32(payloadLen),
		Type:     req.Type,
		Op:       op,
		Flags:    0,
		BufAlloc: req.BufAlloc,
		FwdCnt:   0,
	}
}
