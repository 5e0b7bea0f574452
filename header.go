package derecho

import "encoding/binary"

// HeaderSize is the fixed on-wire size of a multicast message header. The
// header always occupies the first HeaderSize bytes of a message buffer and
// the payload follows immediately.
const HeaderSize = 32

// Header is the packed header carried in front of every multicast message.
//
// Wire layout, little endian:
//
//	uint32 header_size
//	int32  index
//	uint64 timestamp_ns
//	uint32 num_nulls
//	uint8  cooked_send
//	uint8  reserved[3]
//	uint64 reserved
type Header struct {
	Index       int32
	TimestampNS uint64
	NumNulls    uint32
	CookedSend  bool
}

// EncodeHeader writes h into the first HeaderSize bytes of buf.
func EncodeHeader(buf []byte, h Header) {
	_ = buf[HeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], HeaderSize)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Index))
	binary.LittleEndian.PutUint64(buf[8:16], h.TimestampNS)
	binary.LittleEndian.PutUint32(buf[16:20], h.NumNulls)
	if h.CookedSend {
		buf[20] = 1
	} else {
		buf[20] = 0
	}
	buf[21], buf[22], buf[23] = 0, 0, 0
	binary.LittleEndian.PutUint64(buf[24:32], 0)
}

// DecodeHeader reads a Header from the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	if sz := binary.LittleEndian.Uint32(buf[0:4]); sz != HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Index:       int32(binary.LittleEndian.Uint32(buf[4:8])),
		TimestampNS: binary.LittleEndian.Uint64(buf[8:16]),
		NumNulls:    binary.LittleEndian.Uint32(buf[16:20]),
		CookedSend:  buf[20] == 1,
	}, nil
}
