package amqp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
)

// protoHeaderBytes are the four magic bytes that open every protocol header,
// distinguishing it from a frame header (whose first four bytes are a size).
var protoHeaderBytes = [4]byte{'A', 'M', 'Q', 'P'}

// writeProtoHeader writes the 8-byte protocol header identifying id (AMQP,
// TLS, or SASL) as the protocol this connection wants to speak.
func writeProtoHeader(w io.Writer, id protoID) error {
	_, err := w.Write([]byte{
		protoHeaderBytes[0], protoHeaderBytes[1], protoHeaderBytes[2], protoHeaderBytes[3],
		byte(id), 1, 0, 0,
	})
	return err
}

// readFrame reads one complete frame (header + body) synchronously from r.
// It is used both for the pre-mux negotiation phase and, wrapped in a
// goroutine, by conn.connReader for steady-state frame delivery.
func readFrame(r io.Reader) (frame, error) {
	fh, err := parseFrameHeader(r)
	if err != nil {
		return frame{}, err
	}
	if fh.Size < frameHeaderSize {
		return frame{}, errorErrorf("malformed frame: size %d smaller than header", fh.Size)
	}

	buf := make([]byte, int(fh.Size)-frameHeaderSize)
	if len(buf) > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return frame{}, err
		}
	}

	// account for a data offset larger than the minimum 2 words
	if extra := fh.dataOffsetBytes() - frameHeaderSize; extra > 0 {
		if extra > len(buf) {
			return frame{}, errorErrorf("malformed frame: data offset %d exceeds frame size", fh.DataOffset)
		}
		buf = buf[extra:]
	}

	fr := frame{typ: fh.FrameType, channel: fh.Channel}
	if len(buf) == 0 {
		// heartbeat: an empty frame carries no body
		return fr, nil
	}

	body, err := parseFrameBody(bytes.NewBuffer(buf))
	if err != nil {
		return frame{}, err
	}
	fr.body = body
	return fr, nil
}

func (fh frameHeader) dataOffsetBytes() int {
	if fh.DataOffset == 0 {
		return frameHeaderSize
	}
	return int(fh.DataOffset) * 4
}

// peekIsProtoHeader reports whether the next 4 bytes available from br are
// the "AMQP" magic that opens a protocol header rather than a frame size.
func peekIsProtoHeader(br *bufio.Reader) (bool, error) {
	peek, err := br.Peek(4)
	if err != nil {
		return false, err
	}
	return bytes.Equal(peek, protoHeaderBytes[:]), nil
}

// writeHeartbeat sends an empty AMQP frame, used to satisfy the peer's idle
// timeout when there is otherwise nothing to say.
func writeHeartbeat(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, frameHeader{
		Size:       frameHeaderSize,
		DataOffset: 2,
		FrameType:  frameTypeAMQP,
		Channel:    0,
	})
}
