package transfer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/WebFirstLanguage/combnet/pkg/constants"
	"github.com/WebFirstLanguage/combnet/pkg/transport"
)

// SendPayload pushes one raw payload over the stream and closes it.
// The content-lookup path uses this: the reader consumes until EOF.
func SendPayload(conn transport.Conn, payload []byte) error {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(constants.TransferIOTimeout))
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("transfer: write payload: %w", err)
	}
	return nil
}

// ReceivePayload reads one raw payload until EOF, rejecting streams
// larger than limit. It closes the stream.
func ReceivePayload(conn transport.Conn, limit int) ([]byte, error) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(constants.TransferIOTimeout))
	data, err := io.ReadAll(io.LimitReader(conn, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("transfer: read payload: %w", err)
	}
	if len(data) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

// WritePayloads pushes several payloads over the stream, each prefixed
// with its uvarint length, and closes it. The offer path uses this:
// accepted payloads flow in offer order.
func WritePayloads(conn transport.Conn, payloads [][]byte) error {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(constants.TransferIOTimeout))

	w := bufio.NewWriter(conn)
	var prefix [binary.MaxVarintLen64]byte
	for i, payload := range payloads {
		n := binary.PutUvarint(prefix[:], uint64(len(payload)))
		if _, err := w.Write(prefix[:n]); err != nil {
			return fmt.Errorf("transfer: write length of payload %d: %w", i, err)
		}
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("transfer: write payload %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("transfer: flush payloads: %w", err)
	}
	return nil
}

// ReadPayloads reads exactly want length-prefixed payloads, each capped
// at limit bytes, and closes the stream. On a short or oversized stream
// it returns the payloads read so far along with the error.
func ReadPayloads(conn transport.Conn, want int, limit int) ([][]byte, error) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(constants.TransferIOTimeout))

	r := bufio.NewReader(conn)
	out := make([][]byte, 0, want)
	for i := 0; i < want; i++ {
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return out, fmt.Errorf("transfer: read length of payload %d: %w", i, err)
		}
		if size > uint64(limit) {
			return out, ErrTooLarge
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return out, fmt.Errorf("transfer: read payload %d: %w", i, err)
		}
		out = append(out, payload)
	}
	return out, nil
}
