// Package audio implements the outbound side channel to the audio server:
// a TCP connection carrying synthesized audio as framed binary blocks.
//
// Block framing (one block, "\r\n" line endings):
//
//	BLOCK <msg_id> <block_number>
//	PARAMETERS
//	data_format {raw|wav|ogg}
//	data_length <bytes>
//	audio_length <samples>
//	sample_rate <Hz>
//	channels <n>
//	encoding {s|u}<bpw>{LE|BE}
//	END OF PARAMETERS
//	EVENTS
//	END OF EVENTS
//	DATA
//	<raw bytes>
//	END OF DATA
//
// The data section is binary-transparent; exactly data_length raw bytes
// follow the DATA line with no escaping.
package audio

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
)

const newline = "\r\n"

// Format is the container format of a block's data buffer.
type Format int

const (
	Raw Format = iota
	WAV
	Ogg
)

func (f Format) String() string {
	switch f {
	case Raw:
		return "raw"
	case WAV:
		return "wav"
	case Ogg:
		return "ogg"
	default:
		return "unknown"
	}
}

// ByteOrder of the samples in a block.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

// Block is one unit of audio handed to the audio server. The producer
// owns Data; Send borrows it only for the duration of the call.
type Block struct {
	MsgID       int
	Number      int
	Format      Format
	AudioLength int // samples
	SampleRate  int // Hz
	Channels    int
	Signed      bool
	BitsPerWord int
	Order       ByteOrder
	Data        []byte
}

// Conn is the single live connection to the audio server. It is
// single-writer: callers must not invoke Send concurrently.
type Conn struct {
	tcp *net.TCPConn
}

// Dial connects to the audio server and disables Nagle's algorithm so
// small blocks are not held back by the kernel.
func Dial(host string, port int) (*Conn, error) {
	c, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("connecting to audio server: %w", err)
	}
	tcp := c.(*net.TCPConn)
	if err := tcp.SetNoDelay(true); err != nil {
		tcp.Close()
		return nil, fmt.Errorf("disabling nagle: %w", err)
	}
	return &Conn{tcp: tcp}, nil
}

// Send frames and writes one block, then returns. The whole frame is
// assembled first and written in a single call; the connection is
// otherwise unbuffered, so the block is on the wire when Send returns.
func (c *Conn) Send(b *Block) error {
	if b.Format < Raw || b.Format > Ogg {
		return fmt.Errorf("invalid audio data format %d", int(b.Format))
	}

	sign := "u"
	if b.Signed {
		sign = "s"
	}
	order := "LE"
	if b.Order == BigEndian {
		order = "BE"
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "BLOCK %d %d%s", b.MsgID, b.Number, newline)
	fmt.Fprintf(&out, "PARAMETERS%s", newline)
	fmt.Fprintf(&out, "data_format %s%s", b.Format, newline)
	fmt.Fprintf(&out, "data_length %d%s", len(b.Data), newline)
	fmt.Fprintf(&out, "audio_length %d%s", b.AudioLength, newline)
	fmt.Fprintf(&out, "sample_rate %d%s", b.SampleRate, newline)
	fmt.Fprintf(&out, "channels %d%s", b.Channels, newline)
	fmt.Fprintf(&out, "encoding %s%d%s%s", sign, b.BitsPerWord, order, newline)
	fmt.Fprintf(&out, "END OF PARAMETERS%s", newline)
	fmt.Fprintf(&out, "EVENTS%s", newline)
	fmt.Fprintf(&out, "END OF EVENTS%s", newline)
	fmt.Fprintf(&out, "DATA%s", newline)
	out.Write(b.Data)
	fmt.Fprintf(&out, "END OF DATA%s", newline)

	if _, err := c.tcp.Write(out.Bytes()); err != nil {
		return fmt.Errorf("sending audio block %d of message %d: %w", b.Number, b.MsgID, err)
	}
	return nil
}

// Close tears down the audio connection.
func (c *Conn) Close() error {
	return c.tcp.Close()
}
