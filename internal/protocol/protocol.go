// Package protocol implements the line-oriented framing of the driver
// command channel.
//
// Inbound traffic is a stream of whitespace-separated command atoms, one
// command per line, accepting either "\n" or "\r\n" terminators. Outbound
// traffic is multi-line replies: zero or more "<code>-<datum>" lines
// followed by a terminal "<code> <text>" line, always "\r\n"-terminated.
//
// The codec itself does no locking. Callers that share the reply stream
// between threads must serialize whole replies themselves.
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const newline = "\r\n"

// Reply is a single protocol reply: a numeric code, a human-readable text
// and an optional sequence of data lines sent before the terminal line.
type Reply struct {
	Code int
	Text string
	Data []string
}

// NewReply constructs a Reply. The code must be a three-digit number and
// the text must be non-empty; violations are programming errors and panic.
func NewReply(code int, text string, data ...string) *Reply {
	if code < 100 || code > 999 {
		panic(fmt.Sprintf("protocol: reply code %d out of range", code))
	}
	if text == "" {
		panic("protocol: empty reply text")
	}
	return &Reply{Code: code, Text: text, Data: data}
}

// Codec reads commands from in and writes replies to out.
type Codec struct {
	in  *bufio.Reader
	out io.Writer
}

// NewCodec wraps the command input and reply output streams.
func NewCodec(in io.Reader, out io.Writer) *Codec {
	return &Codec{in: bufio.NewReader(in), out: out}
}

// readLine returns the next input line including its original terminator.
// On end of input with no pending bytes it returns io.EOF.
func (c *Codec) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			// Final unterminated line still counts.
			return line, nil
		}
		return "", err
	}
	return line, nil
}

// ReadCommand reads one command line and splits it into atoms. The line is
// stripped of surrounding whitespace and split on single ASCII spaces;
// consecutive spaces therefore yield empty atoms, as the dispatcher
// expects. An empty or all-whitespace line yields a nil atom slice.
func (c *Codec) ReadCommand() ([]string, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	stripped := strings.TrimSpace(line)
	if stripped == "" {
		return nil, nil
	}
	return strings.Split(stripped, " "), nil
}

// ReadData reads a data section: lines up to (not including) a line whose
// trimmed content is a single ".". The returned payload is the verbatim
// concatenation of the earlier lines, original terminators preserved.
func (c *Codec) ReadData() (string, error) {
	var data strings.Builder
	for {
		line, err := c.readLine()
		if err != nil {
			if err == io.EOF {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if strings.TrimSpace(line) == "." {
			return data.String(), nil
		}
		data.WriteString(line)
	}
}

// WriteReply encodes and writes a reply as a single Write call, so that a
// caller holding the output lock gets reply-granularity atomicity.
func (c *Codec) WriteReply(r *Reply) error {
	var b strings.Builder
	for _, d := range r.Data {
		fmt.Fprintf(&b, "%d-%s%s", r.Code, d, newline)
	}
	fmt.Fprintf(&b, "%d %s%s", r.Code, r.Text, newline)

	if _, err := io.WriteString(c.out, b.String()); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	return nil
}
