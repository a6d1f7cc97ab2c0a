// Package piper implements a synthesizer backend backed by a Piper
// server speaking the Wyoming protocol.
//
// Piper is a local neural text-to-speech engine, usually deployed as a
// container listening on TCP port 10200. This package adapts it to the
// backend capability record: synthesis requests stream the returned PCM
// to the audio side channel block by block and report message progress
// events; voice discovery uses the protocol's describe handshake.
//
// A Wyoming event frame is a header line "<json_length> <payload_length>",
// the JSON event body terminated by a newline, then payload_length raw
// payload bytes.
package piper

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nadzzz/ttsbridge/internal/audio"
	"github.com/nadzzz/ttsbridge/internal/backend"
	"github.com/nadzzz/ttsbridge/internal/config"
)

// The protocol carries a message id with every block and event; piper has
// no message tracking of its own, so the driver speaks one message at a
// time under a fixed id, matching the "1" the harness replies with.
const messageID = 1

// Driver adapts a Piper server to the backend capability record.
type Driver struct {
	endpoint string
	voice    string
	emit     backend.Emitter

	mu     sync.Mutex
	conn   *audio.Conn    // audio side channel, nil until a destination is set
	synth  net.Conn       // in-flight synthesis connection, nil when idle
	params map[string]int // last prosody values by parameter name
}

// New creates a Piper driver. Events are reported through emit.
func New(cfg config.PiperConfig, emit backend.Emitter) *Driver {
	endpoint := strings.TrimPrefix(cfg.Endpoint, "tcp://")
	return &Driver{
		endpoint: endpoint,
		voice:    cfg.Voice,
		emit:     emit,
		params:   make(map[string]int),
	}
}

// Table returns the capability record for this driver. Text synthesis
// is asynchronous, like the original eSpeak driver: SAY TEXT runs on the
// worker goroutine. SAY KEY, SAY CHAR and SAY ICON are synchronous and
// synthesize on the command thread.
func (d *Driver) Table() backend.Table {
	return backend.Table{
		Init:               d.init,
		ListDrivers:        d.listDrivers,
		ListVoices:         d.listVoices,
		DriverCapabilities: d.capabilities,

		SayTextAsync: d.sayText,
		SayKey:       d.sayLiteral,
		SayChar:      d.sayLiteral,
		SayIcon:      d.sayLiteral,

		SetRate:       d.setRate,
		SetPitch:      d.setPitch,
		SetPitchRange: d.setPitchRange,
		SetVolume:     d.setVolume,

		SetAudioRetrievalDestination: d.setAudioRetrievalDestination,

		Cancel: d.cancel,
		Quit:   d.quit,
	}
}

func (d *Driver) init() (string, error) {
	conn, err := net.DialTimeout("tcp", d.endpoint, 10*time.Second)
	if err != nil {
		return "", fmt.Errorf("piper server unreachable at %s: %w", d.endpoint, err)
	}
	conn.Close()
	return fmt.Sprintf("piper ready at %s, voice %s", d.endpoint, d.voice), nil
}

func (d *Driver) listDrivers() (*backend.DriverDescription, error) {
	return &backend.DriverDescription{
		DriverID:           "piper",
		DriverVersion:      "0.1",
		SynthesizerName:    "Piper Synthesizer",
		SynthesizerVersion: "unknown",
	}, nil
}

// listVoices asks the server to describe itself and flattens the voices
// of every installed TTS program.
func (d *Driver) listVoices() ([]backend.VoiceDescription, error) {
	conn, err := d.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	wc := newWyomingConn(conn)
	if err := wc.write(wyomingEvent{Type: "describe"}, nil); err != nil {
		return nil, fmt.Errorf("sending describe event: %w", err)
	}

	for {
		evt, _, err := wc.read()
		if err != nil {
			return nil, fmt.Errorf("reading piper event: %w", err)
		}
		if evt.Type != "info" {
			continue
		}

		var voices []backend.VoiceDescription
		programs, _ := evt.Data["tts"].([]any)
		for _, p := range programs {
			prog, _ := p.(map[string]any)
			progVoices, _ := prog["voices"].([]any)
			for _, v := range progVoices {
				voice, _ := v.(map[string]any)
				name, _ := voice["name"].(string)
				if name == "" {
					continue
				}
				language := ""
				if langs, _ := voice["languages"].([]any); len(langs) > 0 {
					language, _ = langs[0].(string)
				}
				voices = append(voices, backend.VoiceDescription{
					Name:     name,
					Language: language,
					Dialect:  "none",
					Gender:   backend.GenderNone,
				})
			}
		}
		return voices, nil
	}
}

func (d *Driver) capabilities() (*backend.Capabilities, error) {
	return &backend.Capabilities{
		CanListVoices: true,

		CanSetRateRelative: true,
		CanSetRateAbsolute: true,

		CanSetPitchRelative: true,
		CanSetPitchAbsolute: true,

		CanSetPitchRangeRelative: true,
		CanSetPitchRangeAbsolute: true,

		CanSetVolumeRelative: true,
		CanSetVolumeAbsolute: true,

		CanSayChar: true,
		CanSayKey:  true,
		CanSayIcon: true,

		CanRetrieveAudio: true,

		CanReportEventsByMessage: true,

		PerformanceLevel: backend.PerformanceGood,
		CanParsePlain:    true,
	}, nil
}

// sayLiteral speaks a key name, character or icon name as plain text.
// Piper has no sound icons; speaking the name is the eSpeak-style
// emulation.
func (d *Driver) sayLiteral(s string) error {
	return d.sayText(backend.Plain, s)
}

// sayText synthesizes text and streams the PCM to the audio server as it
// arrives, one block per Wyoming audio chunk. It reports message_begin
// before the first byte of audio and message_end after the last.
func (d *Driver) sayText(format backend.MessageFormat, text string) error {
	if format == backend.SSML {
		return fmt.Errorf("piper does not parse ssml")
	}
	if text == "" {
		return fmt.Errorf("empty text for synthesis")
	}

	d.mu.Lock()
	out := d.conn
	d.mu.Unlock()
	if out == nil {
		return fmt.Errorf("no audio retrieval destination set")
	}

	conn, err := d.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	d.setSynth(conn)
	defer d.setSynth(nil)

	wc := newWyomingConn(conn)
	synthEvent := wyomingEvent{
		Type: "synthesize",
		Data: map[string]any{
			"text": text,
			"voice": map[string]any{
				"name": d.voice,
			},
		},
	}
	if err := wc.write(synthEvent, nil); err != nil {
		return fmt.Errorf("sending synthesize event: %w", err)
	}

	d.emit.Event(backend.Event{Type: backend.EventMessageBegin, ID: messageID})

	// Read response events: audio-start → audio-chunk* → audio-stop
	var (
		sampleRate = 22050
		channels   = 1
		width      = 2
		number     = 0
		samples    = 0
	)

	for {
		evt, payload, err := wc.read()
		if err != nil {
			return fmt.Errorf("reading piper event: %w", err)
		}

		switch evt.Type {
		case "audio-start":
			if rate, ok := evt.Data["rate"].(float64); ok {
				sampleRate = int(rate)
			}
			if ch, ok := evt.Data["channels"].(float64); ok {
				channels = int(ch)
			}
			if w, ok := evt.Data["width"].(float64); ok {
				width = int(w)
			}
			slog.Debug("piper audio-start", "rate", sampleRate, "channels", channels, "width", width)

		case "audio-chunk":
			if len(payload) == 0 {
				continue
			}
			chunkSamples := len(payload) / (width * channels)
			block := &audio.Block{
				MsgID:       messageID,
				Number:      number,
				Format:      audio.Raw,
				AudioLength: chunkSamples,
				SampleRate:  sampleRate,
				Channels:    channels,
				Signed:      true,
				BitsPerWord: width * 8,
				Order:       audio.LittleEndian,
				Data:        payload,
			}
			if err := out.Send(block); err != nil {
				return fmt.Errorf("streaming block %d: %w", number, err)
			}
			number++
			samples += chunkSamples

		case "audio-stop":
			slog.Debug("piper audio-stop", "blocks", number, "samples", samples)
			d.emit.Event(backend.Event{
				Type:     backend.EventMessageEnd,
				ID:       messageID,
				TextPos:  len(text),
				AudioPos: samples,
			})
			return nil

		case "error":
			msg := "unknown error"
			if text, ok := evt.Data["text"].(string); ok {
				msg = text
			}
			return fmt.Errorf("piper error: %s", msg)

		default:
			slog.Debug("piper unknown event", "type", evt.Type)
		}
	}
}

func (d *Driver) setRate(mode backend.Mode, value int) error {
	return d.setParameter("rate", mode, value)
}

func (d *Driver) setPitch(mode backend.Mode, value int) error {
	return d.setParameter("pitch", mode, value)
}

func (d *Driver) setPitchRange(mode backend.Mode, value int) error {
	return d.setParameter("pitch_range", mode, value)
}

func (d *Driver) setVolume(mode backend.Mode, value int) error {
	return d.setParameter("volume", mode, value)
}

// setParameter records a prosody value. A Wyoming synthesize request
// carries no prosody controls, so the values are kept for future use and
// otherwise leave synthesis untouched; relative updates adjust the last
// stored value.
func (d *Driver) setParameter(name string, mode backend.Mode, value int) error {
	d.mu.Lock()
	if mode == backend.Relative {
		value += d.params[name]
	}
	d.params[name] = value
	d.mu.Unlock()

	slog.Debug("prosody parameter stored", "param", name, "value", value)
	return nil
}

func (d *Driver) setAudioRetrievalDestination(host string, port int) error {
	conn, err := audio.Dial(host, port)
	if err != nil {
		return err
	}
	d.mu.Lock()
	old := d.conn
	d.conn = conn
	d.mu.Unlock()
	if old != nil {
		old.Close()
	}
	slog.Info("connected to audio server", "host", host, "port", port)
	return nil
}

// cancel aborts an in-flight synthesis by closing its connection; the
// synthesis loop on the worker thread then fails its read and returns.
func (d *Driver) cancel() error {
	d.mu.Lock()
	synth := d.synth
	d.mu.Unlock()
	if synth != nil {
		synth.Close()
	}
	return nil
}

func (d *Driver) quit() {
	d.cancel()
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (d *Driver) dial() (net.Conn, error) {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.Dial("tcp", d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("connecting to piper: %w", err)
	}
	_ = conn.SetDeadline(time.Now().Add(60 * time.Second))
	return conn, nil
}

func (d *Driver) setSynth(c net.Conn) {
	d.mu.Lock()
	d.synth = c
	d.mu.Unlock()
}

// --- Wyoming event framing ---

type wyomingEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// wyomingConn frames events over a byte stream. Reads go through one
// buffered reader, so a connection must be read through a single
// wyomingConn for its whole lifetime.
type wyomingConn struct {
	w  io.Writer
	br *bufio.Reader
}

func newWyomingConn(rw io.ReadWriter) *wyomingConn {
	return &wyomingConn{w: rw, br: bufio.NewReader(rw)}
}

// write sends one event. The whole frame is assembled first and written
// in a single call.
func (c *wyomingConn) write(evt wyomingEvent, payload []byte) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	var frame bytes.Buffer
	fmt.Fprintf(&frame, "%d %d\n", len(body), len(payload))
	frame.Write(body)
	frame.WriteByte('\n')
	frame.Write(payload)

	if _, err := c.w.Write(frame.Bytes()); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// read returns the next event and its payload, nil when the event
// carries none.
func (c *wyomingConn) read() (*wyomingEvent, []byte, error) {
	header, err := c.br.ReadString('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("reading event header: %w", err)
	}

	var bodyLen, payloadLen int
	if _, err := fmt.Sscanf(header, "%d %d", &bodyLen, &payloadLen); err != nil {
		return nil, nil, fmt.Errorf("bad event header %q: %w", strings.TrimSpace(header), err)
	}

	body := make([]byte, bodyLen+1) // the JSON body plus its newline
	if _, err := io.ReadFull(c.br, body); err != nil {
		return nil, nil, fmt.Errorf("reading event body: %w", err)
	}
	var evt wyomingEvent
	if err := json.Unmarshal(body[:bodyLen], &evt); err != nil {
		return nil, nil, fmt.Errorf("decoding event: %w", err)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(c.br, payload); err != nil {
			return nil, nil, fmt.Errorf("reading event payload: %w", err)
		}
	}

	return &evt, payload, nil
}
