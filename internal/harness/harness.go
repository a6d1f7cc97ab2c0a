// Package harness implements the driver side of the TTS command protocol:
// the command loop, the verb dispatcher, the capability advertisement,
// the asynchronous synthesis worker and the progress event emitter.
//
// The harness runs two long-lived goroutines. The command goroutine
// (Run's caller) reads commands from the controller, dispatches them and
// writes replies. Operations the backend only implements asynchronously
// are handed to the worker goroutine over a single-slot rendezvous and
// replied to immediately. Every write to the reply stream — command
// replies and event records alike — holds the one output mutex, so a
// multi-line reply is never split by an event.
package harness

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nadzzz/ttsbridge/internal/backend"
	"github.com/nadzzz/ttsbridge/internal/protocol"
)

// AudioDestination is the controller-announced audio retrieval endpoint.
type AudioDestination struct {
	Host string
	Port int
}

// Harness holds everything the protocol loop shares between its
// goroutines: the codec, the output mutex, the installed capability
// table, the async worker and the audio destination settings.
type Harness struct {
	codec *protocol.Codec
	outMu sync.Mutex

	table  backend.Table
	worker *worker

	dest atomic.Pointer[AudioDestination]
}

// New creates a harness speaking the command protocol on the given
// streams. A capability table must be installed before Run.
func New(in io.Reader, out io.Writer) *Harness {
	return &Harness{codec: protocol.NewCodec(in, out)}
}

// Install sets the backend capability table. It must be called exactly
// once, before Run; the table is immutable afterwards.
func (h *Harness) Install(table backend.Table) {
	if h.worker != nil {
		panic("harness: capability table installed twice")
	}
	h.table = table
	h.worker = newWorker(table)
}

// AudioDestination returns the last destination announced via
// SET AUDIO RETRIEVAL, or nil if none was set yet. Safe from any
// goroutine.
func (h *Harness) AudioDestination() *AudioDestination {
	return h.dest.Load()
}

// errQuit signals a QUIT command; the loop exits without a reply.
var errQuit = errors.New("quit requested")

// Run executes the command loop until the controller closes the channel
// or sends QUIT. It starts the worker goroutine; the worker has
// process-terminate semantics and is never joined.
func (h *Harness) Run() error {
	if h.worker == nil {
		panic("harness: Run before Install")
	}
	go h.worker.run()

	for {
		cmd, err := h.codec.ReadCommand()
		if err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info("command channel closed, terminating")
				return nil
			}
			return fmt.Errorf("reading command: %w", err)
		}

		h.outMu.Lock()
		reply, err := h.dispatch(cmd)
		if err != nil {
			h.outMu.Unlock()
			if errors.Is(err, errQuit) {
				if h.table.Quit != nil {
					h.table.Quit()
				}
				return nil
			}
			// Transport failure on one of the channels; there is
			// nowhere left to report it, so the loop ends.
			return err
		}
		if reply == nil {
			reply = protocol.NewReply(400, "INVALID COMMAND")
		}
		werr := h.codec.WriteReply(reply)
		h.outMu.Unlock()
		if werr != nil {
			return werr
		}
	}
}

// dispatch classifies one command by verb length and invokes its handler.
// It is called with the output mutex held: the SAY TEXT handler writes
// the 299 continuation and reads the data section inside the same
// critical section, keeping the reply stream coherent. A nil reply with
// nil error means "unrecognized", which the caller turns into 400.
func (h *Harness) dispatch(cmd []string) (*protocol.Reply, error) {
	if len(cmd) == 1 {
		switch cmd[0] {
		case "INIT":
			return h.initDriver(), nil
		case "CANCEL":
			return h.cancel(), nil
		case "QUIT":
			return nil, errQuit
		}
	}

	if len(cmd) >= 2 {
		switch {
		case cmd[0] == "LIST" && cmd[1] == "DRIVERS":
			return h.listDrivers(), nil
		case cmd[0] == "LIST" && cmd[1] == "VOICES":
			return h.listVoices(), nil
		case cmd[0] == "DRIVER" && cmd[1] == "CAPABILITIES":
			return h.driverCapabilities(), nil
		case cmd[0] == "SAY" && cmd[1] == "TEXT":
			return h.sayText(cmd[2:])
		case cmd[0] == "SAY" && cmd[1] == "CHAR":
			return h.sayOne(cmd[2:], h.table.SayChar, h.table.SayCharAsync, verbSayCharAsync), nil
		case cmd[0] == "SAY" && cmd[1] == "KEY":
			return h.sayOne(cmd[2:], h.table.SayKey, h.table.SayKeyAsync, verbSayKeyAsync), nil
		case cmd[0] == "SAY" && cmd[1] == "ICON":
			return h.sayOne(cmd[2:], h.table.SayIcon, h.table.SayIconAsync, verbSayIconAsync), nil
		}
	}

	if len(cmd) >= 3 && cmd[0] == "SET" {
		switch {
		case cmd[1] == "MESSAGE" && cmd[2] == "ID":
			return protocol.NewReply(200, "OK ID SET"), nil
		case cmd[1] == "AUDIO" && cmd[2] == "OUTPUT":
			return protocol.NewReply(200, "OK AUDIO OUTPUT SET"), nil
		case cmd[1] == "AUDIO" && cmd[2] == "RETRIEVAL":
			return h.setAudioRetrieval(cmd[3:]), nil
		case cmd[2] == "RATE":
			return h.setVoiceParameter(h.table.SetRate, cmd[3:]), nil
		case cmd[2] == "PITCH":
			return h.setVoiceParameter(h.table.SetPitch, cmd[3:]), nil
		case cmd[2] == "PITCH_RANGE":
			return h.setVoiceParameter(h.table.SetPitchRange, cmd[3:]), nil
		case cmd[2] == "VOLUME":
			return h.setVoiceParameter(h.table.SetVolume, cmd[3:]), nil
		}
	}

	return nil, nil
}

func (h *Harness) initDriver() *protocol.Reply {
	if h.table.Init != nil {
		status, err := h.table.Init()
		if status != "" {
			slog.Info("driver init status", "status", status)
		}
		if err != nil {
			slog.Error("driver init failed", "error", err)
			return protocol.NewReply(304, "DRIVER NOT LOADED")
		}
	}
	// Wire-compatible text, typo included.
	return protocol.NewReply(200, "OK INITALIZED")
}

func (h *Harness) listDrivers() *protocol.Reply {
	var data []string
	if h.table.ListDrivers != nil {
		dscr, err := h.table.ListDrivers()
		if err != nil || dscr == nil {
			return protocol.NewReply(300, "UNKNOWN ERROR")
		}
		data = append(data, fmt.Sprintf("%s %s \"%s\" %s",
			dscr.DriverID, dscr.DriverVersion,
			dscr.SynthesizerName, dscr.SynthesizerVersion))
	}
	return protocol.NewReply(200, "OK DRIVER LIST SENT", data...)
}

func (h *Harness) listVoices() *protocol.Reply {
	var data []string
	if h.table.ListVoices != nil {
		voices, err := h.table.ListVoices()
		if err != nil || voices == nil {
			return protocol.NewReply(300, "UNKNOWN ERROR")
		}
		for _, v := range voices {
			// Non-male genders render FEMALE; historical wire behavior.
			gender := "FEMALE"
			if v.Gender == backend.GenderMale {
				gender = "MALE"
			}
			data = append(data, fmt.Sprintf("\"%s\" %s \"%s\" %s %d",
				v.Name, v.Language, v.Dialect, gender, v.Age))
		}
	}
	// Same reply text as LIST DRIVERS; controllers depend on it.
	return protocol.NewReply(200, "OK DRIVER LIST SENT", data...)
}

func (h *Harness) driverCapabilities() *protocol.Reply {
	caps := &backend.Capabilities{}
	if h.table.DriverCapabilities != nil {
		c, err := h.table.DriverCapabilities()
		if err != nil || c == nil {
			return protocol.NewReply(300, "CANT REPORT DRIVER CAPABILITIES")
		}
		caps = c
	}
	return protocol.NewReply(200, "OK DRIVER CAPABILITIES SENT", encodeCapabilities(caps)...)
}

// sayText handles SAY TEXT <fmt> and its data section. The format atom is
// validated before the 299 continuation is sent: on a bad or missing
// format the error reply is issued immediately and the data section is
// not consumed, so the controller is never left streaming into a failed
// command.
func (h *Harness) sayText(args []string) (*protocol.Reply, error) {
	if len(args) < 1 {
		return protocol.NewReply(300, "MISSING ARGUMENT"), nil
	}
	var format backend.MessageFormat
	switch args[0] {
	case "plain":
		format = backend.Plain
	case "ssml":
		format = backend.SSML
	default:
		return protocol.NewReply(400, "INVALID PARAMETER"), nil
	}

	if err := h.codec.WriteReply(protocol.NewReply(299, "OK RECEIVING DATA")); err != nil {
		return nil, err
	}
	data, err := h.codec.ReadData()
	if err != nil {
		return nil, fmt.Errorf("reading data section: %w", err)
	}

	switch {
	case h.table.SayText != nil:
		if err := h.table.SayText(format, data); err != nil {
			slog.Error("say_text failed", "error", err)
			return protocol.NewReply(300, "UNKNOWN ERROR IN DRIVER CODE"), nil
		}
	case h.table.SayTextAsync != nil:
		h.worker.post(verbSayTextAsync, format, data)
	default:
		return protocol.NewReply(300, "NOT IMPLEMENTED IN DRIVER"), nil
	}

	return protocol.NewReply(204, "OK MESSAGE RECEIVED", "1"), nil
}

// sayOne is the shared handler for SAY KEY, SAY CHAR and SAY ICON: one
// mandatory string argument, synchronous form preferred, asynchronous
// form posted to the worker.
func (h *Harness) sayOne(args []string, direct func(string) error, async func(string) error, verb string) *protocol.Reply {
	if len(args) < 1 {
		return protocol.NewReply(300, "MISSING ARGUMENT")
	}
	arg := args[0]

	switch {
	case direct != nil:
		if err := direct(arg); err != nil {
			slog.Error("driver call failed", "verb", verb, "error", err)
			return protocol.NewReply(300, "UNKNOWN ERROR IN DRIVER CODE")
		}
	case async != nil:
		h.worker.post(verb, backend.Plain, arg)
	default:
		return protocol.NewReply(300, "NOT IMPLEMENTED IN DRIVER")
	}

	return protocol.NewReply(204, "OK MESSAGE RECEIVED")
}

func (h *Harness) cancel() *protocol.Reply {
	if h.table.Cancel != nil {
		if err := h.table.Cancel(); err != nil {
			slog.Error("cancel failed", "error", err)
			return protocol.NewReply(300, "CANT CANCEL MESSAGE")
		}
	}
	return protocol.NewReply(200, "OK CANCELED")
}

// setVoiceParameter handles SET <param> RATE|PITCH|PITCH_RANGE|VOLUME
// <mode> <value>. The <param> atom is accepted and ignored. A missing
// setter in the table is not an error: the parameter is simply dropped.
func (h *Harness) setVoiceParameter(set func(backend.Mode, int) error, args []string) *protocol.Reply {
	if len(args) < 2 {
		return protocol.NewReply(300, "MISSING ARGUMENT")
	}

	var mode backend.Mode
	switch args[0] {
	case "absolute":
		mode = backend.Absolute
	case "relative":
		mode = backend.Relative
	default:
		return protocol.NewReply(300, "INVALID ARGUMENT")
	}

	value, err := strconv.Atoi(args[1])
	if err != nil {
		return protocol.NewReply(300, "INVALID ARGUMENT")
	}

	if set != nil {
		if err := set(mode, value); err != nil {
			slog.Error("setting voice parameter failed", "error", err)
			return protocol.NewReply(300, "CANT SET GIVEN PARAMETER")
		}
	}
	return protocol.NewReply(200, "OK PARAMETER SET")
}

func (h *Harness) setAudioRetrieval(args []string) *protocol.Reply {
	if len(args) < 2 {
		return protocol.NewReply(300, "MISSING ARGUMENT")
	}
	host := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return protocol.NewReply(400, "ERR CANT SET AUDIO RETRIEVAL DESTINATION")
	}

	slog.Debug("setting audio retrieval destination", "host", host, "port", port)
	h.dest.Store(&AudioDestination{Host: host, Port: port})

	if h.table.SetAudioRetrievalDestination != nil {
		if err := h.table.SetAudioRetrievalDestination(host, port); err != nil {
			slog.Error("setting audio retrieval destination failed", "error", err)
			return protocol.NewReply(400, "ERR CANT SET AUDIO RETRIEVAL DESTINATION")
		}
	}
	return protocol.NewReply(200, "OK AUDIO RETRIEVAL SET")
}
