package harness

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/ttsbridge/internal/backend"
)

// runScript feeds input through a full harness loop and returns everything
// written to the reply stream. The loop ends when input is exhausted.
func runScript(t *testing.T, table backend.Table, input string) string {
	t.Helper()
	var out bytes.Buffer
	h := New(strings.NewReader(input), &out)
	h.Install(table)
	require.NoError(t, h.Run())
	return out.String()
}

func TestInit_NoBackendOp(t *testing.T) {
	got := runScript(t, backend.Table{}, "INIT\r\n")
	assert.Equal(t, "200 OK INITALIZED\r\n", got)
}

func TestInit_BackendFailure(t *testing.T) {
	table := backend.Table{
		Init: func() (string, error) {
			return "engine exploded", fmt.Errorf("no engine")
		},
	}
	got := runScript(t, table, "INIT\r\n")
	assert.Equal(t, "304 DRIVER NOT LOADED\r\n", got)
}

func TestSayText_Synchronous(t *testing.T) {
	var gotFormat backend.MessageFormat
	var gotText string
	table := backend.Table{
		SayText: func(format backend.MessageFormat, text string) error {
			gotFormat, gotText = format, text
			return nil
		},
	}

	got := runScript(t, table, "SAY TEXT plain\r\nhello\r\nworld\r\n.\r\n")

	assert.Equal(t, "299 OK RECEIVING DATA\r\n204-1\r\n204 OK MESSAGE RECEIVED\r\n", got)
	assert.Equal(t, backend.Plain, gotFormat)
	assert.Equal(t, "hello\r\nworld\r\n", gotText)
}

func TestSayText_SSML(t *testing.T) {
	var gotFormat backend.MessageFormat
	table := backend.Table{
		SayText: func(format backend.MessageFormat, text string) error {
			gotFormat = format
			return nil
		},
	}
	runScript(t, table, "SAY TEXT ssml\r\n<speak>hi</speak>\r\n.\r\n")
	assert.Equal(t, backend.SSML, gotFormat)
}

func TestSayText_InvalidFormatSkipsDataSection(t *testing.T) {
	table := backend.Table{
		SayText: func(backend.MessageFormat, string) error {
			t.Fatal("backend must not be called")
			return nil
		},
	}
	got := runScript(t, table, "SAY TEXT ogg\r\n")
	assert.Equal(t, "400 INVALID PARAMETER\r\n", got)
}

func TestSayText_MissingFormat(t *testing.T) {
	got := runScript(t, backend.Table{}, "SAY TEXT\r\n")
	assert.Equal(t, "300 MISSING ARGUMENT\r\n", got)
}

func TestSayText_NotImplemented(t *testing.T) {
	got := runScript(t, backend.Table{}, "SAY TEXT plain\r\nhi\r\n.\r\n")
	assert.Equal(t, "299 OK RECEIVING DATA\r\n300 NOT IMPLEMENTED IN DRIVER\r\n", got)
}

func TestSayText_DriverError(t *testing.T) {
	table := backend.Table{
		SayText: func(backend.MessageFormat, string) error { return fmt.Errorf("boom") },
	}
	got := runScript(t, table, "SAY TEXT plain\r\nhi\r\n.\r\n")
	assert.Equal(t, "299 OK RECEIVING DATA\r\n300 UNKNOWN ERROR IN DRIVER CODE\r\n", got)
}

func TestSayText_AsynchronousHandoff(t *testing.T) {
	calls := make(chan string, 1)
	table := backend.Table{
		SayTextAsync: func(format backend.MessageFormat, text string) error {
			calls <- text
			return nil
		},
	}

	got := runScript(t, table, "SAY TEXT plain\r\ndeferred\r\n.\r\n")
	assert.Equal(t, "299 OK RECEIVING DATA\r\n204-1\r\n204 OK MESSAGE RECEIVED\r\n", got)

	select {
	case text := <-calls:
		assert.Equal(t, "deferred\r\n", text)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never called the backend")
	}
}

func TestSayKey_PrefersSynchronous(t *testing.T) {
	var gotKey string
	table := backend.Table{
		SayKey:      func(key string) error { gotKey = key; return nil },
		SayKeyAsync: func(string) error { t.Error("async form must not be used"); return nil },
	}
	got := runScript(t, table, "SAY KEY shift_a\r\n")
	assert.Equal(t, "204 OK MESSAGE RECEIVED\r\n", got)
	assert.Equal(t, "shift_a", gotKey)
}

func TestSayChar_AsyncFallback(t *testing.T) {
	calls := make(chan string, 1)
	table := backend.Table{
		SayCharAsync: func(ch string) error { calls <- ch; return nil },
	}
	got := runScript(t, table, "SAY CHAR x\r\n")
	assert.Equal(t, "204 OK MESSAGE RECEIVED\r\n", got)

	select {
	case ch := <-calls:
		assert.Equal(t, "x", ch)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never called the backend")
	}
}

func TestSayIcon_Errors(t *testing.T) {
	table := backend.Table{
		SayIcon: func(string) error { return fmt.Errorf("no such icon") },
	}
	assert.Equal(t, "300 UNKNOWN ERROR IN DRIVER CODE\r\n",
		runScript(t, table, "SAY ICON beep\r\n"))
	assert.Equal(t, "300 MISSING ARGUMENT\r\n",
		runScript(t, table, "SAY ICON\r\n"))
	assert.Equal(t, "300 NOT IMPLEMENTED IN DRIVER\r\n",
		runScript(t, backend.Table{}, "SAY ICON beep\r\n"))
}

func TestListDrivers(t *testing.T) {
	table := backend.Table{
		ListDrivers: func() (*backend.DriverDescription, error) {
			return &backend.DriverDescription{
				DriverID:           "espeak",
				DriverVersion:      "0.0",
				SynthesizerName:    "eSpeak Synthesizer",
				SynthesizerVersion: "unknown",
			}, nil
		},
	}
	got := runScript(t, table, "LIST DRIVERS\r\n")
	assert.Equal(t, "200-espeak 0.0 \"eSpeak Synthesizer\" unknown\r\n200 OK DRIVER LIST SENT\r\n", got)
}

func TestListVoices(t *testing.T) {
	table := backend.Table{
		ListVoices: func() ([]backend.VoiceDescription, error) {
			return []backend.VoiceDescription{
				{Name: "alice", Language: "en", Dialect: "us", Gender: backend.GenderMale, Age: 30},
				{Name: "bob", Language: "cs", Dialect: "none", Gender: backend.GenderNone, Age: 0},
			}, nil
		},
	}
	got := runScript(t, table, "LIST VOICES\r\n")
	// Reply text matches LIST DRIVERS; non-male genders render FEMALE.
	assert.Equal(t,
		"200-\"alice\" en \"us\" MALE 30\r\n"+
			"200-\"bob\" cs \"none\" FEMALE 0\r\n"+
			"200 OK DRIVER LIST SENT\r\n", got)
}

func TestListVoices_BackendError(t *testing.T) {
	table := backend.Table{
		ListVoices: func() ([]backend.VoiceDescription, error) { return nil, fmt.Errorf("down") },
	}
	assert.Equal(t, "300 UNKNOWN ERROR\r\n", runScript(t, table, "LIST VOICES\r\n"))
}

func TestDriverCapabilities_EndToEnd(t *testing.T) {
	got := runScript(t, backend.Table{}, "DRIVER CAPABILITIES\r\n")

	assert.True(t, strings.HasPrefix(got, "200-can_list_voices false\r\n"), "got %q", got)
	assert.Contains(t, got, "200-rate_settings  none\r\n")
	assert.Contains(t, got, "200-performance_level none\r\n")
	assert.True(t, strings.HasSuffix(got, "200 OK DRIVER CAPABILITIES SENT\r\n"), "got %q", got)
}

func TestSetVoiceParameter(t *testing.T) {
	var gotMode backend.Mode
	var gotValue int
	table := backend.Table{
		SetRate: func(mode backend.Mode, value int) error {
			gotMode, gotValue = mode, value
			return nil
		},
	}

	got := runScript(t, table, "SET foo RATE absolute 42\r\n")
	assert.Equal(t, "200 OK PARAMETER SET\r\n", got)
	assert.Equal(t, backend.Absolute, gotMode)
	assert.Equal(t, 42, gotValue)

	assert.Equal(t, "300 INVALID ARGUMENT\r\n",
		runScript(t, table, "SET foo RATE wobbly 42\r\n"))
	assert.Equal(t, "300 INVALID ARGUMENT\r\n",
		runScript(t, table, "SET foo RATE relative notanumber\r\n"))
	assert.Equal(t, "300 MISSING ARGUMENT\r\n",
		runScript(t, table, "SET foo RATE absolute\r\n"))
}

func TestSetVoiceParameter_AllParams(t *testing.T) {
	var calls []string
	record := func(name string) func(backend.Mode, int) error {
		return func(backend.Mode, int) error {
			calls = append(calls, name)
			return nil
		}
	}
	table := backend.Table{
		SetRate:       record("rate"),
		SetPitch:      record("pitch"),
		SetPitchRange: record("pitch_range"),
		SetVolume:     record("volume"),
	}

	input := "SET self RATE relative -10\r\n" +
		"SET self PITCH absolute 5\r\n" +
		"SET self PITCH_RANGE absolute 50\r\n" +
		"SET self VOLUME relative 100\r\n"
	got := runScript(t, table, input)

	assert.Equal(t, strings.Repeat("200 OK PARAMETER SET\r\n", 4), got)
	assert.Equal(t, []string{"rate", "pitch", "pitch_range", "volume"}, calls)
}

func TestSetVoiceParameter_MissingBackendOpStillSucceeds(t *testing.T) {
	assert.Equal(t, "200 OK PARAMETER SET\r\n",
		runScript(t, backend.Table{}, "SET self VOLUME absolute 80\r\n"))
}

func TestSetVoiceParameter_DriverError(t *testing.T) {
	table := backend.Table{
		SetPitch: func(backend.Mode, int) error { return fmt.Errorf("out of range") },
	}
	assert.Equal(t, "300 CANT SET GIVEN PARAMETER\r\n",
		runScript(t, table, "SET self PITCH absolute 9999\r\n"))
}

func TestSetAudioRetrieval(t *testing.T) {
	var gotHost string
	var gotPort int
	table := backend.Table{
		SetAudioRetrievalDestination: func(host string, port int) error {
			gotHost, gotPort = host, port
			return nil
		},
	}

	var out bytes.Buffer
	h := New(strings.NewReader("SET AUDIO RETRIEVAL 127.0.0.1 6576\r\n"), &out)
	h.Install(table)
	require.NoError(t, h.Run())

	assert.Equal(t, "200 OK AUDIO RETRIEVAL SET\r\n", out.String())
	assert.Equal(t, "127.0.0.1", gotHost)
	assert.Equal(t, 6576, gotPort)

	dest := h.AudioDestination()
	require.NotNil(t, dest)
	assert.Equal(t, AudioDestination{Host: "127.0.0.1", Port: 6576}, *dest)
}

func TestSetAudioRetrieval_Errors(t *testing.T) {
	assert.Equal(t, "400 ERR CANT SET AUDIO RETRIEVAL DESTINATION\r\n",
		runScript(t, backend.Table{}, "SET AUDIO RETRIEVAL host notaport\r\n"))
	assert.Equal(t, "300 MISSING ARGUMENT\r\n",
		runScript(t, backend.Table{}, "SET AUDIO RETRIEVAL onlyhost\r\n"))

	table := backend.Table{
		SetAudioRetrievalDestination: func(string, int) error { return fmt.Errorf("refused") },
	}
	assert.Equal(t, "400 ERR CANT SET AUDIO RETRIEVAL DESTINATION\r\n",
		runScript(t, table, "SET AUDIO RETRIEVAL 127.0.0.1 6576\r\n"))
}

func TestSetNoOpVerbs(t *testing.T) {
	assert.Equal(t, "200 OK ID SET\r\n",
		runScript(t, backend.Table{}, "SET MESSAGE ID 7\r\n"))
	assert.Equal(t, "200 OK AUDIO OUTPUT SET\r\n",
		runScript(t, backend.Table{}, "SET AUDIO OUTPUT playback\r\n"))
}

func TestCancel(t *testing.T) {
	assert.Equal(t, "200 OK CANCELED\r\n",
		runScript(t, backend.Table{}, "CANCEL\r\n"))

	table := backend.Table{Cancel: func() error { return fmt.Errorf("stuck") }}
	assert.Equal(t, "300 CANT CANCEL MESSAGE\r\n",
		runScript(t, table, "CANCEL\r\n"))
}

func TestInvalidCommands(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown verb", "BOGUS\r\n"},
		{"empty line", "\r\n"},
		{"unfinished two-atom verb", "LIST NOTHING\r\n"},
		{"defer unimplemented", "DEFER\r\n"},
		{"discard unimplemented", "DISCARD\r\n"},
		{"lowercase verb", "init\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, "400 INVALID COMMAND\r\n",
				runScript(t, backend.Table{}, tt.input))
		})
	}
}

func TestQuit(t *testing.T) {
	quit := false
	table := backend.Table{Quit: func() { quit = true }}

	// Commands after QUIT must never be processed.
	var out bytes.Buffer
	h := New(strings.NewReader("QUIT\r\nINIT\r\n"), &out)
	h.Install(table)
	require.NoError(t, h.Run())

	assert.Empty(t, out.String())
	assert.True(t, quit)
}

func TestExactlyOneTerminalReplyPerCommand(t *testing.T) {
	input := "INIT\r\nCANCEL\r\nBOGUS\r\nSET MESSAGE ID 1\r\nLIST DRIVERS\r\n"
	got := runScript(t, backend.Table{}, input)

	terminal := 0
	for _, line := range strings.Split(strings.TrimSuffix(got, "\r\n"), "\r\n") {
		// Terminal lines are "NNN text"; data lines are "NNN-...".
		if len(line) > 4 && line[3] == ' ' {
			terminal++
		}
	}
	assert.Equal(t, 5, terminal)
}

// Events fired while commands are in flight must never split a reply.
func TestReplyAtomicityUnderEvents(t *testing.T) {
	var out lockedBuffer
	input := strings.Repeat("DRIVER CAPABILITIES\r\n", 20)
	h := New(strings.NewReader(input), &out)
	h.Install(backend.Table{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			h.Event(backend.Event{Type: backend.EventWordBegin, ID: 1, N: i})
		}
	}()
	require.NoError(t, h.Run())
	<-done

	lines := strings.Split(strings.TrimSuffix(out.String(), "\r\n"), "\r\n")
	inCaps := false
	for _, line := range lines {
		switch {
		case line == "200 OK DRIVER CAPABILITIES SENT":
			assert.True(t, inCaps, "terminal line without preceding data lines")
			inCaps = false
		case strings.HasPrefix(line, "200-"):
			inCaps = true
		case strings.HasPrefix(line, "702-word_start "), line == "702 SENTENCE OR WORD EVENT":
			assert.False(t, inCaps, "event interleaved inside a capability reply: %q", line)
		default:
			t.Fatalf("unexpected line %q", line)
		}
	}
}

// lockedBuffer makes the raw buffer safe for the two writer goroutines;
// the harness itself still guarantees reply-granularity atomicity.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
