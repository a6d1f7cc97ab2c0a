package harness

import (
	"fmt"

	"github.com/nadzzz/ttsbridge/internal/backend"
	"github.com/nadzzz/ttsbridge/internal/protocol"
)

// Event writes one progress event to the controller as an asynchronous
// 701/702 reply record. It takes the output mutex, so events never split
// a command reply and never split each other. Backends may call it from
// any goroutine; it satisfies backend.Emitter.
//
// An index-mark event without a name and an unknown event type are
// programming errors and panic.
func (h *Harness) Event(ev backend.Event) {
	var code int
	var text, arg string

	switch ev.Type {
	case backend.EventMessageBegin:
		code, text = 701, "MESSAGE EVENT"
		arg = fmt.Sprintf("message_start %d %d %d", ev.ID, ev.TextPos, ev.AudioPos)
	case backend.EventMessageEnd:
		code, text = 701, "MESSAGE EVENT"
		arg = fmt.Sprintf("message_end %d %d %d", ev.ID, ev.TextPos, ev.AudioPos)
	case backend.EventSentenceBegin:
		code, text = 701, "SENTENCE OR WORD EVENT"
		arg = fmt.Sprintf("sentence_start %d %d %d %d", ev.ID, ev.N, ev.TextPos, ev.AudioPos)
	case backend.EventSentenceEnd:
		code, text = 702, "SENTENCE OR WORD EVENT"
		arg = fmt.Sprintf("sentence_end %d %d %d %d", ev.ID, ev.N, ev.TextPos, ev.AudioPos)
	case backend.EventWordBegin:
		code, text = 702, "SENTENCE OR WORD EVENT"
		arg = fmt.Sprintf("word_start %d %d %d %d", ev.ID, ev.N, ev.TextPos, ev.AudioPos)
	case backend.EventWordEnd:
		code, text = 702, "SENTENCE OR WORD EVENT"
		arg = fmt.Sprintf("word_end %d %d %d %d", ev.ID, ev.N, ev.TextPos, ev.AudioPos)
	case backend.EventIndexMark:
		if ev.Name == "" {
			panic("harness: index mark event without a name")
		}
		code, text = 702, "INDEX MARK EVENT"
		arg = fmt.Sprintf("index_mark %d \"%s\" %d %d", ev.ID, ev.Name, ev.TextPos, ev.AudioPos)
	case backend.EventNone:
		return
	default:
		panic(fmt.Sprintf("harness: unknown event type %d", int(ev.Type)))
	}

	h.outMu.Lock()
	defer h.outMu.Unlock()
	// A write failure here has no channel left to report on; drop it and
	// let the command loop hit the broken pipe.
	_ = h.codec.WriteReply(protocol.NewReply(code, text, arg))
}
