package session

// audioFrame is agent audio ready to go out for one turn.
type audioFrame struct {
	turnID int64
	data   []byte
}

// audioAggregator batches small engine audio deltas into frames of at least
// minBytes. It only ever holds audio of a single turn.
type audioAggregator struct {
	minBytes int
	turnID   int64
	buf      []byte
}

func newAudioAggregator(minBytes int) *audioAggregator {
	if minBytes <= 0 {
		minBytes = 4096
	}
	return &audioAggregator{minBytes: minBytes}
}

// Add buffers pcm for turnID. Audio still held for an earlier turn is
// returned first so per-turn order is kept.
func (a *audioAggregator) Add(turnID int64, pcm []byte) []audioFrame {
	var out []audioFrame
	if len(a.buf) > 0 && turnID != a.turnID {
		out = append(out, a.take())
	}
	a.turnID = turnID
	a.buf = append(a.buf, pcm...)
	if len(a.buf) >= a.minBytes {
		out = append(out, a.take())
	}
	return out
}

// Flush returns whatever is buffered, if anything.
func (a *audioAggregator) Flush() (audioFrame, bool) {
	if len(a.buf) == 0 {
		return audioFrame{}, false
	}
	return a.take(), true
}

// Reset drops buffered audio without emitting it.
func (a *audioAggregator) Reset() {
	a.buf = a.buf[:0]
}

func (a *audioAggregator) Pending() int {
	return len(a.buf)
}

func (a *audioAggregator) take() audioFrame {
	f := audioFrame{turnID: a.turnID, data: a.buf}
	a.buf = make([]byte, 0, a.minBytes)
	return f
}
