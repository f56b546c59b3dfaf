package audio

// Chunker re-chunks a PCM sample stream into exact fixed-size frames. The
// channel side may deliver decoded packets of any duration; the radio side
// only accepts whole 160-sample frames, so leftovers are buffered until the
// next write completes them.
//
// Not safe for concurrent use; each pipeline direction owns its own Chunker.
type Chunker struct {
	frameSamples int
	buf          []int16
}

// NewChunker creates a Chunker emitting frames of frameSamples samples.
func NewChunker(frameSamples int) *Chunker {
	return &Chunker{frameSamples: frameSamples}
}

// Write appends samples to the internal buffer.
func (c *Chunker) Write(samples []int16) {
	c.buf = append(c.buf, samples...)
}

// Next returns the oldest complete frame, or false when fewer than one
// frame's worth of samples is buffered.
func (c *Chunker) Next() ([]int16, bool) {
	if len(c.buf) < c.frameSamples {
		return nil, false
	}
	frame := make([]int16, c.frameSamples)
	copy(frame, c.buf[:c.frameSamples])
	c.buf = c.buf[c.frameSamples:]
	return frame, true
}

// FlushPadded returns any buffered partial frame padded to full length with
// silence, or false when the buffer is empty. Used when a stream stops
// mid-frame so the tail is not lost.
func (c *Chunker) FlushPadded() ([]int16, bool) {
	if len(c.buf) == 0 {
		return nil, false
	}
	frame := make([]int16, c.frameSamples)
	copy(frame, c.buf)
	c.buf = c.buf[:0]
	return frame, true
}

// Buffered returns the number of samples currently buffered.
func (c *Chunker) Buffered() int { return len(c.buf) }

// Reset discards all buffered samples.
func (c *Chunker) Reset() { c.buf = c.buf[:0] }
