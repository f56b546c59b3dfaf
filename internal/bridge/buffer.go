package bridge

// frameQueue is a bounded FIFO of encoded audio frames. It holds radio
// audio captured between key-up and the stream id arriving. When full, the
// oldest frame is dropped so the freshest audio wins.
type frameQueue struct {
	frames [][]byte
	limit  int
}

func newFrameQueue(limit int) *frameQueue {
	if limit < 1 {
		limit = 1
	}
	return &frameQueue{limit: limit}
}

// push appends a frame, dropping the oldest if the queue is full. It
// reports whether a frame was dropped.
func (q *frameQueue) push(frame []byte) bool {
	dropped := false
	if len(q.frames) >= q.limit {
		copy(q.frames, q.frames[1:])
		q.frames = q.frames[:len(q.frames)-1]
		dropped = true
	}
	q.frames = append(q.frames, frame)
	return dropped
}

// drain returns the buffered frames in order and empties the queue.
func (q *frameQueue) drain() [][]byte {
	frames := q.frames
	q.frames = nil
	return frames
}

func (q *frameQueue) len() int { return len(q.frames) }
