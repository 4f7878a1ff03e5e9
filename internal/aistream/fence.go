package aistream

// FenceTracker reports whether the stream cursor is currently inside a
// fenced code block. Chunks can split a ``` marker anywhere, so it counts
// consecutive backticks across chunk boundaries instead of scanning for the
// full marker in one piece.
type FenceTracker struct {
	run    int // consecutive backticks seen so far
	inside bool
}

// Feed consumes one chunk and returns whether the cursor ends up inside a
// fence.
func (f *FenceTracker) Feed(chunk string) bool {
	for _, r := range chunk {
		if r == '`' {
			f.run++
			if f.run == 3 {
				f.inside = !f.inside
				f.run = 0
			}
			continue
		}
		f.run = 0
	}
	return f.inside
}

// Inside reports the current state without consuming input.
func (f *FenceTracker) Inside() bool { return f.inside }
