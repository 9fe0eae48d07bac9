package browser

import (
	"bytes"
	"strings"
	"sync"
)

// outputBuffer is an io.Writer that keeps the most recent lines written to
// it. When full, new lines overwrite the oldest.
type outputBuffer struct {
	mu      sync.Mutex
	lines   []string
	head    int // next write position
	count   int
	partial []byte
}

func newOutputBuffer(capacity int) *outputBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &outputBuffer{lines: make([]string, capacity)}
}

// Write implements io.Writer.
func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := p
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := append(b.partial, data[:i]...)
		b.push(strings.TrimRight(string(line), "\r"))
		b.partial = b.partial[:0]
		data = data[i+1:]
	}
	b.partial = append(b.partial, data...)
	return len(p), nil
}

func (b *outputBuffer) push(line string) {
	b.lines[b.head] = line
	b.head = (b.head + 1) % len(b.lines)
	if b.count < len(b.lines) {
		b.count++
	}
}

// Lines returns the retained lines, oldest first, including an unterminated
// trailing line.
func (b *outputBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]string, 0, b.count+1)
	start := 0
	if b.count == len(b.lines) {
		start = b.head // head points to oldest when full
	}
	for i := 0; i < b.count; i++ {
		result = append(result, b.lines[(start+i)%len(b.lines)])
	}
	if len(b.partial) > 0 {
		result = append(result, string(b.partial))
	}
	return result
}

// String returns the retained output joined by newlines.
func (b *outputBuffer) String() string {
	return strings.Join(b.Lines(), "\n")
}
