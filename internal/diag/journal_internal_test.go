package diag

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stalledFile blocks every write until release is closed.
type stalledFile struct {
	release chan struct{}

	mu  sync.Mutex
	buf bytes.Buffer
}

func (f *stalledFile) Write(p []byte) (int, error) {
	<-f.release

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *stalledFile) Close() error { return nil }

func TestJournalRecordDoesNotWaitForDisk(t *testing.T) {
	out := &stalledFile{release: make(chan struct{})}
	j := newJournal(out, 2)

	// At most one event is held by the stalled writer and two fill the queue.
	for i := 0; i < 10; i++ {
		j.Record("overheating")
	}
	assert.GreaterOrEqual(t, j.Dropped(), uint64(7))

	close(out.release)
	require.NoError(t, j.Close())

	dec := journalDecMode.NewDecoder(bytes.NewReader(out.buf.Bytes()))
	var written uint64
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			break
		}
		written++
	}
	assert.Equal(t, uint64(10)-j.Dropped(), written)
}
