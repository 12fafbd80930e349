package diag

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Event is one journal entry. CBOR encoding uses integer keys for compactness.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	// BootID identifies the process run that wrote the event.
	BootID  string `cbor:"2,keyasint"`
	Seq     uint64 `cbor:"3,keyasint"`
	Source  string `cbor:"4,keyasint,omitempty"`
	Message string `cbor:"5,keyasint"`
}

var (
	journalEncMode cbor.EncMode
	journalDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	journalEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create journal CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	journalDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create journal CBOR decoder mode: %v", err))
	}
}

const defaultJournalBuffer = 256

// Journal appends events to a CBOR file from a background goroutine. Record
// only enqueues; when the queue is full the event is dropped and counted,
// leaving a gap in Seq. It is safe for concurrent use.
type Journal struct {
	out     io.WriteCloser
	encoder *cbor.Encoder
	bootID  string
	now     func() time.Time
	events  chan Event
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewJournal opens (or creates) the journal at path for appending.
func NewJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return newJournal(f, defaultJournalBuffer), nil
}

func newJournal(out io.WriteCloser, buffer int) *Journal {
	j := &Journal{
		out:     out,
		encoder: journalEncMode.NewEncoder(out),
		bootID:  uuid.NewString(),
		now:     time.Now,
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
	}

	go j.run()

	return j
}

// BootID returns the identifier stamped on every event of this run.
func (j *Journal) BootID() string {
	return j.bootID
}

func (j *Journal) Record(msg string) {
	j.RecordFrom("", msg)
}

func (j *Journal) RecordFrom(source, msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return
	}

	j.seq++
	select {
	case j.events <- Event{
		Timestamp: j.now(),
		BootID:    j.bootID,
		Seq:       j.seq,
		Source:    source,
		Message:   msg,
	}:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

func (j *Journal) run() {
	defer close(j.done)

	for ev := range j.events {
		// A failed write loses the event; the caller has long moved on.
		_ = j.encoder.Encode(ev)
	}
}

// Close writes every queued event and closes the journal file. Later
// records are ignored.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.events)
	j.mu.Unlock()

	<-j.done

	return j.out.Close()
}

var _ SourceRecorder = (*Journal)(nil)

// ReadJournal decodes every event in the journal at path. When bootID is
// not empty only events of that run are returned.
func ReadJournal(path, bootID string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := journalDecMode.NewDecoder(f)

	var events []Event
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, fmt.Errorf("decode journal event %d: %w", len(events), err)
		}
		if bootID != "" && ev.BootID != bootID {
			continue
		}
		events = append(events, ev)
	}
}
