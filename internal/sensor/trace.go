package sensor

import (
	"os"
	"sync"

	"codeberg.org/mutker/radioguard/internal/errors"
	"gopkg.in/yaml.v3"
)

// TraceFile is the YAML layout of a recorded temperature trace:
//
//	loop: true
//	samples:
//	  - celsius: 70
//	    repeat: 5
//	  - celsius: 91
type TraceFile struct {
	Loop    bool          `yaml:"loop"`
	Samples []TraceSample `yaml:"samples"`
}

type TraceSample struct {
	Celsius float64 `yaml:"celsius"`
	Repeat  int     `yaml:"repeat"`
}

// Trace replays recorded temperatures, one per read. Without Loop it holds
// the final sample once the trace is exhausted.
type Trace struct {
	mu   sync.Mutex
	runs []TraceSample
	loop bool
	run  int
	read int
}

// LoadTrace parses a YAML trace file.
func LoadTrace(path string) (*Trace, error) {
	errFactory := errors.New()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errFactory.Wrap(ErrReadFailed, err)
	}

	var file TraceFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errFactory.Wrap(ErrParseFailed, err)
	}

	return NewTrace(file)
}

// NewTrace keeps each sample as a run of Repeat reads; a Repeat below one
// counts as one.
func NewTrace(file TraceFile) (*Trace, error) {
	if len(file.Samples) == 0 {
		return nil, errors.New().WithMessage(ErrParseFailed, "temperature trace has no samples")
	}

	runs := make([]TraceSample, len(file.Samples))
	for i, s := range file.Samples {
		if s.Repeat <= 0 {
			s.Repeat = 1
		}
		runs[i] = s
	}

	return &Trace{runs: runs, loop: file.Loop}, nil
}

func (t *Trace) Temperature() (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.runs[t.run]
	last := t.run+1 == len(t.runs)

	t.read++
	if t.read >= cur.Repeat {
		switch {
		case !last:
			t.run, t.read = t.run+1, 0
		case t.loop:
			t.run, t.read = 0, 0
		default:
			t.read = cur.Repeat
		}
	}

	return cur.Celsius, nil
}

// Len returns the number of reads in one pass over the trace.
func (t *Trace) Len() int {
	n := 0
	for _, r := range t.runs {
		n += r.Repeat
	}
	return n
}
