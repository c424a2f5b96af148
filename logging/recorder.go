package logging

import (
	"context"
	"sync"

	"github.com/getpup/clustercode"
)

// Entry is a log record captured by a Recorder.
type Entry struct {
	Level   string
	Msg     string
	KeyVals []interface{}
}

// Recorder is a Logger that keeps every record in memory, for tests.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Compile-time check that Recorder implements clustercode.Logger.
var _ clustercode.Logger = (*Recorder)(nil)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Debug(_ context.Context, msg string, keyvals ...interface{}) {
	r.record("debug", msg, keyvals)
}

func (r *Recorder) Info(_ context.Context, msg string, keyvals ...interface{}) {
	r.record("info", msg, keyvals)
}

func (r *Recorder) Warn(_ context.Context, msg string, keyvals ...interface{}) {
	r.record("warn", msg, keyvals)
}

func (r *Recorder) Error(_ context.Context, msg string, keyvals ...interface{}) {
	r.record("error", msg, keyvals)
}

// Entries returns a copy of the captured records.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Has reports whether a record with level and msg was captured.
func (r *Recorder) Has(level, msg string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && e.Msg == msg {
			return true
		}
	}
	return false
}

// Count returns the number of records captured at level.
func (r *Recorder) Count(level string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

func (r *Recorder) record(level, msg string, keyvals []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Msg: msg, KeyVals: keyvals})
}
