package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create trace CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create trace CBOR decoder mode: %v", err))
	}
}

// CBORFileTracer appends events to a file as a stream of CBOR items.
type CBORFileTracer struct {
	file    *os.File
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool
}

// NewCBORFileTracer opens path for appending, creating it with 0644.
func NewCBORFileTracer(path string) (*CBORFileTracer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return &CBORFileTracer{
		file:    f,
		encoder: encMode.NewEncoder(f),
	}, nil
}

func (t *CBORFileTracer) Record(event Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	// Tracing never fails a run.
	_ = t.encoder.Encode(event)
}

// Close is safe to call more than once.
func (t *CBORFileTracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.file.Close()
}

// Reader streams events back from a CBOR trace file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
}

func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, decoder: decMode.NewDecoder(f)}, nil
}

// Next returns io.EOF when the file is exhausted.
func (r *Reader) Next() (Event, error) {
	var event Event
	if err := r.decoder.Decode(&event); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		return Event{}, err
	}
	return event, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadAll loads every event in a trace file.
func ReadAll(path string) ([]Event, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var events []Event
	for {
		event, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
}

var _ Tracer = (*CBORFileTracer)(nil)
