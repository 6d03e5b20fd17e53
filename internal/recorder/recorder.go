package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/dmall00/opendarts-autoscore/internal/logger"
	"github.com/dmall00/opendarts-autoscore/internal/metrics"
)

// Extension is the suffix of every frame log.
const Extension = ".jsonl.zst"

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Entry is one line of a frame log. Messages that are not valid JSON are
// kept verbatim in Invalid so replays see the same decode errors.
type Entry struct {
	At      time.Time       `json:"at"`
	Frame   json.RawMessage `json:"frame,omitempty"`
	Invalid string          `json:"invalid,omitempty"`
}

// Raw returns the message as it was received.
func (e Entry) Raw() []byte {
	if e.Frame != nil {
		return e.Frame
	}
	return []byte(e.Invalid)
}

// Recorder appends raw pipeline messages to a zstd-compressed JSON-lines file.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	counter      *countingWriter
	encoder      *zstd.Encoder
	filename     string
	basePath     string
	recording    bool
	frameCount   uint64
	droppedCount atomic.Uint64
	startTime    time.Time
	frameChan    chan Entry
	stopChan     chan struct{}
	wg           sync.WaitGroup
	metrics      *metrics.Metrics
	log          logger.Module
}

// NewRecorder creates a recorder writing under basePath. m may be nil.
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	return &Recorder{
		basePath: basePath,
		metrics:  m,
		log:      logger.For("Recorder"),
	}
}

// Start starts recording to a new file and returns its path. An empty
// filename picks a timestamped one.
func (r *Recorder) Start(filename string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	if filename == "" {
		timestamp := time.Now().Format("20060102_150405")
		filename = fmt.Sprintf("frames_%s_%s%s", timestamp, uuid.NewString()[:8], Extension)
	}
	filename = filepath.Base(filename)

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}
	path := filepath.Join(r.basePath, filename)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	counter := &countingWriter{w: file}
	encoder, err := zstd.NewWriter(counter)
	if err != nil {
		file.Close()
		return "", fmt.Errorf("create zstd encoder: %w", err)
	}

	r.file = file
	r.counter = counter
	r.encoder = encoder
	r.filename = path
	r.recording = true
	r.frameCount = 0
	r.droppedCount.Store(0)
	r.startTime = time.Now()
	r.frameChan = make(chan Entry, 256)
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.writeFrames(r.frameChan, r.stopChan)

	if r.metrics != nil {
		r.metrics.RecordingActive.Store(1)
	}
	r.log.Info("Recording frames to %s", path)
	return path, nil
}

// Stop stops recording and returns the final status.
func (r *Recorder) Stop() (Status, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return r.Status(), ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	// Wait for write goroutine to drain
	r.wg.Wait()

	r.mu.Lock()
	var errs []error
	if err := r.encoder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("flush zstd stream: %w", err))
	}
	if err := r.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("failed to sync file: %w", err))
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close file: %w", err))
	}
	r.file = nil
	r.encoder = nil
	if r.metrics != nil {
		r.metrics.RecordingActive.Store(0)
		r.metrics.RecordingBytes.Store(r.counter.n)
	}
	r.mu.Unlock()

	status := r.Status()
	r.log.Info("Stopped recording %s (%d frames, %d bytes)", status.Filename, status.FrameCount, status.BytesWritten)
	return status, errors.Join(errs...)
}

// Record queues one raw message (non-blocking). It implements pipeline.RawRecorder.
func (r *Recorder) Record(raw []byte, at time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return
	}

	entry := Entry{At: at}
	if json.Valid(raw) {
		entry.Frame = append(json.RawMessage(nil), raw...)
	} else {
		entry.Invalid = string(raw)
	}

	select {
	case r.frameChan <- entry:
	default:
		// Channel full, drop frame
		r.droppedCount.Add(1)
	}
}

func (r *Recorder) writeFrames(frames <-chan Entry, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case entry := <-frames:
			r.writeFrame(entry)
		case <-stop:
			// Drain remaining frames
			for {
				select {
				case entry := <-frames:
					r.writeFrame(entry)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeFrame(entry Entry) {
	line, err := json.Marshal(entry)
	if err != nil {
		r.log.Warn("Encode frame: %v", err)
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	if _, err := r.encoder.Write(line); err != nil {
		r.log.Warn("Write frame: %v", err)
		return
	}
	r.frameCount++
	if r.metrics != nil {
		r.metrics.RecordingFrames.Add(1)
		r.metrics.RecordingBytes.Store(r.counter.n)
	}
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}
	var written uint64
	if r.counter != nil {
		written = r.counter.n
	}

	return Status{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		DroppedCount: r.droppedCount.Load(),
		BytesWritten: written,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops any active recording.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// Status holds the current recording status
type Status struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	DroppedCount uint64    `json:"dropped_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}

// countingWriter counts compressed bytes on their way to the file.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}
