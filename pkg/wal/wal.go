package wal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"lsmkv/internal/fsutil"
	"lsmkv/pkg/types"
)

const (
	filePrefix = "wal-"
	fileSuffix = ".log"
)

var ErrClosed = errors.New("WAL is closed")

type Options struct {
	// Sync fsyncs the file after every append. Without it a crash may lose
	// acknowledged writes.
	Sync bool
}

// Writer appends records to a single numbered log file.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	buf    []byte

	dir    string
	path   string
	number uint64
	size   int64
	sync   bool
}

func FileName(number uint64) string {
	return fmt.Sprintf("%s%06d%s", filePrefix, number, fileSuffix)
}

// ParseFileName extracts the log number from a WAL file name.
func ParseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Create opens a new log file. The file must not exist yet.
func Create(dir string, number uint64, opts Options) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	path := filepath.Join(dir, FileName(number))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAL file: %w", err)
	}

	if err := fsutil.SyncDir(dir); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, err
	}

	return &Writer{
		file:   file,
		writer: bufio.NewWriter(file),
		dir:    dir,
		path:   path,
		number: number,
		sync:   opts.Sync,
	}, nil
}

// Append writes rec and, in sync mode, makes it durable before returning.
func (w *Writer) Append(rec types.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}

	frame, err := appendFrame(w.buf[:0], rec)
	if err != nil {
		return fmt.Errorf("failed to encode WAL entry: %w", err)
	}
	w.buf = frame

	if _, err := w.writer.Write(frame); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	w.size += int64(len(frame))
	return nil
}

// Sync forces buffered entries to stable storage regardless of the sync mode.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	var errs []error
	if err := w.writer.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush WAL on close: %w", err))
	}
	if err := w.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("failed to sync WAL on close: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close WAL file: %w", err))
	}
	w.file = nil
	w.writer = nil

	return errors.Join(errs...)
}

// Remove closes the writer and deletes its file.
func (w *Writer) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	return Remove(w.dir, w.number)
}

func (w *Writer) Number() uint64 { return w.number }

func (w *Writer) Path() string { return w.path }

func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Remove deletes the log file with the given number.
func Remove(dir string, number uint64) error {
	if err := fsutil.RemoveIfExists(filepath.Join(dir, FileName(number))); err != nil {
		return fmt.Errorf("failed to remove WAL %d: %w", number, err)
	}
	return nil
}

// List returns the numbers of all log files in dir, ascending.
func List(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list WAL dir: %w", err)
	}

	var numbers []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := ParseFileName(e.Name()); ok {
			numbers = append(numbers, n)
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	return numbers, nil
}
