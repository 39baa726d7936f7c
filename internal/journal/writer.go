// Package journal provides the append-only JSONL logs: a rotating writer
// partitioned by UTC day and a reader tolerant of a truncated tail.
package journal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/predictops/bookwatch/errs"
)

const dateLayout = "2006-01-02"

// Options tune writer durability. Zero values fall back to the defaults
// (1s fsync interval, 256 records).
type Options struct {
	FsyncInterval time.Duration
	FsyncEvery    int
	Clock         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FsyncInterval <= 0 {
		o.FsyncInterval = time.Second
	}
	if o.FsyncEvery <= 0 {
		o.FsyncEvery = 256
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Writer appends one JSON record per line under
// <root>/<venue>/<stream>/date=YYYY-MM-DD/<prefix>.part-NNNN.jsonl.
//
// The UTC day of each record's own timestamp selects the partition; crossing
// midnight closes the current part and opens part files in the new day's
// directory. Part numbers continue across restarts within a day. Writes are
// buffered; fsync runs on the configured interval or record count, never per
// record.
type Writer struct {
	root   string
	venue  string
	stream string
	prefix string
	opts   Options

	day       string
	file      *os.File
	buf       *bufio.Writer
	lastFsync time.Time
	unsynced  int
}

// NewWriter constructs a writer for one (venue, stream) pair. The first part
// file opens lazily on the first record.
func NewWriter(root, venue, stream, prefix string, opts Options) *Writer {
	return &Writer{
		root:   root,
		venue:  venue,
		stream: stream,
		prefix: prefix,
		opts:   opts.withDefaults(),
	}
}

// Write appends record as one line. tsMS (epoch milliseconds, wall clock)
// selects the UTC-day partition.
func (w *Writer) Write(record any, tsMS int64) error {
	day := time.UnixMilli(tsMS).UTC().Format(dateLayout)
	if w.file == nil || day != w.day {
		if err := w.rollover(day); err != nil {
			return err
		}
	}

	line, err := json.Marshal(record)
	if err != nil {
		return errs.New(w.venue, errs.CodeWrite, errs.WithMessage("encode "+w.stream+" record"), errs.WithCause(err))
	}
	if _, err := w.buf.Write(line); err != nil {
		return w.writeErr(err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return w.writeErr(err)
	}
	w.unsynced++

	now := w.opts.Clock()
	if w.unsynced >= w.opts.FsyncEvery || now.Sub(w.lastFsync) >= w.opts.FsyncInterval {
		if err := w.sync(now); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes the buffer and fsyncs the current part file.
func (w *Writer) Sync() error {
	if w.file == nil {
		return nil
	}
	return w.sync(w.opts.Clock())
}

// Close flushes, fsyncs and closes the current part file. Safe to call more
// than once.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	syncErr := w.sync(w.opts.Clock())
	closeErr := w.file.Close()
	w.file = nil
	w.buf = nil
	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return errs.New(w.venue, errs.CodeWrite, errs.WithMessage("close "+w.stream+" part"), errs.WithCause(closeErr))
	}
	return nil
}

func (w *Writer) sync(now time.Time) error {
	if err := w.buf.Flush(); err != nil {
		return w.writeErr(err)
	}
	if err := w.file.Sync(); err != nil {
		return w.writeErr(err)
	}
	w.lastFsync = now
	w.unsynced = 0
	return nil
}

func (w *Writer) rollover(day string) error {
	if w.file != nil {
		if err := w.Close(); err != nil {
			return err
		}
	}

	dir := filepath.Join(w.root, w.venue, w.stream, "date="+day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(w.venue, errs.CodeWrite, errs.WithMessage("create "+w.stream+" dir"), errs.WithCause(err))
	}

	part, err := nextPart(dir, w.prefix)
	if err != nil {
		return errs.New(w.venue, errs.CodeWrite, errs.WithMessage("scan "+w.stream+" parts"), errs.WithCause(err))
	}

	path := filepath.Join(dir, fmt.Sprintf("%s.part-%04d.jsonl", w.prefix, part))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.New(w.venue, errs.CodeWrite, errs.WithMessage("open "+w.stream+" part"), errs.WithCause(err))
	}

	w.day = day
	w.file = file
	w.buf = bufio.NewWriter(file)
	w.lastFsync = w.opts.Clock()
	w.unsynced = 0
	return nil
}

func (w *Writer) writeErr(err error) error {
	return errs.New(w.venue, errs.CodeWrite, errs.WithMessage("append "+w.stream+" record"), errs.WithCause(err))
}

// nextPart returns max(existing part numbers)+1 within dir, or 0 when the
// directory holds no part files for the prefix.
func nextPart(dir, prefix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, entry := range entries {
		name := entry.Name()
		rest, ok := strings.CutPrefix(name, prefix+".part-")
		if !ok {
			continue
		}
		numStr, ok := strings.CutSuffix(rest, ".jsonl")
		if !ok {
			continue
		}
		num, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		if num+1 > next {
			next = num + 1
		}
	}
	return next, nil
}
