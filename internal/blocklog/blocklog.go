// Package blocklog implements the append-only segmented file that holds the
// canonical block records. Every segment starts with a 4-byte magic number
// followed by records of the form [u32 BE length][payload].
package blocklog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Magic is written once at the start of every segment ("KLNB").
const Magic uint32 = 0x4B4C4E42

const (
	magicLen  = 4
	headerLen = 4

	// maxOpenFiles bounds the read-only segment handles kept open. The
	// active segment is not counted.
	maxOpenFiles = 25

	// DefaultMaxSegmentSize is used when Open is given zero.
	DefaultMaxSegmentSize uint32 = 512 * 1024 * 1024
)

// Errors.
var (
	ErrBadMagic    = fmt.Errorf("%w: bad segment magic", storage.ErrCorrupt)
	ErrBadLocation = fmt.Errorf("%w: location outside log", storage.ErrCorrupt)
	ErrClosed      = errors.New("block log closed")
)

// Location identifies one record. The segment travels with the offset so a
// reader never has to infer it.
type Location struct {
	Segment uint32 `json:"segment"`
	Offset  uint32 `json:"offset"`
	Size    uint32 `json:"size"`
}

func (l Location) String() string {
	return fmt.Sprintf("%d:%d+%d", l.Segment, l.Offset, l.Size)
}

// Options configures a log.
type Options struct {
	MaxSegmentSize uint32
	// Sync fsyncs the active segment after every append.
	Sync bool
}

// Log is a segmented append-only record file.
type Log struct {
	mu      sync.Mutex
	dir     string
	name    string
	opts    Options
	cur     *os.File
	curNum  uint32
	curOff  uint32
	readers *lru.Cache[uint32, *os.File]
	closed  bool
}

// Open opens or creates the log named name inside dir. The last segment is
// scanned and a trailing partial record, left by an unflushed write, is
// truncated.
func Open(dir, name string, opts Options) (*Log, error) {
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.MaxSegmentSize <= magicLen+headerLen {
		return nil, fmt.Errorf("segment size %d too small", opts.MaxSegmentSize)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, &storage.Error{Op: "blocklog mkdir", Err: err}
	}

	readers, err := lru.NewWithEvict[uint32, *os.File](maxOpenFiles, func(_ uint32, f *os.File) {
		_ = f.Close()
	})
	if err != nil {
		return nil, err
	}
	l := &Log{dir: dir, name: name, opts: opts, readers: readers}

	num, err := l.lastSegment()
	if err != nil {
		return nil, err
	}
	if err := l.openActive(num); err != nil {
		return nil, err
	}
	return l, nil
}

// segmentPath returns the file path for a segment number.
func (l *Log) segmentPath(num uint32) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s-%09d.blk", l.name, num))
}

// lastSegment finds the highest existing segment number, or 0 if none.
func (l *Log) lastSegment() (uint32, error) {
	var num uint32
	for {
		_, err := os.Stat(l.segmentPath(num))
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return 0, &storage.Error{Op: "blocklog stat", Err: err}
		}
		num++
	}
	if num > 0 {
		num--
	}
	return num, nil
}

// openActive opens segment num for appending, creating it if needed and
// recovering its write cursor.
func (l *Log) openActive(num uint32) error {
	path := l.segmentPath(num)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return &storage.Error{Op: "blocklog open", Err: err}
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return &storage.Error{Op: "blocklog stat", Err: err}
	}

	if st.Size() == 0 {
		var m [magicLen]byte
		binary.BigEndian.PutUint32(m[:], Magic)
		if _, err := f.WriteAt(m[:], 0); err != nil {
			f.Close()
			return &storage.Error{Op: "blocklog write magic", Err: err}
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return &storage.Error{Op: "blocklog sync", Err: err}
		}
		l.cur, l.curNum, l.curOff = f, num, magicLen
		return nil
	}

	if err := checkMagic(f, path); err != nil {
		f.Close()
		return err
	}
	end, err := scanEnd(f, st.Size())
	if err != nil {
		f.Close()
		return err
	}
	if int64(end) < st.Size() {
		log.Storage.Warn().
			Str("segment", path).
			Int64("size", st.Size()).
			Uint32("valid_end", end).
			Msg("Truncating partial trailing record")
		if err := f.Truncate(int64(end)); err != nil {
			f.Close()
			return &storage.Error{Op: "blocklog truncate", Err: err}
		}
	}
	l.cur, l.curNum, l.curOff = f, num, end
	return nil
}

func checkMagic(f *os.File, path string) error {
	var m [magicLen]byte
	if _, err := f.ReadAt(m[:], 0); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: %w: file shorter than magic", path, ErrBadMagic)
		}
		return &storage.Error{Op: "blocklog read magic", Err: err}
	}
	if got := binary.BigEndian.Uint32(m[:]); got != Magic {
		return fmt.Errorf("%s: %w: got 0x%08x", path, ErrBadMagic, got)
	}
	return nil
}

// scanEnd walks the records of a segment and returns the offset just past
// the last complete one.
func scanEnd(f *os.File, size int64) (uint32, error) {
	off := int64(magicLen)
	var hdr [headerLen]byte
	for off+headerLen <= size {
		if _, err := f.ReadAt(hdr[:], off); err != nil {
			return 0, &storage.Error{Op: "blocklog scan", Err: err}
		}
		n := int64(binary.BigEndian.Uint32(hdr[:]))
		if n == 0 || off+headerLen+n > size {
			break
		}
		off += headerLen + n
	}
	return uint32(off), nil
}

// Append writes payload as a new record and returns its location.
func (l *Log) Append(payload []byte) (Location, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Location{}, ErrClosed
	}
	if len(payload) == 0 {
		return Location{}, fmt.Errorf("empty record")
	}
	recLen := uint64(headerLen + len(payload))
	if recLen > uint64(l.opts.MaxSegmentSize-magicLen) {
		return Location{}, fmt.Errorf("record of %d bytes exceeds segment size %d", len(payload), l.opts.MaxSegmentSize)
	}

	if uint64(l.curOff)+recLen > uint64(l.opts.MaxSegmentSize) {
		if err := l.rollover(); err != nil {
			return Location{}, err
		}
	}

	buf := make([]byte, headerLen, recLen)
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	if _, err := l.cur.WriteAt(buf, int64(l.curOff)); err != nil {
		return Location{}, &storage.Error{Op: "blocklog append", Err: fmt.Errorf("segment %d offset %d: %w", l.curNum, l.curOff, err)}
	}
	if l.opts.Sync {
		if err := l.cur.Sync(); err != nil {
			return Location{}, &storage.Error{Op: "blocklog sync", Err: err}
		}
	}

	loc := Location{Segment: l.curNum, Offset: l.curOff, Size: uint32(len(payload))}
	l.curOff += uint32(recLen)
	return loc, nil
}

// rollover closes the active segment and starts the next one.
func (l *Log) rollover() error {
	if err := l.cur.Sync(); err != nil {
		return &storage.Error{Op: "blocklog sync", Err: err}
	}
	if err := l.cur.Close(); err != nil {
		return &storage.Error{Op: "blocklog close", Err: err}
	}
	next := l.curNum + 1
	log.Storage.Debug().Str("log", l.name).Uint32("segment", next).Msg("Block log rollover")
	return l.openActive(next)
}

// ReadAt returns the payload of the record at loc.
func (l *Log) ReadAt(loc Location) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if loc.Segment > l.curNum || (loc.Segment == l.curNum && uint64(loc.Offset)+headerLen+uint64(loc.Size) > uint64(l.curOff)) {
		return nil, fmt.Errorf("%w: %s beyond write cursor %d:%d", ErrBadLocation, loc, l.curNum, l.curOff)
	}
	if loc.Offset < magicLen {
		return nil, fmt.Errorf("%w: %s inside segment header", ErrBadLocation, loc)
	}

	f, err := l.segment(loc.Segment)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerLen+int(loc.Size))
	if _, err := f.ReadAt(buf, int64(loc.Offset)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s: short read", ErrBadLocation, loc)
		}
		return nil, &storage.Error{Op: "blocklog read", Err: fmt.Errorf("%s: %w", loc, err)}
	}
	if n := binary.BigEndian.Uint32(buf); n != loc.Size {
		return nil, fmt.Errorf("%w: %s: record length %d", storage.ErrCorrupt, loc, n)
	}
	return buf[headerLen:], nil
}

// segment returns a readable handle for segment num. Caller holds l.mu.
func (l *Log) segment(num uint32) (*os.File, error) {
	if num == l.curNum {
		return l.cur, nil
	}
	if f, ok := l.readers.Get(num); ok {
		return f, nil
	}
	path := l.segmentPath(num)
	f, err := os.Open(path)
	if err != nil {
		return nil, &storage.Error{Op: "blocklog open", Err: err}
	}
	if err := checkMagic(f, path); err != nil {
		f.Close()
		return nil, err
	}
	l.readers.Add(num, f)
	return f, nil
}

// Scan calls fn for every record in log order. A partial record in a
// sealed segment is reported as corruption.
func (l *Log) Scan(fn func(loc Location, payload []byte) error) error {
	l.mu.Lock()
	last, end := l.curNum, l.curOff
	l.mu.Unlock()

	for num := uint32(0); num <= last; num++ {
		size := int64(end)
		if num != last {
			st, err := os.Stat(l.segmentPath(num))
			if err != nil {
				return &storage.Error{Op: "blocklog stat", Err: err}
			}
			size = st.Size()
		}

		off := int64(magicLen)
		for off < size {
			if off+headerLen > size {
				return fmt.Errorf("%w: segment %d: partial header at %d", storage.ErrCorrupt, num, off)
			}
			n, err := l.recordLen(num, off)
			if err != nil {
				return err
			}
			if n == 0 || off+headerLen+int64(n) > size {
				return fmt.Errorf("%w: segment %d: bad record at %d", storage.ErrCorrupt, num, off)
			}
			loc := Location{Segment: num, Offset: uint32(off), Size: n}
			payload, err := l.ReadAt(loc)
			if err != nil {
				return err
			}
			if err := fn(loc, payload); err != nil {
				return err
			}
			off += headerLen + int64(n)
		}
	}
	return nil
}

// recordLen reads the length header of the record at off in segment num.
func (l *Log) recordLen(num uint32, off int64) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	f, err := l.segment(num)
	if err != nil {
		return 0, err
	}
	var hdr [headerLen]byte
	if _, err := f.ReadAt(hdr[:], off); err != nil {
		return 0, &storage.Error{Op: "blocklog scan", Err: err}
	}
	return binary.BigEndian.Uint32(hdr[:]), nil
}

// Cursor returns the position the next record would be written at.
func (l *Log) Cursor() Location {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Location{Segment: l.curNum, Offset: l.curOff}
}

// Sync flushes the active segment.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.cur.Sync(); err != nil {
		return &storage.Error{Op: "blocklog sync", Err: err}
	}
	return nil
}

// Close closes all segment handles.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.readers.Purge()
	if err := l.cur.Close(); err != nil {
		return &storage.Error{Op: "blocklog close", Err: err}
	}
	return nil
}
