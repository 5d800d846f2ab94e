package blocklog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
)

func openTest(t *testing.T, dir string, max uint32) *Log {
	t.Helper()
	l, err := Open(dir, "blocks", Options{MaxSegmentSize: max})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return l
}

func TestAppendReadAt_RoundTrip(t *testing.T) {
	l := openTest(t, t.TempDir(), 0)
	defer l.Close()

	payloads := [][]byte{[]byte("first"), bytes.Repeat([]byte{0xab}, 1000), []byte("third")}
	var locs []Location
	for _, p := range payloads {
		loc, err := l.Append(p)
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		locs = append(locs, loc)
	}
	if locs[0].Offset != magicLen {
		t.Errorf("first record offset = %d, want %d", locs[0].Offset, magicLen)
	}
	for i, loc := range locs {
		got, err := l.ReadAt(loc)
		if err != nil {
			t.Fatalf("ReadAt(%s) error: %v", loc, err)
		}
		if !bytes.Equal(got, payloads[i]) {
			t.Errorf("record %d mismatch", i)
		}
	}
}

func TestOpen_WritesMagicOnce(t *testing.T) {
	dir := t.TempDir()
	l := openTest(t, dir, 0)
	l.Append([]byte("x"))
	l.Close()

	l = openTest(t, dir, 0)
	l.Close()

	data, err := os.ReadFile(l.segmentPath(0))
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if binary.BigEndian.Uint32(data) != Magic {
		t.Fatalf("segment does not start with magic")
	}
	if len(data) != magicLen+headerLen+1 {
		t.Errorf("segment size = %d, want %d", len(data), magicLen+headerLen+1)
	}
}

func TestOpen_BadMagic(t *testing.T) {
	dir := t.TempDir()
	l := openTest(t, dir, 0)
	path := l.segmentPath(0)
	l.Close()

	if err := os.WriteFile(path, []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}, 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Open(dir, "blocks", Options{})
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("Open() = %v, want ErrBadMagic", err)
	}
	if !errors.Is(err, storage.ErrCorrupt) {
		t.Error("ErrBadMagic should wrap storage.ErrCorrupt")
	}
}

func TestRollover_SegmentTravelsWithLocation(t *testing.T) {
	dir := t.TempDir()
	l := openTest(t, dir, 64)
	defer l.Close()

	var locs []Location
	for i := 0; i < 10; i++ {
		loc, err := l.Append([]byte(fmt.Sprintf("record-%02d-padding", i)))
		if err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
		locs = append(locs, loc)
	}
	if locs[len(locs)-1].Segment == 0 {
		t.Fatal("expected rollover to a later segment")
	}
	if _, err := os.Stat(l.segmentPath(1)); err != nil {
		t.Fatalf("segment 1 missing: %v", err)
	}
	for i, loc := range locs {
		got, err := l.ReadAt(loc)
		if err != nil {
			t.Fatalf("ReadAt(%s) error: %v", loc, err)
		}
		if string(got) != fmt.Sprintf("record-%02d-padding", i) {
			t.Errorf("record %d = %q", i, got)
		}
	}
}

func TestRecordTooLarge(t *testing.T) {
	l := openTest(t, t.TempDir(), 64)
	defer l.Close()
	if _, err := l.Append(make([]byte, 100)); err == nil {
		t.Error("expected error for record larger than a segment")
	}
}

func TestOpen_TruncatesPartialTail(t *testing.T) {
	dir := t.TempDir()
	l := openTest(t, dir, 0)
	good, _ := l.Append([]byte("complete"))
	path := l.segmentPath(0)
	l.Close()

	// Simulate an unflushed write: header claims 100 bytes, only 3 present.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatal(err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 100)
	f.Write(hdr[:])
	f.Write([]byte("abc"))
	f.Close()

	l = openTest(t, dir, 0)
	defer l.Close()

	var seen int
	err = l.Scan(func(loc Location, payload []byte) error {
		seen++
		if loc != good {
			t.Errorf("scanned %s, want %s", loc, good)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if seen != 1 {
		t.Errorf("Scan() saw %d records, want 1", seen)
	}

	next, err := l.Append([]byte("after"))
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if next.Offset != good.Offset+headerLen+good.Size {
		t.Errorf("append after truncation at %d, want %d", next.Offset, good.Offset+headerLen+good.Size)
	}
	st, _ := os.Stat(path)
	if st.Size() != int64(next.Offset+headerLen+next.Size) {
		t.Errorf("segment size = %d after truncation and append", st.Size())
	}
}

func TestReadAt_BadLocation(t *testing.T) {
	l := openTest(t, t.TempDir(), 0)
	defer l.Close()
	loc, _ := l.Append([]byte("data"))

	bad := []Location{
		{Segment: 5, Offset: magicLen, Size: 4},
		{Segment: 0, Offset: loc.Offset + 100, Size: 4},
		{Segment: 0, Offset: 0, Size: 4},
	}
	for _, b := range bad {
		if _, err := l.ReadAt(b); !errors.Is(err, storage.ErrCorrupt) {
			t.Errorf("ReadAt(%s) = %v, want corrupt", b, err)
		}
	}

	wrongSize := loc
	wrongSize.Size = 2
	if _, err := l.ReadAt(wrongSize); !errors.Is(err, storage.ErrCorrupt) {
		t.Errorf("ReadAt with wrong size = %v, want corrupt", err)
	}
}

func TestScan_AcrossSegments(t *testing.T) {
	dir := t.TempDir()
	l := openTest(t, dir, 48)
	for i := 0; i < 8; i++ {
		if _, err := l.Append([]byte(fmt.Sprintf("r%d-xxxxxxxx", i))); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	l.Close()

	l = openTest(t, dir, 48)
	defer l.Close()
	var got []string
	if err := l.Scan(func(_ Location, p []byte) error {
		got = append(got, string(p))
		return nil
	}); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(got) != 8 || got[0] != "r0-xxxxxxxx" || got[7] != "r7-xxxxxxxx" {
		t.Errorf("Scan() = %v", got)
	}
}

func TestClosed(t *testing.T) {
	l := openTest(t, t.TempDir(), 0)
	l.Close()
	if _, err := l.Append([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Append() after Close = %v, want ErrClosed", err)
	}
}
