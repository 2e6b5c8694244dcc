package translog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/oasisprotocol/shardstore/common/cbor"
	"github.com/oasisprotocol/shardstore/shard/api"
)

// generation is a single append-only translog file: header, a sequence of
// length-prefixed CBOR operation records, and (once closed) a footer.
type generation struct {
	mu sync.Mutex

	id  int64
	dir string
	hdr header

	file         *os.File
	headerSize   int64
	offset       int64 // next write offset (from start of file)
	syncedOffset int64
	ops          int64

	closed bool
}

func newGeneration(dir string, id int64, hdr header) (*generation, error) {
	f, err := os.OpenFile(generationFileName(dir, id), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("translog: create generation %d: %w", id, err)
	}

	hb := cbor.Marshal(hdr)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(hb)))
	if _, err := f.Write(lenBuf); err != nil {
		return nil, err
	}
	if _, err := f.Write(hb); err != nil {
		return nil, err
	}

	headerSize := int64(4 + len(hb))

	return &generation{
		id:         id,
		dir:        dir,
		hdr:        hdr,
		file:       f,
		headerSize: headerSize,
		offset:     headerSize,
	}, nil
}

func (g *generation) append(op *api.Operation) (api.TranslogLocation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return api.TranslogLocation{}, fmt.Errorf("translog: cannot append to closed generation %d", g.id)
	}

	rec := encodeRecord(op)
	n, err := g.file.WriteAt(rec, g.offset)
	if err != nil {
		return api.TranslogLocation{}, fmt.Errorf("translog: append: %w", err)
	}

	loc := api.TranslogLocation{Generation: g.id, Offset: g.offset, Size: int32(len(rec))}
	g.offset += int64(n)
	g.ops++

	return loc, nil
}

func (g *generation) sync() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.syncLocked()
}

type checkpoint struct {
	Generation   int64 `cbor:"generation"`
	SyncedOffset int64 `cbor:"synced_offset"`
	Ops          int64 `cbor:"ops"`
}

func (g *generation) syncLocked() error {
	if err := g.file.Sync(); err != nil {
		return fmt.Errorf("translog: fsync: %w", err)
	}
	g.syncedOffset = g.offset

	ck := checkpoint{Generation: g.id, SyncedOffset: g.syncedOffset, Ops: g.ops}
	if err := os.WriteFile(checkpointFileName(g.dir, g.id), cbor.Marshal(ck), 0o644); err != nil {
		return fmt.Errorf("translog: write checkpoint: %w", err)
	}
	return nil
}

func (g *generation) syncedThrough(loc api.TranslogLocation) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return loc.Offset+int64(loc.Size) <= g.syncedOffset
}

func (g *generation) size() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.offset - g.headerSize
}

func (g *generation) opCount() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ops
}

// closeWithFooter finalizes the generation: it is only legal on a
// generation that is being retired by a roll, never on the current one
// that is still being appended to concurrently by future writes.
func (g *generation) closeWithFooter() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}

	ft := footer{OpCount: g.ops}
	fb := cbor.Marshal(ft)

	buf := make([]byte, 0, 8+4+len(fb))
	buf = append(buf, footerMagic...)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(fb)))
	buf = append(buf, lenBuf...)
	buf = append(buf, fb...)

	if _, err := g.file.WriteAt(buf, g.offset); err != nil {
		return fmt.Errorf("translog: write footer: %w", err)
	}
	g.offset += int64(len(buf))

	if err := g.syncLocked(); err != nil {
		return err
	}

	g.closed = true
	return nil
}

// closeForShutdown releases the file handle without requiring the footer
// invariant (used when the Shard/process is shutting down and the current
// generation, by definition, has no footer yet).
func (g *generation) closeForShutdown() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.file == nil {
		return nil
	}
	return g.file.Close()
}

func (g *generation) remove() error {
	name := generationFileName(g.dir, g.id)
	if err := g.closeForShutdown(); err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(checkpointFileName(g.dir, g.id))
	return nil
}

// resumeGeneration reopens an existing generation file for appending,
// without truncating it, used when a Translog is opened against an
// existing on-disk directory (recovery). It scans forward past the header
// and every well-formed record to find the true append offset; any bytes
// beyond the last complete record are a torn tail write left by a crash
// and are simply never appended after, matching a replay that stops at the
// last complete record.
func resumeGeneration(dir string, id int64, closed bool) (*generation, error) {
	f, err := os.OpenFile(generationFileName(dir, id), os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("translog: reopen generation %d: %w", id, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	lenBuf := make([]byte, 4)
	if _, err := f.ReadAt(lenBuf, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("translog: read header length: %w", err)
	}
	hdrLen := binary.BigEndian.Uint32(lenBuf)

	hdrBody := make([]byte, hdrLen)
	if _, err := f.ReadAt(hdrBody, 4); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("translog: read header: %w", err)
	}
	var hdr header
	if err := cbor.UnmarshalTrusted(hdrBody, &hdr); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: bad generation header", api.ErrTranslogCorrupted)
	}

	g := &generation{
		id:         id,
		dir:        dir,
		hdr:        hdr,
		file:       f,
		headerSize: 4 + int64(hdrLen),
		offset:     4 + int64(hdrLen),
	}

	r := &generationReader{file: f, offset: g.offset, size: info.Size()}
	for {
		_, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		g.offset = r.offset
		g.ops++
	}

	if closed {
		g.closed = true
		g.syncedOffset = g.offset
	}

	return g, nil
}

// generationReader sequentially reads back a generation file's operation
// records, stopping at the footer magic or EOF, whichever comes first
// (an absent footer on the newest generation just means "read until EOF",
// matching a torn write after a crash not being replayed past the last
// complete record).
type generationReader struct {
	file   *os.File
	offset int64
	size   int64
}

func openGenerationReader(dir string, gen int64) (*generationReader, error) {
	f, err := os.Open(generationFileName(dir, gen))
	if err != nil {
		return nil, fmt.Errorf("translog: open generation %d for read: %w", gen, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	lenBuf := make([]byte, 4)
	if _, err := f.ReadAt(lenBuf, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("translog: read header length: %w", err)
	}
	hdrLen := binary.BigEndian.Uint32(lenBuf)

	return &generationReader{file: f, offset: 4 + int64(hdrLen), size: info.Size()}, nil
}

func (r *generationReader) next() (*api.Operation, error) {
	if r.offset >= r.size {
		return nil, io.EOF
	}

	if r.offset+int64(len(footerMagic)) <= r.size {
		magicBuf := make([]byte, len(footerMagic))
		if _, err := r.file.ReadAt(magicBuf, r.offset); err == nil && string(magicBuf) == string(footerMagic) {
			return nil, io.EOF
		}
	}

	lenBuf := make([]byte, 4)
	if _, err := r.file.ReadAt(lenBuf, r.offset); err != nil {
		return nil, io.EOF
	}
	recLen := binary.BigEndian.Uint32(lenBuf)

	body := make([]byte, recLen)
	if _, err := r.file.ReadAt(body, r.offset+4); err != nil {
		// Torn write at the tail: treat as end of readable log.
		return nil, io.EOF
	}

	var op api.Operation
	if err := cbor.UnmarshalTrusted(body, &op); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrTranslogCorrupted, err)
	}

	r.offset += 4 + int64(recLen)
	return &op, nil
}

func (r *generationReader) close() error {
	return r.file.Close()
}
