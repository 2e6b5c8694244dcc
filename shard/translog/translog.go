// Package translog implements the shard's append-only write-ahead
// operation log: generations, sync, retention, and forward iteration.
package translog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/oasisprotocol/shardstore/common/cbor"
	"github.com/oasisprotocol/shardstore/common/logging"
	"github.com/oasisprotocol/shardstore/shard/api"
)

var logger = logging.GetLogger("shard/translog")

// header is the fixed record written at the start of every generation file.
type header struct {
	Generation  int64           `cbor:"generation"`
	PrimaryTerm api.PrimaryTerm `cbor:"primary_term"`
	UUID        string          `cbor:"uuid"`
}

// footer marks a generation as closed and records its final op count, so a
// reader can distinguish a cleanly closed generation from one truncated by
// a crash (spec §3: "footer is present iff generation is closed").
type footer struct {
	OpCount int64 `cbor:"op_count"`
}

var footerMagic = []byte("TLOGFTR0")

// Config configures a Translog instance.
type Config struct {
	// Dir is the directory holding translog-<gen>.tlog/.ckp files.
	Dir string
	// UUID identifies this translog incarnation; it is stamped into every
	// generation header and into commit user-data so CombinedRetentionPolicy
	// can detect stale commits after a translog was recreated.
	UUID string
	// GenerationThresholdBytes triggers rollGeneration once exceeded.
	GenerationThresholdBytes int64
	// InitialGeneration is the generation number to start (or resume) at.
	InitialGeneration int64
	// InitialPrimaryTerm is stamped into the first generation's header.
	InitialPrimaryTerm api.PrimaryTerm
}

// Translog is the append-only operation log for one shard copy.
type Translog struct {
	mu sync.RWMutex

	dir                      string
	uuid                     string
	generationThresholdBytes int64

	current     *generation
	generations map[int64]*generation // closed + current, by id
	minGen      int64                 // smallest generation id still retained

	durability int32 // atomic api.Durability

	totalOpsCount   int64 // atomic, across the translog's lifetime (never decreases)
	totalBytesCount int64 // atomic, sum of every appended record's on-disk size, across the translog's lifetime

	// flushedOpsCount/flushedBytesCount are totalOpsCount/totalBytesCount's
	// values as of the last successful flush, so Stats can report
	// uncommitted bytes/ops relative to the last flush rather than as a raw
	// sum over still-retained generations (which never shrinks merely
	// because old generations get trimmed).
	flushedOpsCount   int64 // atomic
	flushedBytesCount int64 // atomic
}

// Open creates or resumes a Translog rooted at cfg.Dir.
func Open(cfg Config) (*Translog, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("translog: mkdir: %w", err)
	}

	tl := &Translog{
		dir:                      cfg.Dir,
		uuid:                     cfg.UUID,
		generationThresholdBytes: cfg.GenerationThresholdBytes,
		generations:              make(map[int64]*generation),
		minGen:                   cfg.InitialGeneration,
	}

	gen, err := newGeneration(cfg.Dir, cfg.InitialGeneration, header{
		Generation:  cfg.InitialGeneration,
		PrimaryTerm: cfg.InitialPrimaryTerm,
		UUID:        cfg.UUID,
	})
	if err != nil {
		return nil, err
	}
	tl.current = gen
	tl.generations[gen.id] = gen

	if err := tl.writePointerLocked(); err != nil {
		return nil, err
	}

	return tl, nil
}

// OpenExisting resumes a Translog from an existing on-disk directory, used
// by local-store recovery. If the directory contains no generation files,
// it behaves exactly like Open. The highest-numbered generation found is
// reopened for continued appends; every lower one is registered read-only
// (closed).
func OpenExisting(cfg Config) (*Translog, error) {
	ids, err := existingGenerationIDs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return Open(cfg)
	}

	tl := &Translog{
		dir:                      cfg.Dir,
		uuid:                     cfg.UUID,
		generationThresholdBytes: cfg.GenerationThresholdBytes,
		generations:              make(map[int64]*generation),
		minGen:                   ids[0],
	}

	maxID := ids[len(ids)-1]
	for _, id := range ids {
		gen, err := resumeGeneration(cfg.Dir, id, id != maxID)
		if err != nil {
			return nil, err
		}
		tl.generations[id] = gen
		if id == maxID {
			tl.current = gen
		}
	}

	return tl, nil
}

func existingGenerationIDs(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []int64
	for _, e := range entries {
		var id int64
		if _, err := fmt.Sscanf(e.Name(), "translog-%d.tlog", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// UUID returns this translog incarnation's UUID.
func (t *Translog) UUID() string {
	return t.uuid
}

// SetDurability changes the fsync policy. Per spec §4.2, this does not
// retroactively sync writes made under the previous mode.
func (t *Translog) SetDurability(d api.Durability) {
	atomic.StoreInt32(&t.durability, int32(d))
}

// Durability returns the current fsync policy.
func (t *Translog) Durability() api.Durability {
	return api.Durability(atomic.LoadInt32(&t.durability))
}

// Append synchronously writes op's bytes into the current generation and
// returns its location. Records carry a length prefix but no checksum:
// after a crash, replay stops at a record whose length prefix or body is
// incomplete, and a complete-length record that fails to decode is reported
// as ErrTranslogCorrupted.
func (t *Translog) Append(op *api.Operation) (api.TranslogLocation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	loc, err := t.current.append(op)
	if err != nil {
		return api.TranslogLocation{}, err
	}
	atomic.AddInt64(&t.totalOpsCount, 1)
	atomic.AddInt64(&t.totalBytesCount, int64(loc.Size))

	if api.Durability(atomic.LoadInt32(&t.durability)) == api.DurabilityRequest {
		if err := t.current.sync(); err != nil {
			return api.TranslogLocation{}, err
		}
	}

	return loc, nil
}

// EnsureSynced returns true iff a durable fsync was newly performed as part
// of this call; it returns false if loc was already covered by a prior
// sync. Idempotent.
func (t *Translog) EnsureSynced(loc api.TranslogLocation) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gen, ok := t.generations[loc.Generation]
	if !ok {
		return false, fmt.Errorf("translog: unknown generation %d", loc.Generation)
	}

	if gen.closed {
		// A closed generation's footer write included a final sync.
		return false, nil
	}

	if gen.syncedThrough(loc) {
		return false, nil
	}

	if err := gen.sync(); err != nil {
		return false, err
	}
	return true, nil
}

// CurrentFileGeneration returns the id of the generation currently being
// written to.
func (t *Translog) CurrentFileGeneration() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current.id
}

// RollGeneration closes the current generation with a footer and opens a
// new one, stamping newTerm into its header if non-zero (zero means "reuse
// the previous generation's term", used by routine threshold-driven rolls).
func (t *Translog) RollGeneration(newTerm api.PrimaryTerm) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollGenerationLocked(newTerm)
}

func (t *Translog) rollGenerationLocked(newTerm api.PrimaryTerm) error {
	term := newTerm
	if term == 0 {
		term = t.current.hdr.PrimaryTerm
	}

	if err := t.current.closeWithFooter(); err != nil {
		return err
	}

	next, err := newGeneration(t.dir, t.current.id+1, header{
		Generation:  t.current.id + 1,
		PrimaryTerm: term,
		UUID:        t.uuid,
	})
	if err != nil {
		return err
	}

	t.generations[next.id] = next
	t.current = next

	if err := t.writePointerLocked(); err != nil {
		return err
	}

	logger.Debug("rolled translog generation", "generation", next.id, "primary_term", term)
	return nil
}

// writePointerLocked (re)writes translog.ckp, the top-level pointer to the
// current generation, per the on-disk layout in spec §6.
func (t *Translog) writePointerLocked() error {
	path := filepath.Join(t.dir, "translog.ckp")
	ck := checkpoint{Generation: t.current.id}
	return os.WriteFile(path, cbor.Marshal(ck), 0o644)
}

// ShouldRollTranslogGeneration reports whether the current generation has
// exceeded the configured size threshold.
func (t *Translog) ShouldRollTranslogGeneration() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generationThresholdBytes > 0 && t.current.size() > t.generationThresholdBytes
}

// TrimUnreferencedReaders deletes generations strictly below
// minGenToRetain, freeing their on-disk files.
func (t *Translog) TrimUnreferencedReaders(minGenToRetain int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, gen := range t.generations {
		if id >= minGenToRetain || id == t.current.id {
			continue
		}
		if err := gen.remove(); err != nil {
			return fmt.Errorf("translog: failed to remove generation %d: %w", id, err)
		}
		delete(t.generations, id)
	}
	if minGenToRetain > t.minGen {
		t.minGen = minGenToRetain
	}
	return nil
}

// Stats summarizes uncommitted and lifetime totals.
type Stats struct {
	UncommittedOps       int64
	UncommittedSizeBytes int64
	TotalOps             int64
	Generation           int64
}

// Stats reports current translog statistics. "Uncommitted" is everything
// appended since the last call to MarkFlushed, regardless of how many
// generations that spans or whether older generations have since been
// trimmed — trimming retained generations must not change this count, since
// it is driven purely by whether a flush has happened, not by retention.
func (t *Translog) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Stats{
		UncommittedOps:       atomic.LoadInt64(&t.totalOpsCount) - atomic.LoadInt64(&t.flushedOpsCount),
		UncommittedSizeBytes: atomic.LoadInt64(&t.totalBytesCount) - atomic.LoadInt64(&t.flushedBytesCount),
		TotalOps:             atomic.LoadInt64(&t.totalOpsCount),
		Generation:           t.current.id,
	}
}

// MarkFlushed resets the uncommitted watermark to the translog's current
// totals, called by Shard.Flush immediately after a successful engine
// flush so shouldPeriodicallyFlush() goes false until new writes arrive.
func (t *Translog) MarkFlushed() {
	atomic.StoreInt64(&t.flushedOpsCount, atomic.LoadInt64(&t.totalOpsCount))
	atomic.StoreInt64(&t.flushedBytesCount, atomic.LoadInt64(&t.totalBytesCount))
}

// Snapshot returns a finite forward iterator over every operation retained
// across all generations, oldest generation first, in append order within
// each generation.
func (t *Translog) Snapshot() (*Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]int64, 0, len(t.generations))
	for id := range t.generations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return &Snapshot{dir: t.dir, genIDs: ids}, nil
}

// Close closes every open generation file.
func (t *Translog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, gen := range t.generations {
		if err := gen.closeForShutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Snapshot is a finite forward iterator over translog operations.
type Snapshot struct {
	dir    string
	genIDs []int64

	genIdx int
	reader *generationReader
}

// Next returns the next operation, or (nil, io.EOF) once exhausted.
func (s *Snapshot) Next() (*api.Operation, error) {
	for {
		if s.reader == nil {
			if s.genIdx >= len(s.genIDs) {
				return nil, io.EOF
			}
			r, err := openGenerationReader(s.dir, s.genIDs[s.genIdx])
			if err != nil {
				return nil, err
			}
			s.reader = r
		}

		op, err := s.reader.next()
		switch err {
		case nil:
			return op, nil
		case io.EOF:
			_ = s.reader.close()
			s.reader = nil
			s.genIdx++
			continue
		default:
			return nil, err
		}
	}
}

// Close releases any open generation file the snapshot is mid-read on.
func (s *Snapshot) Close() error {
	if s.reader != nil {
		return s.reader.close()
	}
	return nil
}

func generationFileName(dir string, gen int64) string {
	return filepath.Join(dir, fmt.Sprintf("translog-%d.tlog", gen))
}

func checkpointFileName(dir string, gen int64) string {
	return filepath.Join(dir, fmt.Sprintf("translog-%d.ckp", gen))
}

func encodeRecord(op *api.Operation) []byte {
	body := cbor.Marshal(op)
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	return buf
}
