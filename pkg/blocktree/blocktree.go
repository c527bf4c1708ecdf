package blocktree

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cumulusbd/cumulus/pkg/cache"
	"github.com/cumulusbd/cumulus/pkg/codec"
	"github.com/cumulusbd/cumulus/pkg/log"
	"github.com/cumulusbd/cumulus/pkg/store"
)

// BlockPrefix is the key prefix of block objects within a volume.
const BlockPrefix = "blocks/"

var blockPathPat = regexp.MustCompile(`^blocks/(\d+)$`)

// BlockPath returns the object path for block n.
func BlockPath(n uint64) string {
	return BlockPrefix + strconv.FormatUint(n, 10)
}

// ParseBlockPath extracts the block index from a blocks/<N> path.
func ParseBlockPath(path string) (uint64, bool) {
	m := blockPathPat.FindStringSubmatch(path)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Stats is a point-in-time snapshot of transfer counters.
type Stats struct {
	RecvCount    uint64
	DataRecv     uint64
	WireRecv     uint64
	SentCount    uint64
	DataSent     uint64
	WireSent     uint64
	DeletedCount uint64
	CacheSize    int
	QueueSize    int
}

// Options configures a BlockTree.
type Options struct {
	// Writers is the upload worker pool size.
	Writers int
	// ReadAhead enables speculative sequential prefetch of that many
	// blocks past each block read; zero disables the reader pool.
	ReadAhead int
	// OnWorkerError is invoked when an upload worker aborts on a
	// non-retryable error. May be nil.
	OnWorkerError func(error)
}

// BlockTree applies the codec to objects and owns the cache between the
// request path and its worker pools. Writes land in the cache and are
// drained by writer workers; reads fault in through the store.
type BlockTree struct {
	codec *codec.Codec
	store store.Store
	cache *cache.Cache
	opts  Options
	lg    zerolog.Logger

	readQueue *syncQueue
	writersWG sync.WaitGroup
	readersWG sync.WaitGroup
	started   bool

	recvCount    atomic.Uint64
	dataRecv     atomic.Uint64
	wireRecv     atomic.Uint64
	sentCount    atomic.Uint64
	dataSent     atomic.Uint64
	wireSent     atomic.Uint64
	deletedCount atomic.Uint64
}

// New creates a BlockTree over the given codec and store. Start launches
// the worker pools; until then Get and direct Set work synchronously,
// which is all the administrative operations need.
func New(cdc *codec.Codec, st store.Store, opts Options) *BlockTree {
	t := &BlockTree{
		codec: cdc,
		store: st,
		opts:  opts,
		lg:    log.WithComponent("blocktree"),
	}
	t.cache = cache.New(t.readThrough)
	return t
}

// SetCacheLimits passes through to the cache.
func (t *BlockTree) SetCacheLimits(total, queue, flush int) {
	t.cache.SetLimits(total, queue, flush)
}

// CalibrateCache derives the cache limits from a total cache budget in
// bytes: half the budget bounds the dirty queue and seven tenths of
// that is the batching threshold.
func (t *BlockTree) CalibrateCache(maxCache uint64, bs uint64) {
	total := int(maxCache / bs)
	queue := int(maxCache / 2 / bs)
	flush := int(maxCache / 2 * 7 / 10 / bs)
	if total < 1 {
		total = 1
	}
	if queue < 1 {
		queue = 1
	}
	if flush < 1 {
		flush = 1
	}
	t.cache.SetLimits(total, queue, flush)
}

// readThrough is the cache backer: GET, decrypt, account. A missing
// object is a nil value, which the mapper reads as a zero block.
func (t *BlockTree) readThrough(path string) ([]byte, error) {
	obj, err := t.store.Get(path)
	t.recvCount.Add(1)
	if errors.Is(err, store.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := t.codec.Decrypt(path, obj)
	if err != nil {
		return nil, err
	}
	t.wireRecv.Add(uint64(len(obj)))
	t.dataRecv.Add(uint64(len(data)))
	return data, nil
}

// Start launches the writer pool and, if read-ahead is enabled, the
// reader pool.
func (t *BlockTree) Start() {
	if t.started {
		return
	}
	t.started = true
	for i := 0; i < t.opts.Writers; i++ {
		t.writersWG.Add(1)
		go t.writer()
	}
	if t.opts.ReadAhead > 0 {
		t.readQueue = newSyncQueue()
		for i := 0; i < t.opts.ReadAhead; i++ {
			t.readersWG.Add(1)
			go t.reader()
		}
	}
}

// writer drains the dirty queue onto the store with its own store
// handle. A nil value deletes the object; anything else is encrypted
// and uploaded. Exits on ErrQueueEmpty during shutdown. A non-retryable
// store error aborts the worker without unpinning, which stalls the
// queue and keeps the flush barrier from lying about durability.
func (t *BlockTree) writer() {
	defer t.writersWG.Done()
	st := t.store.Clone()
	for {
		path, data, err := t.cache.Dequeue()
		if errors.Is(err, cache.ErrQueueEmpty) {
			return
		}
		if data == nil {
			if err := st.Delete(path); err != nil {
				t.workerFailed(fmt.Errorf("delete %q: %w", path, err))
				return
			}
			t.deletedCount.Add(1)
		} else {
			enc, err := t.codec.Encrypt(path, data)
			if err != nil {
				t.workerFailed(fmt.Errorf("encrypt %q: %w", path, err))
				return
			}
			if err := st.Set(path, enc); err != nil {
				t.workerFailed(fmt.Errorf("upload %q: %w", path, err))
				return
			}
			t.sentCount.Add(1)
			t.dataSent.Add(uint64(len(data)))
			t.wireSent.Add(uint64(len(enc)))
		}
		t.cache.Unpin(path)
	}
}

func (t *BlockTree) workerFailed(err error) {
	t.lg.Error().Err(err).Msg("upload worker aborting")
	if t.opts.OnWorkerError != nil {
		t.opts.OnWorkerError(err)
	}
}

// reader services the read-ahead queue with its own store handle.
// Speculative reads swallow all errors; a block that fails here will be
// read again, and fail properly, on the demand path.
func (t *BlockTree) reader() {
	defer t.readersWG.Done()
	st := t.store.Clone()
	for {
		path, ok := t.readQueue.Pop()
		if !ok {
			return
		}
		if !t.cache.Contains(path) {
			obj, err := st.Get(path)
			t.recvCount.Add(1)
			switch {
			case errors.Is(err, store.ErrNotExist):
				t.cache.SetSuperItem(path, nil)
			case err == nil:
				data, err := t.codec.Decrypt(path, obj)
				if err == nil {
					t.wireRecv.Add(uint64(len(obj)))
					t.dataRecv.Add(uint64(len(data)))
					t.cache.SetSuperItem(path, data)
				}
			}
		}
		t.readQueue.Done(path)
	}
}

// Get reads an object through the cache; nil data means the object does
// not exist. Reading blocks/<N> schedules read-ahead of the following
// blocks.
func (t *BlockTree) Get(path string) ([]byte, error) {
	if t.readQueue != nil {
		if n, ok := ParseBlockPath(path); ok {
			for i := uint64(1); i <= uint64(t.opts.ReadAhead); i++ {
				ahead := BlockPath(n + i)
				if !t.cache.Contains(ahead) {
					t.readQueue.Push(ahead)
				}
			}
		}
	}
	return t.cache.Get(path)
}

// Set queues data for upload to path; nil data queues a delete. With
// direct set, the object is encrypted and stored synchronously, which
// only the config object uses.
func (t *BlockTree) Set(path string, data []byte, direct bool) error {
	if direct {
		enc, err := t.codec.Encrypt(path, data)
		if err != nil {
			return err
		}
		return t.store.Set(path, enc)
	}
	t.cache.Set(path, data)
	return nil
}

// Flush blocks until every write queued before the call is durably
// stored: the dirty queue and the pin set both drain.
func (t *BlockTree) Flush() {
	if ch := t.cache.FlushDirty(); ch != nil {
		<-ch
	}
}

// Close drains the dirty queue, stops the worker pools and joins them.
func (t *BlockTree) Close() {
	if !t.started {
		return
	}
	t.cache.SetWaitOnEmpty(false)
	t.writersWG.Wait()
	if t.readQueue != nil {
		t.readQueue.Close()
		t.readersWG.Wait()
	}
	t.started = false
}

// Snapshot returns current transfer and cache counters.
func (t *BlockTree) Snapshot() Stats {
	return Stats{
		RecvCount:    t.recvCount.Load(),
		DataRecv:     t.dataRecv.Load(),
		WireRecv:     t.wireRecv.Load(),
		SentCount:    t.sentCount.Load(),
		DataSent:     t.dataSent.Load(),
		WireSent:     t.wireSent.Load(),
		DeletedCount: t.deletedCount.Load(),
		CacheSize:    t.cache.Len(),
		QueueSize:    t.cache.QueueLen(),
	}
}
