// Package bufferpool mediates all access to fixed-size on-disk pages through
// a bounded in-memory frame array. Victim selection uses an LRU-K replacer;
// the page table is an extendible hash index.
package bufferpool

import (
	"context"
	"fmt"
	"sync"

	extendiblehash "github.com/sushant-115/kagedb/core/container/extendiblehash"
	flushmanager "github.com/sushant-115/kagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/kagedb/core/write_engine/page_manager"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// pageTableBucketSize is the extendible hash bucket capacity for the page
// table. Four entries per bucket keeps split chains short with any
// reasonable hash.
const pageTableBucketSize = 4

// DiskManager is the block device the pool moves pages through. I/O is
// synchronous; error handling below the interface is the implementation's
// concern.
type DiskManager interface {
	ReadPage(pageID pagemanager.PageID, pageData []byte) error
	WritePage(pageID pagemanager.PageID, pageData []byte) error
	AllocatePage() (pagemanager.PageID, error)
	DeallocatePage(pageID pagemanager.PageID) error
	GetPageSize() int
}

// LogManager is the optional write-ahead log collaborator. When present, the
// pool appends an update record on dirty unpins and flushes the log through
// a page's LSN before writing that page back.
type LogManager interface {
	AppendPageUpdate(pageID pagemanager.PageID, data []byte) (pagemanager.LSN, error)
	Flush(lsn pagemanager.LSN) error
}

// BufferPoolManager pins, fetches, flushes, and evicts pages between the
// frame array and the disk manager. A single latch serializes every public
// operation, including the disk I/O inside it.
type BufferPoolManager struct {
	diskManager DiskManager
	logManager  LogManager // may be nil
	poolSize    int
	pageSize    int
	pages       []*pagemanager.Page
	pageTable   *extendiblehash.ExtendibleHashTable[pagemanager.PageID, pagemanager.FrameID]
	replacer    *LRUKReplacer
	freeList    []pagemanager.FrameID
	mu          sync.Mutex
	logger      *zap.Logger
	metrics     *poolMetrics
}

// NewBufferPoolManager creates a pool of poolSize frames over diskManager.
// logManager may be nil when no write-ahead logging is wanted; meter may be
// nil to disable metrics.
func NewBufferPoolManager(poolSize, replacerK int, diskManager DiskManager, logManager LogManager, logger *zap.Logger, meter metric.Meter) (*BufferPoolManager, error) {
	if diskManager == nil {
		return nil, fmt.Errorf("bufferpool: diskManager cannot be nil")
	}
	if poolSize < 1 {
		return nil, fmt.Errorf("bufferpool: pool size must be >= 1, got %d", poolSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	metrics, err := newPoolMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: creating metrics: %w", err)
	}

	bpm := &BufferPoolManager{
		diskManager: diskManager,
		logManager:  logManager,
		poolSize:    poolSize,
		pageSize:    diskManager.GetPageSize(),
		pages:       make([]*pagemanager.Page, poolSize),
		pageTable: extendiblehash.NewExtendibleHashTable[pagemanager.PageID, pagemanager.FrameID](
			pageTableBucketSize, extendiblehash.Uint64Hash[pagemanager.PageID]),
		replacer: NewLRUKReplacer(poolSize, replacerK),
		freeList: make([]pagemanager.FrameID, 0, poolSize),
		logger:   logger,
		metrics:  metrics,
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, bpm.pageSize)
		// Initially, every frame is in the free list.
		bpm.freeList = append(bpm.freeList, pagemanager.FrameID(i))
	}
	logger.Info("buffer pool initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("page_size", bpm.pageSize),
		zap.Int("replacer_k", replacerK))
	return bpm, nil
}

// acquireFrame hands out a frame for a new resident page: the free list
// first, then an eviction victim. Dirty victims are written back (log first)
// before their frame is reused. Must be called with bpm.mu held.
func (bpm *BufferPoolManager) acquireFrame() (pagemanager.FrameID, error) {
	if len(bpm.freeList) > 0 {
		frameID := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameID, nil
	}

	frameID, ok := bpm.replacer.Evict()
	if !ok {
		return 0, flushmanager.ErrBufferPoolFull
	}
	victim := bpm.pages[frameID]

	if victim.IsDirty() {
		err := bpm.flushLogFor(victim)
		if err == nil {
			err = bpm.diskManager.WritePage(victim.GetPageID(), victim.GetData())
		}
		if err != nil {
			// The victim stays resident; put it back under the replacer so
			// the frame is not orphaned.
			bpm.replacer.RecordAccess(frameID)
			bpm.replacer.SetEvictable(frameID, true)
			return 0, fmt.Errorf("failed to flush dirty victim page %d: %w", victim.GetPageID(), err)
		}
		victim.SetDirty(false)
		bpm.metrics.flushes.Add(context.Background(), 1)
	}

	bpm.logger.Debug("evicted page",
		zap.Uint64("page_id", uint64(victim.GetPageID())),
		zap.Int("frame_id", int(frameID)))
	bpm.pageTable.Remove(victim.GetPageID())
	victim.Reset()
	bpm.metrics.evictions.Add(context.Background(), 1)
	return frameID, nil
}

// flushLogFor makes the log durable through the page's LSN before the page
// itself is written back. No-op without a log manager or an LSN.
func (bpm *BufferPoolManager) flushLogFor(page *pagemanager.Page) error {
	if bpm.logManager == nil || page.GetLSN() == pagemanager.InvalidLSN {
		return nil
	}
	if err := bpm.logManager.Flush(page.GetLSN()); err != nil {
		return fmt.Errorf("failed to flush log for page %d (LSN %d): %w", page.GetPageID(), page.GetLSN(), err)
	}
	return nil
}

// NewPage allocates a fresh page id, binds it to a frame, and returns the
// page pinned once. Returns ErrBufferPoolFull when every frame is pinned.
func (bpm *BufferPoolManager) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// 1. Find a frame before allocating the id, so a full pool does not
	// orphan a freshly allocated page.
	frameID, err := bpm.acquireFrame()
	if err != nil {
		return nil, pagemanager.InvalidPageID, fmt.Errorf("failed to get frame for new page: %w", err)
	}

	// 2. Allocate a new page id on disk.
	pageID, err := bpm.diskManager.AllocatePage()
	if err != nil {
		// Frame goes back to the free list; it was already reset.
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, pagemanager.InvalidPageID, fmt.Errorf("failed to allocate new page on disk: %w", err)
	}

	// 3. Initialize the frame and track it.
	page := bpm.pages[frameID]
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(false)
	bpm.pageTable.Insert(pageID, frameID)
	bpm.replacer.RecordAccess(frameID)
	bpm.replacer.SetEvictable(frameID, false)

	bpm.logger.Debug("new page",
		zap.Uint64("page_id", uint64(pageID)),
		zap.Int("frame_id", int(frameID)))
	return page, pageID, nil
}

// FetchPage returns the requested page pinned one more time, reading it from
// disk if it is not resident. Returns ErrBufferPoolFull when the page is not
// resident and every frame is pinned.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if pageID == pagemanager.InvalidPageID {
		return nil, fmt.Errorf("%w: fetch of invalid page id", flushmanager.ErrInvalidPageData)
	}

	// 1. Check if page is already in the buffer pool.
	if frameID, ok := bpm.pageTable.Find(pageID); ok {
		page := bpm.pages[frameID]
		page.Pin()
		bpm.replacer.RecordAccess(frameID)
		bpm.replacer.SetEvictable(frameID, false)
		bpm.metrics.hits.Add(context.Background(), 1)
		return page, nil
	}

	// 2. Not resident: take a frame and do the I/O.
	frameID, err := bpm.acquireFrame()
	if err != nil {
		return nil, fmt.Errorf("failed to get frame for page %d: %w", pageID, err)
	}
	page := bpm.pages[frameID]
	if err := bpm.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		// The frame is empty and untracked; return it to the free list.
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}

	// 3. Update metadata and track in the buffer pool.
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(false)
	bpm.pageTable.Insert(pageID, frameID)
	bpm.replacer.RecordAccess(frameID)
	bpm.replacer.SetEvictable(frameID, false)
	bpm.metrics.misses.Add(context.Background(), 1)

	bpm.logger.Debug("fetched page from disk",
		zap.Uint64("page_id", uint64(pageID)),
		zap.Int("frame_id", int(frameID)))
	return page, nil
}

// UnpinPage drops one pin on the page. isDirty ORs into the frame's dirty
// bit; it is never cleared here. Reports false for a non-resident page or a
// pin underflow.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable.Find(pageID)
	if !ok {
		return false
	}
	page := bpm.pages[frameID]
	if page.GetPinCount() == 0 {
		bpm.logger.Warn("unpin of page with zero pin count", zap.Uint64("page_id", uint64(pageID)))
		return false
	}
	page.Unpin()

	if isDirty {
		page.SetDirty(true)
		if bpm.logManager != nil {
			lsn, err := bpm.logManager.AppendPageUpdate(pageID, page.GetData())
			if err != nil {
				bpm.logger.Error("failed to append log record for page update",
					zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
			} else {
				page.SetLSN(lsn)
			}
		}
	}

	if page.GetPinCount() == 0 {
		bpm.replacer.SetEvictable(frameID, true)
	}
	return true
}

// FlushPage writes the page to disk regardless of its dirty bit and clears
// the bit. Pin state and evictability are untouched. Reports false for the
// invalid id or a non-resident page.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.flushPageLocked(pageID)
}

func (bpm *BufferPoolManager) flushPageLocked(pageID pagemanager.PageID) bool {
	if pageID == pagemanager.InvalidPageID {
		return false
	}
	frameID, ok := bpm.pageTable.Find(pageID)
	if !ok {
		return false
	}
	page := bpm.pages[frameID]
	if err := bpm.flushLogFor(page); err != nil {
		bpm.logger.Error("log flush failed", zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
		return false
	}
	if err := bpm.diskManager.WritePage(pageID, page.GetData()); err != nil {
		bpm.logger.Error("page flush failed", zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
		return false
	}
	page.SetDirty(false)
	bpm.metrics.flushes.Add(context.Background(), 1)
	return true
}

// FlushAllPages writes back every dirty resident page and clears its dirty
// bit.
func (bpm *BufferPoolManager) FlushAllPages() {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	for i, page := range bpm.pages {
		if page.GetPageID() == pagemanager.InvalidPageID || !page.IsDirty() {
			continue
		}
		if err := bpm.flushLogFor(page); err != nil {
			bpm.logger.Error("log flush failed during flush-all",
				zap.Uint64("page_id", uint64(page.GetPageID())), zap.Error(err))
			continue
		}
		if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
			bpm.logger.Error("page flush failed during flush-all",
				zap.Uint64("page_id", uint64(page.GetPageID())),
				zap.Int("frame_id", i),
				zap.Error(err))
			continue
		}
		page.SetDirty(false)
		bpm.metrics.flushes.Add(context.Background(), 1)
	}
}

// DeletePage releases the page's frame and deallocates its id. Reports false
// while the page is pinned. Deleting a non-resident page only deallocates
// the id.
func (bpm *BufferPoolManager) DeletePage(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable.Find(pageID)
	if !ok {
		if err := bpm.diskManager.DeallocatePage(pageID); err != nil {
			bpm.logger.Warn("deallocate of non-resident page failed",
				zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
		}
		return true
	}

	page := bpm.pages[frameID]
	if page.GetPinCount() > 0 {
		return false
	}

	// A reader holding the id out-of-band may still fetch the page before
	// the id is reused, so dirty contents are written back even on delete.
	if page.IsDirty() {
		if err := bpm.flushLogFor(page); err != nil {
			bpm.logger.Error("log flush failed during delete",
				zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
			return false
		}
		if err := bpm.diskManager.WritePage(pageID, page.GetData()); err != nil {
			bpm.logger.Error("write-back failed during delete",
				zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
			return false
		}
		bpm.metrics.flushes.Add(context.Background(), 1)
	}

	bpm.pageTable.Remove(pageID)
	bpm.replacer.Remove(frameID)
	page.Reset()
	bpm.freeList = append(bpm.freeList, frameID)
	if err := bpm.diskManager.DeallocatePage(pageID); err != nil {
		bpm.logger.Warn("deallocate failed", zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
	}

	bpm.logger.Debug("deleted page",
		zap.Uint64("page_id", uint64(pageID)),
		zap.Int("frame_id", int(frameID)))
	return true
}

func (bpm *BufferPoolManager) GetPageSize() int {
	return bpm.pageSize
}

func (bpm *BufferPoolManager) GetPoolSize() int {
	return bpm.poolSize
}
