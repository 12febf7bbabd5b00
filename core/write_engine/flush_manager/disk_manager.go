package flushmanager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/sushant-115/kagedb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// DBFileHeader sits in page 0 of the database file.
type DBFileHeader struct {
	Magic    uint32
	Version  uint32
	PageSize uint32
	NumPages uint64
}

const DBMagic uint32 = 0x4B41DB00 // KageDB00

const dbFileHeaderSize = 64

const FileHeaderPageID pagemanager.PageID = 0

// DiskManager performs synchronous page-granular I/O against a single
// database file. Pages live at offset pageID*pageSize; page 0 holds the file
// header, so data pages start at 1.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	numPages uint64
	freed    map[pagemanager.PageID]struct{} // deallocated ids, bookkeeping only
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewDiskManager creates a DiskManager for the given file path. The file is
// not touched until OpenOrCreateFile is called.
func NewDiskManager(filePath string, pageSize int, logger *zap.Logger) (*DiskManager, error) {
	if pageSize < dbFileHeaderSize {
		return nil, fmt.Errorf("%w: page size %d smaller than file header", ErrInvalidPageData, pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskManager{
		filePath: filePath,
		pageSize: pageSize,
		freed:    make(map[pagemanager.PageID]struct{}),
		logger:   logger,
	}, nil
}

// OpenOrCreateFile opens an existing database file or creates a new one.
// If creating, it initializes the header.
func (dm *DiskManager) OpenOrCreateFile(create bool) (*DBFileHeader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var header DBFileHeader

	if _, statErr := os.Stat(dm.filePath); os.IsNotExist(statErr) {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrDBFileNotFound, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file
		header = DBFileHeader{
			Magic:    DBMagic,
			Version:  1,
			PageSize: uint32(dm.pageSize),
			NumPages: 1, // the header page itself
		}
		if err := dm.writeHeader(&header); err != nil {
			dm.file.Close()
			dm.file = nil
			os.Remove(dm.filePath) // Cleanup
			return nil, err
		}
		dm.numPages = 1
		dm.logger.Info("created database file",
			zap.String("path", dm.filePath),
			zap.Int("page_size", dm.pageSize))
		return &header, nil
	} else if statErr != nil {
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, dm.filePath, statErr)
	}

	// File exists
	if create {
		return nil, fmt.Errorf("%w: %s", ErrDBFileExists, dm.filePath)
	}
	file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, dm.filePath, err)
	}
	dm.file = file
	if err := dm.readHeader(&header); err != nil {
		dm.file.Close()
		dm.file = nil
		return nil, err
	}
	if header.Magic != DBMagic {
		dm.file.Close()
		dm.file = nil
		return nil, fmt.Errorf("invalid database file magic number")
	}
	if header.PageSize != uint32(dm.pageSize) {
		dm.file.Close()
		dm.file = nil
		return nil, fmt.Errorf("database file page size (%d) does not match configured page size (%d)", header.PageSize, dm.pageSize)
	}

	fi, err := dm.file.Stat()
	if err != nil {
		dm.file.Close()
		dm.file = nil
		return nil, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
	}
	dm.numPages = uint64(fi.Size()) / uint64(dm.pageSize)
	if dm.numPages == 0 {
		dm.numPages = 1
	}
	dm.logger.Info("opened database file",
		zap.String("path", dm.filePath),
		zap.Uint64("num_pages", dm.numPages))
	return &header, nil
}

func (dm *DiskManager) writeHeader(header *DBFileHeader) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", ErrIO, err)
	}
	padding := make([]byte, dbFileHeaderSize-buf.Len()) // Header is fixed size
	buf.Write(padding)

	if _, err := dm.file.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("%w: writing header to disk: %v", ErrIO, err)
	}
	return dm.file.Sync() // Ensure header is flushed
}

func (dm *DiskManager) readHeader(header *DBFileHeader) error {
	data := make([]byte, dbFileHeaderSize)
	if _, err := dm.file.ReadAt(data, 0); err != nil {
		if err == io.EOF {
			return fmt.Errorf("database file is too small or corrupted (header)")
		}
		return fmt.Errorf("%w: reading header from disk: %v", ErrIO, err)
	}
	buf := bytes.NewReader(data)
	if err := binary.Read(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: deserializing header: %v", ErrIO, err)
	}
	return nil
}

// ReadPage reads the page into pageData, which must be exactly one page long.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.file == nil {
		return fmt.Errorf("file not open")
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) does not match disk manager page size (%d)", len(pageData), dm.pageSize)
	}

	offset := int64(pageID) * int64(dm.pageSize)
	bytesRead, err := dm.file.ReadAt(pageData, offset)
	if err != nil {
		if err == io.EOF && bytesRead < dm.pageSize {
			return fmt.Errorf("%w: partial page read for page %d (EOF), file may be corrupt or pageID out of bounds", ErrIO, pageID)
		}
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, pageID, err)
	}
	if bytesRead != dm.pageSize {
		return fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, pageID, dm.pageSize, bytesRead)
	}
	return nil
}

// WritePage writes pageData at the page's offset. The write is not synced;
// durability is deferred to Sync or Close.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.file == nil {
		return fmt.Errorf("file not open")
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) does not match disk manager page size (%d)", len(pageData), dm.pageSize)
	}

	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, pageID, err)
	}
	return nil
}

// AllocatePage extends the file by one page and returns the new page id.
// Ids are handed out monotonically; deallocated ids are never reused.
func (dm *DiskManager) AllocatePage() (pagemanager.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.file == nil {
		return pagemanager.InvalidPageID, fmt.Errorf("file not open")
	}

	newPageID := pagemanager.PageID(dm.numPages)
	emptyPageData := make([]byte, dm.pageSize)
	offset := int64(newPageID) * int64(dm.pageSize)

	// Write to the new offset so the file is actually extended.
	if _, err := dm.file.WriteAt(emptyPageData, offset); err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: extending file for new page %d: %v", ErrIO, newPageID, err)
	}
	dm.numPages++
	return newPageID, nil
}

// DeallocatePage records the page id as freed. The space is not reclaimed and
// the id is not reused within this process lifetime.
func (dm *DiskManager) DeallocatePage(pageID pagemanager.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if pageID == pagemanager.InvalidPageID || uint64(pageID) >= dm.numPages {
		return fmt.Errorf("%w: deallocate of page %d out of bounds", ErrInvalidPageData, pageID)
	}
	dm.freed[pageID] = struct{}{}
	dm.logger.Debug("deallocated page", zap.Uint64("page_id", uint64(pageID)))
	return nil
}

func (dm *DiskManager) GetPageSize() int {
	return dm.pageSize
}

// NumPages returns the number of pages the file currently spans, including
// the header page.
func (dm *DiskManager) NumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file != nil {
		return dm.file.Sync()
	}
	return nil
}

func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	header := DBFileHeader{
		Magic:    DBMagic,
		Version:  1,
		PageSize: uint32(dm.pageSize),
		NumPages: dm.numPages,
	}
	if err := dm.writeHeader(&header); err != nil {
		dm.logger.Warn("failed to persist header on close", zap.Error(err))
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Warn("failed to sync file on close", zap.Error(err))
	}
	closeErr := dm.file.Close()
	dm.file = nil
	return closeErr
}
