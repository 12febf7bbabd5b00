// Package wal provides the write-ahead log the buffer pool flushes before
// writing dirty pages back to disk.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	flushmanager "github.com/sushant-115/kagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/kagedb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// LSN is the log sequence number. Records are numbered from 1; 0 is invalid.
type LSN = pagemanager.LSN

// LogRecordType defines the type of operation logged.
type LogRecordType byte

const (
	LogRecordTypeUpdate  LogRecordType = iota + 1 // page contents changed
	LogRecordTypeNewPage                          // allocation of a new page
	LogRecordTypeFreePage                         // deallocation of a page
)

// LogRecord is one entry in the write-ahead log.
type LogRecord struct {
	LSN    LSN
	Type   LogRecordType
	PageID pagemanager.PageID
	Data   []byte
}

const logFileName = "kagedb.wal"

// maxLogRecordSize bounds a single record; a record larger than this is a
// caller bug, not a log condition.
const maxLogRecordSize = 16 << 20

// record layout: payloadLen uint32 | LSN uint64 | Type byte | PageID uint64 |
// dataLen uint32 | data | crc32(payload) uint32
const recordHeaderSize = 4 + 8 + 1 + 8 + 4

// LogManager appends records to a single append-only log file. Appends land
// in a buffered writer; durability happens on Flush/Sync, which the buffer
// pool invokes before any dirty page write-back.
type LogManager struct {
	mu         sync.Mutex
	file       *os.File
	writer     *bufio.Writer
	nextLSN    LSN
	flushedLSN LSN // highest LSN known durable on disk
	logPath    string
	logger     *zap.Logger
}

// NewLogManager opens (or creates) the log file under logDir and recovers
// the next LSN from any existing records.
func NewLogManager(logDir string, logger *zap.Logger) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating log dir %s: %v", flushmanager.ErrLogFileError, logDir, err)
	}
	logPath := filepath.Join(logDir, logFileName)

	lm := &LogManager{
		logPath: logPath,
		logger:  logger,
	}
	lastLSN, err := lm.recoverLastLSN()
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening log file %s: %v", flushmanager.ErrLogFileError, logPath, err)
	}
	lm.file = file
	lm.writer = bufio.NewWriter(file)
	lm.nextLSN = lastLSN + 1
	lm.flushedLSN = lastLSN

	logger.Info("log manager ready",
		zap.String("path", logPath),
		zap.Uint64("next_lsn", uint64(lm.nextLSN)))
	return lm, nil
}

// recoverLastLSN scans any existing log file and returns the highest LSN
// whose record is intact. A torn or corrupt tail is ignored.
func (lm *LogManager) recoverLastLSN() (LSN, error) {
	file, err := os.Open(lm.logPath)
	if os.IsNotExist(err) {
		return pagemanager.InvalidLSN, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: opening log file for recovery: %v", flushmanager.ErrLogFileError, err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	last := pagemanager.InvalidLSN
	for {
		rec, err := readLogRecord(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			lm.logger.Warn("stopping recovery at damaged log record",
				zap.Uint64("last_good_lsn", uint64(last)),
				zap.Error(err))
			break
		}
		last = rec.LSN
	}
	return last, nil
}

// Append assigns the record its LSN and buffers it. The record is not
// durable until Flush covers its LSN.
func (lm *LogManager) Append(record *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.writer == nil {
		return pagemanager.InvalidLSN, fmt.Errorf("%w: log manager is closed", flushmanager.ErrLogFileError)
	}
	if len(record.Data) > maxLogRecordSize {
		return pagemanager.InvalidLSN, fmt.Errorf("%w: %d bytes", flushmanager.ErrLogRecordTooLarge, len(record.Data))
	}

	record.LSN = lm.nextLSN
	lm.nextLSN++
	if err := writeLogRecord(lm.writer, record); err != nil {
		return pagemanager.InvalidLSN, fmt.Errorf("%w: appending record %d: %v", flushmanager.ErrLogFileError, record.LSN, err)
	}
	return record.LSN, nil
}

// AppendPageUpdate logs the page's current contents. The data is copied, so
// the caller's frame may keep mutating after the call.
func (lm *LogManager) AppendPageUpdate(pageID pagemanager.PageID, data []byte) (LSN, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	return lm.Append(&LogRecord{
		Type:   LogRecordTypeUpdate,
		PageID: pageID,
		Data:   buf,
	})
}

// Flush makes every record up to and including targetLSN durable. Already
// durable targets return immediately.
func (lm *LogManager) Flush(targetLSN LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.flushedLSN >= targetLSN {
		return nil
	}
	return lm.flushLocked()
}

// Sync makes every appended record durable.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushLocked()
}

func (lm *LogManager) flushLocked() error {
	if lm.writer == nil {
		return fmt.Errorf("%w: log manager is closed", flushmanager.ErrLogFileError)
	}
	if err := lm.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flushing log buffer: %v", flushmanager.ErrLogFileError, err)
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing log file: %v", flushmanager.ErrLogFileError, err)
	}
	lm.flushedLSN = lm.nextLSN - 1
	return nil
}

// GetCurrentLSN returns the LSN of the most recently appended record.
func (lm *LogManager) GetCurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN - 1
}

// GetFlushedLSN returns the highest durable LSN.
func (lm *LogManager) GetFlushedLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushedLSN
}

// Records reads every intact record currently durable in the log file,
// oldest first. Buffered but unflushed records are not visible.
func (lm *LogManager) Records() ([]LogRecord, error) {
	lm.mu.Lock()
	logPath := lm.logPath
	lm.mu.Unlock()

	file, err := os.Open(logPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening log file: %v", flushmanager.ErrLogFileError, err)
	}
	defer file.Close()

	var records []LogRecord
	reader := bufio.NewReader(file)
	for {
		rec, err := readLogRecord(reader)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, *rec)
	}
}

// Close flushes outstanding records and closes the file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.writer == nil {
		return nil
	}
	flushErr := func() error {
		if err := lm.writer.Flush(); err != nil {
			return err
		}
		return lm.file.Sync()
	}()
	closeErr := lm.file.Close()
	lm.writer = nil
	lm.file = nil
	if flushErr != nil {
		return fmt.Errorf("%w: flushing log on close: %v", flushmanager.ErrLogFileError, flushErr)
	}
	return closeErr
}

func writeLogRecord(w io.Writer, record *LogRecord) error {
	payloadLen := recordHeaderSize - 4 + len(record.Data)
	buf := make([]byte, 4+payloadLen+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(payloadLen))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(record.LSN))
	buf[12] = byte(record.Type)
	binary.LittleEndian.PutUint64(buf[13:21], uint64(record.PageID))
	binary.LittleEndian.PutUint32(buf[21:25], uint32(len(record.Data)))
	copy(buf[25:], record.Data)
	checksum := crc32.ChecksumIEEE(buf[4 : 4+payloadLen])
	binary.LittleEndian.PutUint32(buf[4+payloadLen:], checksum)
	_, err := w.Write(buf)
	return err
}

func readLogRecord(r *bufio.Reader) (*LogRecord, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF // torn length prefix at the tail
		}
		return nil, err
	}
	payloadLen := binary.LittleEndian.Uint32(lenBuf[:])
	if payloadLen < recordHeaderSize-4 || payloadLen > maxLogRecordSize+recordHeaderSize {
		return nil, fmt.Errorf("%w: implausible record length %d", flushmanager.ErrInvalidPageData, payloadLen)
	}

	payload := make([]byte, payloadLen+4)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF // torn record at the tail
		}
		return nil, err
	}
	stored := binary.LittleEndian.Uint32(payload[payloadLen:])
	if crc32.ChecksumIEEE(payload[:payloadLen]) != stored {
		return nil, fmt.Errorf("%w: log record", flushmanager.ErrChecksumMismatch)
	}

	rec := &LogRecord{
		LSN:    LSN(binary.LittleEndian.Uint64(payload[0:8])),
		Type:   LogRecordType(payload[8]),
		PageID: pagemanager.PageID(binary.LittleEndian.Uint64(payload[9:17])),
	}
	dataLen := binary.LittleEndian.Uint32(payload[17:21])
	if int(dataLen) != int(payloadLen)-(recordHeaderSize-4) {
		return nil, fmt.Errorf("%w: data length mismatch in record %d", flushmanager.ErrInvalidPageData, rec.LSN)
	}
	rec.Data = make([]byte, dataLen)
	copy(rec.Data, payload[21:21+dataLen])
	return rec, nil
}
