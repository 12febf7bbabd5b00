// Command kagedb_pagecache opens a KageDB database file and exposes the page
// cache through an interactive shell. Every public buffer pool operation is
// reachable: new, fetch, read, write, unpin, flush, delete.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	bufferpool "github.com/sushant-115/kagedb/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/kagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/kagedb/core/write_engine/page_manager"
	"github.com/sushant-115/kagedb/core/write_engine/wal"
	"github.com/sushant-115/kagedb/pkg/logger"
	"github.com/sushant-115/kagedb/pkg/telemetry"
)

const (
	DefaultPageSize       = 4096
	DefaultBufferPoolSize = 64
	DefaultReplacerK      = 2
)

var (
	dbPath      = flag.String("db", "kagedb.db", "Path to the database file")
	walDir      = flag.String("wal_dir", "kagedb_wal", "Directory for the write-ahead log")
	poolSize    = flag.Int("pool_size", DefaultBufferPoolSize, "Number of frames in the buffer pool")
	pageSize    = flag.Int("page_size", DefaultPageSize, "Page size in bytes")
	replacerK   = flag.Int("replacer_k", DefaultReplacerK, "K value for the LRU-K replacer")
	logLevel    = flag.String("log_level", "info", "Log level (debug, info, warn, error)")
	metricsOn   = flag.Bool("metrics", false, "Expose Prometheus metrics")
	metricsPort = flag.Int("metrics_port", 9464, "Port for the /metrics endpoint")
)

func main() {
	flag.Parse()

	zlogger, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		fmt.Println("failed to build logger:", err)
		return
	}
	defer zlogger.Sync()

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:        *metricsOn,
		ServiceName:    "kagedb_pagecache",
		PrometheusPort: *metricsPort,
	})
	if err != nil {
		zlogger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer telShutdown(context.Background())

	dm, err := flushmanager.NewDiskManager(*dbPath, *pageSize, zlogger)
	if err != nil {
		zlogger.Fatal("failed to create disk manager", zap.Error(err))
	}
	if _, err := dm.OpenOrCreateFile(false); err != nil {
		// Fall back to creating a fresh database file.
		if _, err := dm.OpenOrCreateFile(true); err != nil {
			zlogger.Fatal("failed to open or create database file", zap.Error(err))
		}
	}
	defer dm.Close()

	lm, err := wal.NewLogManager(*walDir, zlogger)
	if err != nil {
		zlogger.Fatal("failed to create log manager", zap.Error(err))
	}
	defer lm.Close()

	bpm, err := bufferpool.NewBufferPoolManager(*poolSize, *replacerK, dm, lm, zlogger, tel.Meter)
	if err != nil {
		zlogger.Fatal("failed to create buffer pool", zap.Error(err))
	}
	defer bpm.FlushAllPages()

	rl, err := readline.New("kagedb> ")
	if err != nil {
		zlogger.Fatal("failed to initialize readline", zap.Error(err))
	}
	defer rl.Close()

	shell := &shell{bpm: bpm, dm: dm, lm: lm, pinned: make(map[pagemanager.PageID]*pagemanager.Page)}
	fmt.Println("KageDB page cache shell. Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			zlogger.Error("readline error", zap.Error(err))
			break
		}
		if shell.dispatch(strings.Fields(strings.TrimSpace(line))) {
			break
		}
	}
	fmt.Println("bye")
}

type shell struct {
	bpm    *bufferpool.BufferPoolManager
	dm     *flushmanager.DiskManager
	lm     *wal.LogManager
	pinned map[pagemanager.PageID]*pagemanager.Page
}

// dispatch runs one command line; returns true when the shell should exit.
func (s *shell) dispatch(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "help":
		s.printHelp()
	case "new":
		s.cmdNew()
	case "fetch":
		s.cmdFetch(args[1:])
	case "read":
		s.cmdRead(args[1:])
	case "write":
		s.cmdWrite(args[1:])
	case "unpin":
		s.cmdUnpin(args[1:])
	case "flush":
		s.cmdFlush(args[1:])
	case "delete":
		s.cmdDelete(args[1:])
	case "stats":
		s.cmdStats()
	case "exit", "quit":
		return true
	default:
		fmt.Printf("unknown command %q; type 'help'\n", args[0])
	}
	return false
}

func (s *shell) printHelp() {
	fmt.Print(`commands:
  new                     allocate a new page (stays pinned)
  fetch <id>              pin a page into the cache
  read <id>               print a pinned page's payload
  write <id> <text...>    overwrite a pinned page's payload
  unpin <id> [dirty]      release one pin, optionally marking the page dirty
  flush <id> | flush all  write page(s) back to disk
  delete <id>             drop the page (must be unpinned)
  stats                   pool and log status
  exit                    flush everything and quit
`)
}

func (s *shell) parsePageID(arg string) (pagemanager.PageID, bool) {
	n, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || n == uint64(pagemanager.InvalidPageID) {
		fmt.Printf("bad page id %q\n", arg)
		return pagemanager.InvalidPageID, false
	}
	return pagemanager.PageID(n), true
}

func (s *shell) cmdNew() {
	page, pageID, err := s.bpm.NewPage()
	if err != nil {
		fmt.Println("new page failed:", err)
		return
	}
	s.pinned[pageID] = page
	fmt.Printf("page %d created and pinned\n", pageID)
}

func (s *shell) cmdFetch(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: fetch <id>")
		return
	}
	pageID, ok := s.parsePageID(args[0])
	if !ok {
		return
	}
	page, err := s.bpm.FetchPage(pageID)
	if err != nil {
		fmt.Println("fetch failed:", err)
		return
	}
	s.pinned[pageID] = page
	fmt.Printf("page %d pinned (pin count %d)\n", pageID, page.GetPinCount())
}

func (s *shell) cmdRead(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: read <id>")
		return
	}
	pageID, ok := s.parsePageID(args[0])
	if !ok {
		return
	}
	page, held := s.pinned[pageID]
	if !held {
		fmt.Printf("page %d is not pinned here; fetch it first\n", pageID)
		return
	}
	page.RLock()
	payload := strings.TrimRight(string(page.GetData()), "\x00")
	page.RUnlock()
	fmt.Printf("page %d: %q\n", pageID, payload)
}

func (s *shell) cmdWrite(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: write <id> <text...>")
		return
	}
	pageID, ok := s.parsePageID(args[0])
	if !ok {
		return
	}
	page, held := s.pinned[pageID]
	if !held {
		fmt.Printf("page %d is not pinned here; fetch it first\n", pageID)
		return
	}
	text := strings.Join(args[1:], " ")
	if len(text) > len(page.GetData()) {
		fmt.Printf("payload too large: %d bytes > page size %d\n", len(text), len(page.GetData()))
		return
	}
	page.Lock()
	data := page.GetData()
	for i := range data {
		data[i] = 0
	}
	copy(data, text)
	page.Unlock()
	fmt.Printf("page %d updated in memory; unpin it dirty to make that stick\n", pageID)
}

func (s *shell) cmdUnpin(args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Println("usage: unpin <id> [dirty]")
		return
	}
	pageID, ok := s.parsePageID(args[0])
	if !ok {
		return
	}
	dirty := len(args) == 2 && args[1] == "dirty"
	if !s.bpm.UnpinPage(pageID, dirty) {
		fmt.Printf("unpin of page %d refused (not resident or not pinned)\n", pageID)
		return
	}
	if page, held := s.pinned[pageID]; held && page.GetPinCount() == 0 {
		delete(s.pinned, pageID)
	}
	fmt.Printf("page %d unpinned (dirty=%t)\n", pageID, dirty)
}

func (s *shell) cmdFlush(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: flush <id> | flush all")
		return
	}
	if args[0] == "all" {
		s.bpm.FlushAllPages()
		fmt.Println("all dirty pages flushed")
		return
	}
	pageID, ok := s.parsePageID(args[0])
	if !ok {
		return
	}
	if !s.bpm.FlushPage(pageID) {
		fmt.Printf("flush of page %d refused (not resident)\n", pageID)
		return
	}
	fmt.Printf("page %d flushed\n", pageID)
}

func (s *shell) cmdDelete(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: delete <id>")
		return
	}
	pageID, ok := s.parsePageID(args[0])
	if !ok {
		return
	}
	if !s.bpm.DeletePage(pageID) {
		fmt.Printf("delete of page %d refused (still pinned)\n", pageID)
		return
	}
	delete(s.pinned, pageID)
	fmt.Printf("page %d deleted\n", pageID)
}

func (s *shell) cmdStats() {
	fmt.Printf("pool size:   %d frames x %d bytes\n", s.bpm.GetPoolSize(), s.bpm.GetPageSize())
	fmt.Printf("file pages:  %d\n", s.dm.NumPages())
	fmt.Printf("wal lsn:     %d (flushed %d)\n", s.lm.GetCurrentLSN(), s.lm.GetFlushedLSN())
	fmt.Printf("pinned here: %d\n", len(s.pinned))
}
