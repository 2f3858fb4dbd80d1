// Package flushmanager owns the two files of a database: the data file holding
// checkpointed pages at PageID*PageSize, and the append-only log file holding
// page versions written by transactions.
package flushmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/security/encryption"
	"github.com/sushant-115/gojolite/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/pkg/telemetry"
)

// DefaultReaderPoolSize is the number of reader handles per file.
const DefaultReaderPoolSize = 8

// Options configure a DiskService.
type Options struct {
	ReadOnly       bool
	CacheSize      int
	ReaderPoolSize int
	Logger         *zap.Logger
	Metrics        *telemetry.StorageMetrics
}

// LogPath returns the log file that belongs to a data file: "<name>-log<ext>".
func LogPath(dataPath string) string {
	ext := filepath.Ext(dataPath)
	return strings.TrimSuffix(dataPath, ext) + "-log" + ext
}

// diskFile is one origin: a single writer handle plus a pool of readers.
type diskFile struct {
	origin  pagemanager.FileOrigin
	path    string
	writer  *os.File
	readers *StreamPool
	length  atomic.Int64
	mu      sync.Mutex // serializes writes and truncation
}

// DiskService reads and writes whole pages. Every read yields a freshly decoded
// page; the shared cache only ever holds plaintext images that already passed
// checksum validation.
type DiskService struct {
	data     *diskFile
	log      *diskFile
	readOnly bool

	cipher atomic.Pointer[encryption.PageCipher]
	cache  *memtable.PageCache

	statMu   sync.Mutex
	lastSize int64
	lastMod  time.Time

	logger  *zap.Logger
	metrics *telemetry.StorageMetrics
}

// Open opens (or creates) the data file at path and its log file. created is
// true when the data file was empty, meaning the caller must write a header.
func Open(path string, opts Options) (d *DiskService, created bool, err error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopStorageMetrics()
	}
	if opts.ReaderPoolSize <= 0 {
		opts.ReaderPoolSize = DefaultReaderPoolSize
	}
	cache, err := memtable.NewPageCache(opts.CacheSize, opts.Logger.Named("cache"))
	if err != nil {
		return nil, false, err
	}
	d = &DiskService{
		readOnly: opts.ReadOnly,
		cache:    cache,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}

	d.data, err = openDiskFile(pagemanager.OriginData, path, opts)
	if err != nil {
		return nil, false, err
	}
	d.log, err = openDiskFile(pagemanager.OriginLog, LogPath(path), opts)
	if err != nil {
		d.data.close()
		return nil, false, err
	}
	if err := d.rememberStat(); err != nil {
		d.Close()
		return nil, false, err
	}

	created = d.data.length.Load() == 0
	d.logger.Info("disk service opened",
		zap.String("data", d.data.path),
		zap.String("log", d.log.path),
		zap.Int64("dataBytes", d.data.length.Load()),
		zap.Int64("logBytes", d.log.length.Load()),
		zap.Bool("created", created),
		zap.Bool("readOnly", opts.ReadOnly))
	return d, created, nil
}

func openDiskFile(origin pagemanager.FileOrigin, path string, opts Options) (*diskFile, error) {
	f := &diskFile{origin: origin, path: path}

	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	w, err := os.OpenFile(path, flags, 0644)
	switch {
	case err == nil:
		f.writer = w
	case opts.ReadOnly && errors.Is(err, os.ErrNotExist) && origin == pagemanager.OriginLog:
		// A read-only database without a log file simply has nothing to replay.
		return f, nil
	default:
		return nil, dberror.IO("open "+origin.String()+" file", err)
	}

	fi, err := w.Stat()
	if err != nil {
		w.Close()
		return nil, dberror.IO("stat "+origin.String()+" file", err)
	}
	// A partially written trailing page is ignored.
	f.length.Store(fi.Size() - fi.Size()%pagemanager.PageSize)
	f.readers = NewStreamPool(path, opts.ReaderPoolSize)
	return f, nil
}

func (f *diskFile) close() error {
	var firstErr error
	if f.readers != nil {
		firstErr = f.readers.Close()
	}
	if f.writer != nil {
		if err := f.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *DiskService) file(origin pagemanager.FileOrigin) *diskFile {
	if origin == pagemanager.OriginLog {
		return d.log
	}
	return d.data
}

// SetCipher enables page encryption. A nil cipher turns it off.
func (d *DiskService) SetCipher(c *encryption.PageCipher) {
	d.cipher.Store(c)
}

// Cache exposes the page cache.
func (d *DiskService) Cache() *memtable.PageCache { return d.cache }

// DataPath is the path of the data file.
func (d *DiskService) DataPath() string { return d.data.path }

// sector keys the cipher by page position and file.
func sector(origin pagemanager.FileOrigin, position int64) uint64 {
	return uint64(position/pagemanager.PageSize) | uint64(origin)<<63
}

// encrypted reports whether the page at position is stored encrypted. The
// header page of the data file stays plaintext so the salt can be read.
func (d *DiskService) encrypted(origin pagemanager.FileOrigin, position int64) *encryption.PageCipher {
	if origin == pagemanager.OriginData && position == 0 {
		return nil
	}
	return d.cipher.Load()
}

// ReadRaw returns the plaintext image at position. The returned slice may be
// shared with the cache and must not be modified.
func (d *DiskService) ReadRaw(origin pagemanager.FileOrigin, position int64) ([]byte, error) {
	if buf, ok := d.cache.Get(origin, position); ok {
		d.metrics.CacheHits.Add(context.Background(), 1)
		return buf, nil
	}
	d.metrics.CacheMisses.Add(context.Background(), 1)
	return d.readDisk(origin, position)
}

func (d *DiskService) readDisk(origin pagemanager.FileOrigin, position int64) ([]byte, error) {
	f := d.file(origin)
	if position < 0 || position%pagemanager.PageSize != 0 {
		return nil, fmt.Errorf("%w: unaligned %s position %d", dberror.ErrInvalidPageData, origin, position)
	}
	if position+pagemanager.PageSize > f.length.Load() {
		return nil, dberror.IO("read "+origin.String()+" page", fmt.Errorf("position %d beyond end of file (%d)", position, f.length.Load()))
	}
	r, err := f.readers.Get()
	if err != nil {
		return nil, dberror.IO("acquire reader", err)
	}
	buf := make([]byte, pagemanager.PageSize)
	_, err = r.ReadAt(buf, position)
	f.readers.Put(r)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, dberror.IO("read "+origin.String()+" page", err)
	}
	if c := d.encrypted(origin, position); c != nil {
		c.Decrypt(buf, buf, sector(origin, position))
	}
	d.metrics.PagesRead.Add(context.Background(), 1, telemetry.OriginAttr(origin.String()))
	return buf, nil
}

// ReadPage reads and decodes the page at position. The result is never
// aliased with any other caller.
func (d *DiskService) ReadPage(origin pagemanager.FileOrigin, position int64) (pagemanager.Page, error) {
	if buf, ok := d.cache.Get(origin, position); ok {
		d.metrics.CacheHits.Add(context.Background(), 1)
		return pagemanager.Decode(buf)
	}
	d.metrics.CacheMisses.Add(context.Background(), 1)

	buf, err := d.readDisk(origin, position)
	if err != nil {
		return nil, err
	}
	p, err := pagemanager.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("%s position %d: %w", origin, position, err)
	}
	d.cache.Add(origin, position, buf)
	return p, nil
}

// ReadPageTolerant decodes a page ignoring its checksum and bypassing the
// cache. It is only used to salvage damaged files.
func (d *DiskService) ReadPageTolerant(origin pagemanager.FileOrigin, position int64) (pagemanager.Page, error) {
	buf, err := d.readDisk(origin, position)
	if err != nil {
		return nil, err
	}
	return pagemanager.DecodeTolerant(buf)
}

// WriteLogPages appends pages to the log file and returns where each landed.
func (d *DiskService) WriteLogPages(pages []pagemanager.Page) ([]pagemanager.PagePosition, error) {
	if d.readOnly {
		return nil, dberror.ErrReadOnly
	}
	f := d.log
	f.mu.Lock()
	defer f.mu.Unlock()

	positions := make([]pagemanager.PagePosition, 0, len(pages))
	position := f.length.Load()
	for _, p := range pages {
		if err := d.writePage(f, p, position); err != nil {
			return nil, err
		}
		positions = append(positions, pagemanager.PagePosition{PageID: p.Header().PageID, Position: position})
		position += pagemanager.PageSize
		f.length.Store(position)
	}
	d.logger.Debug("log pages written", zap.Int("pages", len(pages)), zap.Int64("logBytes", position))
	return positions, nil
}

// WriteDataPages writes pages to the data file at PageID*PageSize.
func (d *DiskService) WriteDataPages(pages []pagemanager.Page) error {
	if d.readOnly {
		return dberror.ErrReadOnly
	}
	f := d.data
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range pages {
		position := int64(p.Header().PageID) * pagemanager.PageSize
		if err := d.writePage(f, p, position); err != nil {
			return err
		}
		if end := position + pagemanager.PageSize; end > f.length.Load() {
			f.length.Store(end)
		}
	}
	d.logger.Debug("data pages written", zap.Int("pages", len(pages)))
	return nil
}

func (d *DiskService) writePage(f *diskFile, p pagemanager.Page, position int64) error {
	buf, err := pagemanager.Encode(p)
	if err != nil {
		return err
	}
	out := buf
	if c := d.encrypted(f.origin, position); c != nil {
		out = make([]byte, len(buf))
		c.Encrypt(out, buf, sector(f.origin, position))
	}
	if _, err := f.writer.WriteAt(out, position); err != nil {
		return dberror.IO("write "+f.origin.String()+" page", err)
	}
	d.cache.Add(f.origin, position, buf)
	d.metrics.PagesWritten.Add(context.Background(), 1, telemetry.OriginAttr(f.origin.String()))
	return nil
}

// ScanLog decodes the log from the start, calling fn for each page. The scan
// stops quietly at the first page that does not decode: a crash may leave a
// torn tail. It returns the length of the valid prefix.
func (d *DiskService) ScanLog(fn func(position int64, p pagemanager.Page) error) (int64, error) {
	length := d.log.length.Load()
	for position := int64(0); position < length; position += pagemanager.PageSize {
		buf, err := d.readDisk(pagemanager.OriginLog, position)
		if err != nil {
			return position, err
		}
		p, err := pagemanager.Decode(buf)
		if err != nil {
			d.logger.Warn("log scan stopped at unreadable page",
				zap.Int64("position", position), zap.Int64("logBytes", length), zap.Error(err))
			return position, nil
		}
		if err := fn(position, p); err != nil {
			return position, err
		}
	}
	return length, nil
}

// Length is the size of a file, rounded down to whole pages.
func (d *DiskService) Length(origin pagemanager.FileOrigin) int64 {
	return d.file(origin).length.Load()
}

// SetLength truncates or extends a file. Cached images of that file are dropped.
func (d *DiskService) SetLength(origin pagemanager.FileOrigin, length int64) error {
	if d.readOnly {
		return dberror.ErrReadOnly
	}
	f := d.file(origin)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writer.Truncate(length); err != nil {
		return dberror.IO("truncate "+origin.String()+" file", err)
	}
	f.length.Store(length)
	d.cache.Purge(origin)
	if origin == pagemanager.OriginData {
		return d.rememberStat()
	}
	return nil
}

// Sync flushes a file to stable storage.
func (d *DiskService) Sync(origin pagemanager.FileOrigin) error {
	if d.readOnly {
		return nil
	}
	f := d.file(origin)
	if err := f.writer.Sync(); err != nil {
		return dberror.IO("sync "+origin.String()+" file", err)
	}
	d.metrics.Syncs.Add(context.Background(), 1, telemetry.OriginAttr(origin.String()))
	if origin == pagemanager.OriginData {
		return d.rememberStat()
	}
	return nil
}

func (d *DiskService) rememberStat() error {
	fi, err := os.Stat(d.data.path)
	if err != nil {
		return dberror.IO("stat data file", err)
	}
	d.statMu.Lock()
	d.lastSize, d.lastMod = fi.Size(), fi.ModTime()
	d.statMu.Unlock()
	return nil
}

// ExternallyModified reports whether the data file changed on disk since this
// service last wrote or synced it. The new state is remembered.
func (d *DiskService) ExternallyModified() (bool, error) {
	fi, err := os.Stat(d.data.path)
	if err != nil {
		return false, dberror.IO("stat data file", err)
	}
	d.statMu.Lock()
	defer d.statMu.Unlock()
	changed := fi.Size() != d.lastSize || !fi.ModTime().Equal(d.lastMod)
	if changed {
		d.lastSize, d.lastMod = fi.Size(), fi.ModTime()
		d.data.length.Store(fi.Size() - fi.Size()%pagemanager.PageSize)
	}
	return changed, nil
}

// Close releases every handle.
func (d *DiskService) Close() error {
	var firstErr error
	for _, f := range []*diskFile{d.data, d.log} {
		if f == nil {
			continue
		}
		if err := f.close(); err != nil && firstErr == nil {
			firstErr = dberror.IO("close "+f.origin.String()+" file", err)
		}
	}
	d.cache.PurgeAll()
	d.logger.Info("disk service closed", zap.String("data", d.data.path))
	return firstErr
}
