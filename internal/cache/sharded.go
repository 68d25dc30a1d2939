package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mdcloud/mdcloud/internal/logging"
)

const (
	// IndexFileName 是缓存根目录下的分片索引文件。
	IndexFileName = "shards.json"
	// tempPrefix 标记尚未提交的写入，扫描时忽略。
	tempPrefix = ".cache-"

	defaultSafetyMargin  int64 = 2 << 30
	defaultDiskReserve   int64 = 4 << 30
	defaultScanDelay           = time.Second
	defaultStoreInterval       = time.Minute
	// fallbackEntrySize 用于未声明 Content-Length 的响应。
	fallbackEntrySize int64 = 1 << 20
)

// Options 控制分片磁盘缓存的容量与后台任务节奏。
type Options struct {
	Limit         int64
	SafetyMargin  int64
	DiskReserve   int64
	ScanDelay     time.Duration
	StoreInterval time.Duration
	Logger        *logrus.Logger
	Now           func() time.Time
}

func (o Options) logger() *logrus.Logger {
	if o.Logger == nil {
		return logging.NewDiscard()
	}
	return o.Logger
}

// ShardedStore 是按 sha1 分片的磁盘缓存。
type ShardedStore struct {
	dir       string
	indexPath string
	opts      Options
	logger    *logrus.Logger
	now       func() time.Time
	index     *shardIndex
	names     []string
	freeDisk  atomic.Int64
	running   atomic.Bool
}

var (
	_ Provider = (*ShardedStore)(nil)
	_ Runner   = (*ShardedStore)(nil)
)

// NewShardedStore 创建全部分片目录并尽力加载已有索引；索引读取失败只记录警告。
func NewShardedStore(dir string, opts Options) (*ShardedStore, error) {
	if dir == "" {
		return nil, errors.New("cache directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory: %w", err)
	}
	// 0 使用默认值，负数关闭对应检查。
	if opts.SafetyMargin == 0 {
		opts.SafetyMargin = defaultSafetyMargin
	} else if opts.SafetyMargin < 0 {
		opts.SafetyMargin = 0
	}
	if opts.DiskReserve == 0 {
		opts.DiskReserve = defaultDiskReserve
	}
	if opts.ScanDelay <= 0 {
		opts.ScanDelay = defaultScanDelay
	}
	if opts.StoreInterval <= 0 {
		opts.StoreInterval = defaultStoreInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &ShardedStore{
		dir:       abs,
		indexPath: filepath.Join(abs, IndexFileName),
		opts:      opts,
		logger:    opts.logger(),
		now:       now,
		index:     newShardIndex(),
		names:     shardNames(),
	}
	s.freeDisk.Store(-1)

	for _, name := range s.names {
		if err := os.MkdirAll(filepath.Join(abs, name), 0o755); err != nil {
			return nil, fmt.Errorf("create shard %s: %w", name, err)
		}
		s.removeStaleTemps(name)
	}

	if err := s.index.load(s.indexPath); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_index",
			"path":   s.indexPath,
		}).Warn("failed to load shard index, starting from empty")
	}
	s.index.ensure(s.names, now().UTC())
	s.refreshFreeDisk()

	size, scanned, total := s.index.estimate()
	s.logger.WithFields(logrus.Fields{
		"action":    "cache_index",
		"path":      s.indexPath,
		"shards":    total,
		"scanned":   scanned,
		"estimated": logging.Bytes(size),
	}).Info("shard index loaded")
	return s, nil
}

func (s *ShardedStore) Kind() string { return KindSharded }

// Dir 返回缓存根目录。
func (s *ShardedStore) Dir() string { return s.dir }

// EstimatedSize 返回外推后的缓存总大小。
func (s *ShardedStore) EstimatedSize() int64 {
	size, _, _ := s.index.estimate()
	return size
}

// Shard 返回指定分片的当前描述。
func (s *ShardedStore) Shard(name string) (Shard, bool) {
	return s.index.get(name)
}

// Lookup 打开缓存文件并按魔数识别类型；任何 I/O 错误都视为未命中。
func (s *ShardedStore) Lookup(ctx context.Context, upstream *url.URL, _ string) (*Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrMiss
	}
	key := KeyFor(upstream.EscapedPath())
	f, err := os.Open(filepath.Join(s.dir, key.RelPath()))
	if err != nil {
		return nil, ErrMiss
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return nil, ErrMiss
	}

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, ErrMiss
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, ErrMiss
	}

	return &Hit{
		Body:          f,
		ContentType:   sniffMIME(head[:n]),
		ContentLength: info.Size(),
		LastModified:  info.ModTime().UTC().Format(http.TimeFormat),
		Cache:         "HIT",
		CacheLookup:   "HIT",
	}, nil
}

// Store 先做磁盘余量、估算容量与状态码三项准入检查，通过后返回写入临时文件的 Sink，
// 并立即按声明长度（未知时 1MiB）乐观地累加分片统计。
func (s *ShardedStore) Store(upstream *url.URL, status int, contentLength int64) (Sink, error) {
	if err := s.admit(status); err != nil {
		return nil, err
	}

	key := KeyFor(upstream.EscapedPath())
	target := filepath.Join(s.dir, key.RelPath())
	tmp, err := os.CreateTemp(filepath.Dir(target), tempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	reserved := contentLength
	if reserved <= 0 {
		reserved = fallbackEntrySize
	}
	s.index.bump(key.Shard, reserved, s.now().UTC())

	s.logger.WithFields(logrus.Fields{
		"action":   "cache_store",
		"key":      key.RelPath(),
		"upstream": upstream.EscapedPath(),
		"reserved": reserved,
	}).Debug("cache store admitted")

	return &fileSink{file: tmp, target: target}, nil
}

func (s *ShardedStore) admit(status int) error {
	if free := s.freeDisk.Load(); s.opts.DiskReserve > 0 && free >= 0 && free < s.opts.DiskReserve {
		return fmt.Errorf("%w: free disk space %s below reserve %s", ErrStoreRejected,
			logging.Bytes(free), logging.Bytes(s.opts.DiskReserve))
	}
	if estimated := s.EstimatedSize() + s.opts.SafetyMargin; estimated > s.opts.Limit {
		return fmt.Errorf("%w: estimated cache size %s exceeds limit %s", ErrStoreRejected,
			logging.Bytes(estimated), logging.Bytes(s.opts.Limit))
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrStoreRejected, status)
	}
	return nil
}

func (s *ShardedStore) Stats() Stats {
	size, scanned, total := s.index.estimate()
	return Stats{
		Kind:          KindSharded,
		Target:        s.dir,
		EstimatedSize: size,
		Limit:         s.opts.Limit,
		ScannedShards: scanned,
		TotalShards:   total,
		FreeDisk:      s.freeDisk.Load(),
	}
}

// Run 启动分片扫描与索引持久化两个后台循环，ctx 取消后落盘一次索引并返回。
// 重复调用直接返回错误。
func (s *ShardedStore) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("shard watcher already running")
	}
	defer s.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.scanLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.persistLoop(gctx)
		return nil
	})
	err := g.Wait()
	s.persistIndex()
	return err
}

// scanLoop 无限轮询所有分片；非空分片之间等待 ScanDelay，空分片直接跳过。
// 一整轮都没有等待时在轮末补一次等待，避免空缓存空转。
func (s *ShardedStore) scanLoop(ctx context.Context) {
	for {
		waited := false
		for _, name := range s.names {
			if ctx.Err() != nil {
				return
			}
			shard := s.ScanShard(name)
			if shard.Entries > 0 {
				if !sleepContext(ctx, s.opts.ScanDelay) {
					return
				}
				waited = true
			}
		}
		if !waited && !sleepContext(ctx, s.opts.ScanDelay) {
			return
		}
	}
}

func (s *ShardedStore) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.StoreInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshFreeDisk()
			s.persistIndex()
		}
	}
}

// ScanShard 列出分片目录并以扫描结果整体替换该分片描述。
func (s *ShardedStore) ScanShard(name string) Shard {
	dir := filepath.Join(s.dir, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_scan",
			"shard":  name,
		}).Warn("failed to scan shard")
		shard, _ := s.index.get(name)
		return shard
	}

	var count, size int64
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		count++
		size += info.Size()
	}
	shard := Shard{ScannedAt: s.now().UTC(), Entries: count, Size: size}
	s.index.set(name, shard)
	return shard
}

// removeStaleTemps 清理上次进程中断时遗留的临时文件。
func (s *ShardedStore) removeStaleTemps(name string) {
	matches, err := filepath.Glob(filepath.Join(s.dir, name, tempPrefix+"*"))
	if err != nil {
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action": "cache_init",
				"path":   path,
			}).Warn("failed to remove stale temp file")
		}
	}
}

func (s *ShardedStore) persistIndex() {
	if err := s.index.save(s.indexPath); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_index",
			"path":   s.indexPath,
		}).Warn("failed to save shard index")
		return
	}
	size, scanned, total := s.index.estimate()
	s.logger.WithFields(logrus.Fields{
		"action":    "cache_index",
		"path":      s.indexPath,
		"shards":    total,
		"scanned":   scanned,
		"estimated": logging.Bytes(size),
	}).Debug("shard index saved")
}

func (s *ShardedStore) refreshFreeDisk() {
	free, err := diskFree(s.dir)
	if err != nil {
		s.freeDisk.Store(-1)
		return
	}
	s.freeDisk.Store(free)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// fileSink 写入分片目录中的临时文件，Commit 时 rename 到目标路径。
type fileSink struct {
	file   *os.File
	target string
	done   bool
}

func (f *fileSink) Write(p []byte) (int, error) {
	return f.file.Write(p)
}

func (f *fileSink) Commit() error {
	if f.done {
		return nil
	}
	f.done = true
	name := f.file.Name()
	if err := f.file.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, f.target); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func (f *fileSink) Abort() {
	if f.done {
		return
	}
	f.done = true
	name := f.file.Name()
	f.file.Close()
	os.Remove(name)
}
