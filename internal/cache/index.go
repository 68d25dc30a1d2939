package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Shard 是单个分片的统计描述；Entries 为 -1 表示重启后尚未扫描。
type Shard struct {
	ScannedAt time.Time `json:"ts"`
	Entries   int64     `json:"entries"`
	Size      int64     `json:"size"`
}

// Scanned 判断分片是否已有确认的扫描结果。
func (s Shard) Scanned() bool {
	return s.Entries > -1
}

// shardIndex 保存所有分片描述；只允许整体替换单个描述。
type shardIndex struct {
	mu     sync.RWMutex
	shards map[string]Shard
}

func newShardIndex() *shardIndex {
	return &shardIndex{shards: make(map[string]Shard, shardCount)}
}

func (x *shardIndex) get(name string) (Shard, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	shard, ok := x.shards[name]
	return shard, ok
}

func (x *shardIndex) set(name string, shard Shard) {
	x.mu.Lock()
	x.shards[name] = shard
	x.mu.Unlock()
}

// bump 在写入后乐观地增加条目数与大小，直到下一次扫描给出真实值。
func (x *shardIndex) bump(name string, size int64, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	prev := x.shards[name]
	entries := int64(1)
	if prev.Entries > -1 {
		entries = prev.Entries + 1
	}
	x.shards[name] = Shard{ScannedAt: now, Entries: entries, Size: prev.Size + size}
}

// ensure 为缺失的分片补上未扫描描述。
func (x *shardIndex) ensure(names []string, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, name := range names {
		if _, ok := x.shards[name]; !ok {
			x.shards[name] = Shard{ScannedAt: now, Entries: -1}
		}
	}
}

// estimate 以已扫描分片的平均值外推到全部分片：sum * all / max(scanned, 1)。
func (x *shardIndex) estimate() (size int64, scanned int, total int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var sum int64
	for _, shard := range x.shards {
		if shard.Scanned() {
			scanned++
			sum += shard.Size
		}
	}
	total = len(x.shards)
	divisor := int64(scanned)
	if divisor == 0 {
		divisor = 1
	}
	return sum * int64(total) / divisor, scanned, total
}

// MarshalJSON 输出 [[name, shard], ...] 形式的有序数组。
func (x *shardIndex) MarshalJSON() ([]byte, error) {
	x.mu.RLock()
	names := make([]string, 0, len(x.shards))
	for name := range x.shards {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([][2]interface{}, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, [2]interface{}{name, x.shards[name]})
	}
	x.mu.RUnlock()
	return json.Marshal(pairs)
}

// UnmarshalJSON 读取 [[name, shard], ...]，忽略非法的分片名称。
func (x *shardIndex) UnmarshalJSON(data []byte) error {
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	loaded := make(map[string]Shard, len(pairs))
	for _, pair := range pairs {
		var name string
		if err := json.Unmarshal(pair[0], &name); err != nil {
			return fmt.Errorf("shard name: %w", err)
		}
		if !isShardName(name) {
			continue
		}
		var shard Shard
		if err := json.Unmarshal(pair[1], &shard); err != nil {
			return fmt.Errorf("shard %s: %w", name, err)
		}
		loaded[name] = shard
	}
	x.mu.Lock()
	x.shards = loaded
	x.mu.Unlock()
	return nil
}

// load 从索引文件读取分片描述。
func (x *shardIndex) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, x)
}

// save 通过临时文件 + rename 原子写入索引文件。
func (x *shardIndex) save(path string) error {
	data, err := json.MarshalIndent(x, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
