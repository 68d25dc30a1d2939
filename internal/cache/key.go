package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
)

const (
	shardNameLength = 2
	fileNameLength  = 24
	// shardCount 为 16^shardNameLength。
	shardCount = 1 << (4 * shardNameLength)
)

// Key 是由上游路径派生的缓存位置。
type Key struct {
	Shard string
	File  string
}

// KeyFor 对上游路径做 sha1，前缀作为分片目录，尾部作为文件名。
func KeyFor(upstreamPath string) Key {
	sum := sha1.Sum([]byte(upstreamPath))
	digest := hex.EncodeToString(sum[:])
	return Key{
		Shard: digest[:shardNameLength],
		File:  digest[len(digest)-fileNameLength:],
	}
}

// RelPath 返回相对缓存根目录的文件路径。
func (k Key) RelPath() string {
	return filepath.Join(k.Shard, k.File)
}

// shardNames 按顺序列出全部分片名称。
func shardNames() []string {
	names := make([]string, shardCount)
	for i := range names {
		names[i] = hexName(i)
	}
	return names
}

func hexName(i int) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, shardNameLength)
	for pos := shardNameLength - 1; pos >= 0; pos-- {
		buf[pos] = digits[i&0xF]
		i >>= 4
	}
	return string(buf)
}

func isShardName(name string) bool {
	if len(name) != shardNameLength {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
