//go:build linux || darwin

package cache

import "golang.org/x/sys/unix"

// diskFree 返回 dir 所在卷对非特权用户可用的字节数。
func diskFree(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return -1, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
