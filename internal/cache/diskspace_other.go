//go:build !linux && !darwin

package cache

import "errors"

func diskFree(string) (int64, error) {
	return -1, errors.New("free disk space probe unsupported on this platform")
}
