package proxy

import "io"

// tolerantWriter 在首次写入失败后吞掉后续写入，避免缓存错误中断对客户端的输出。
type tolerantWriter struct {
	w   io.Writer
	err error
}

func (t *tolerantWriter) Write(p []byte) (int, error) {
	if t.err != nil {
		return len(p), nil
	}
	if _, err := t.w.Write(p); err != nil {
		t.err = err
	}
	return len(p), nil
}
