package cache

import "bytes"

const mimeOctetStream = "application/octet-stream"

var signatures = []struct {
	magic []byte
	mime  string
}{
	{[]byte{0xFF, 0xD8, 0xFF}, "image/jpeg"},
	{[]byte{0x52, 0x49, 0x46, 0x46}, "image/webp"},
	{[]byte{0x89, 0x50, 0x4E, 0x47}, "image/png"},
	{[]byte{0x47, 0x49, 0x46, 0x38}, "image/gif"},
	{[]byte{0x42, 0x4D}, "image/bmp"},
}

// sniffMIME 按文件头魔数识别图片类型，未知类型返回 application/octet-stream。
func sniffMIME(head []byte) string {
	for _, sig := range signatures {
		if bytes.HasPrefix(head, sig.magic) {
			return sig.mime
		}
	}
	return mimeOctetStream
}
