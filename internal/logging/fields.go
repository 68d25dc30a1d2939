package logging

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求 ID、来源 IP 与路径字段，供校验与代理日志复用。
func RequestFields(requestID, ip, path string) logrus.Fields {
	fields := logrus.Fields{
		"ip":   ip,
		"path": path,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// Bytes 以 IEC 单位渲染字节数，负数（未知）原样输出。
func Bytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(n))
}
