package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if strings.TrimSpace(g.ClientSecret) == "" {
		return newFieldError("Global.ClientSecret", "不能为空")
	}
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.AdvertisedIP != "" && net.ParseIP(g.AdvertisedIP) == nil {
		return newFieldError("Global.AdvertisedIP", "不是合法的 IP 地址")
	}
	if g.GracePeriod.DurationValue() < 0 {
		return newFieldError("Global.GracePeriod", "不能为负数")
	}
	if g.DiagnosticsAddr != "" {
		if _, _, err := net.SplitHostPort(g.DiagnosticsAddr); err != nil {
			return newFieldError("Global.DiagnosticsAddr", "必须是 host:port 形式")
		}
	}

	ctl := c.Control
	if err := validateUpstream(ctl.Server); err != nil {
		return fmt.Errorf("Control.Server: %w", err)
	}
	if ctl.Timeout.DurationValue() <= 0 {
		return newFieldError("Control.Timeout", "必须大于 0")
	}
	if ctl.PingInterval.DurationValue() <= 0 {
		return newFieldError("Control.PingInterval", "必须大于 0")
	}
	if ctl.MaxStaleness.DurationValue() < 0 {
		return newFieldError("Control.MaxStaleness", "不能为负数")
	}
	if ctl.DiskSpace < 0 {
		return newFieldError("Control.DiskSpace", "不能为负数")
	}
	if ctl.NetworkSpeed < 0 {
		return newFieldError("Control.NetworkSpeed", "不能为负数")
	}

	if c.Cache.Size < 0 {
		return newFieldError("Cache.Size", "不能为负数")
	}
	if c.Cache.ShardScanDelay.DurationValue() < 0 {
		return newFieldError("Cache.ShardScanDelay", "不能为负数")
	}
	if c.Cache.IndexStoreInterval.DurationValue() <= 0 {
		return newFieldError("Cache.IndexStoreInterval", "必须大于 0")
	}

	if c.Upstream.Override != "" {
		if err := validateUpstream(c.Upstream.Override); err != nil {
			return fmt.Errorf("Upstream.Override: %w", err)
		}
	}
	if c.Upstream.Timeout.DurationValue() <= 0 {
		return newFieldError("Upstream.Timeout", "必须大于 0")
	}

	if c.Policy.HostSuffix == "" {
		return newFieldError("Policy.HostSuffix", "不能为空")
	}
	if c.Policy.RefererDomain == "" {
		return newFieldError("Policy.RefererDomain", "不能为空")
	}
	for _, hash := range c.Policy.TokenExemptions {
		if !isHex(hash) {
			return newFieldError("Policy.TokenExemptions", fmt.Sprintf("非法章节哈希: %s", hash))
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func isHex(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
