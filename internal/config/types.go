package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 表示字节数，支持 "80GiB"、"1 TB" 或纯数字写法。
type ByteSize int64

// UnmarshalText 借助 humanize 解析带单位的容量字符串。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Int64 返回原始字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String 以 IEC 单位输出，便于日志阅读。
func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size value: %s", raw)
	}
	return ByteSize(parsed), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述节点自身的监听、凭证与日志参数。
type GlobalConfig struct {
	ClientSecret    string   `mapstructure:"ClientSecret"`
	ListenHost      string   `mapstructure:"ListenHost"`
	ListenPort      int      `mapstructure:"ListenPort"`
	PinListenPort   bool     `mapstructure:"PinListenPort"`
	AdvertisedIP    string   `mapstructure:"AdvertisedIP"`
	GracePeriod     Duration `mapstructure:"GracePeriod"`
	DiagnosticsAddr string   `mapstructure:"DiagnosticsAddr"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
}

// ControlConfig 控制与控制面之间的会话续约行为。
type ControlConfig struct {
	Server       string   `mapstructure:"Server"`
	Timeout      Duration `mapstructure:"Timeout"`
	PingInterval Duration `mapstructure:"PingInterval"`
	MaxStaleness Duration `mapstructure:"MaxStaleness"`
	DiskSpace    ByteSize `mapstructure:"DiskSpace"`
	NetworkSpeed ByteSize `mapstructure:"NetworkSpeed"`
}

// CacheConfig 决定缓存提供者的类型与容量。
// Target 为 http(s) 地址时使用 CDN 代理，为目录时使用分片磁盘缓存。
type CacheConfig struct {
	Target             string   `mapstructure:"Target"`
	Size               ByteSize `mapstructure:"Size"`
	ShardScanDelay     Duration `mapstructure:"ShardScanDelay"`
	IndexStoreInterval Duration `mapstructure:"IndexStoreInterval"`
}

// UpstreamConfig 描述回源行为。
type UpstreamConfig struct {
	Override string   `mapstructure:"Override"`
	Timeout  Duration `mapstructure:"Timeout"`
}

// PolicyConfig 是请求校验使用的域名与豁免列表。
type PolicyConfig struct {
	HostSuffix      string   `mapstructure:"HostSuffix"`
	RefererDomain   string   `mapstructure:"RefererDomain"`
	AllowedOrigin   string   `mapstructure:"AllowedOrigin"`
	TokenExemptions []string `mapstructure:"TokenExemptions"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Control  ControlConfig  `mapstructure:"Control"`
	Cache    CacheConfig    `mapstructure:"Cache"`
	Upstream UpstreamConfig `mapstructure:"Upstream"`
	Policy   PolicyConfig   `mapstructure:"Policy"`
}

// ListenAddr 返回 host:port 形式的监听地址。
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Global.ListenHost, c.Global.ListenPort)
}
