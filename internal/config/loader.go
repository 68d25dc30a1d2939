package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultControlServer 是网络控制面的默认地址。
const DefaultControlServer = "https://api.mangadex.network"

// DefaultTokenExemptions 是上游网络自身豁免 token 校验的章节哈希。
var DefaultTokenExemptions = []string{
	"1b682e7b24ae7dbdc5064eeeb8e8e353",
	"8172a46adc798f4f4ace6663322a383e",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// path 为空时仅使用默认值；overrides 以 viper key 覆盖文件中的值（CLI 标志）。
func Load(path string, overrides map[string]interface{}) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MDCLOUD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}
	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if target := cfg.Cache.Target; target != "" && !isRemoteTarget(target) {
		abs, err := filepath.Abs(target)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Cache.Target = abs
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ClientSecret", "")
	v.SetDefault("ListenHost", "0.0.0.0")
	v.SetDefault("ListenPort", 443)
	v.SetDefault("PinListenPort", false)
	v.SetDefault("AdvertisedIP", "")
	v.SetDefault("GracePeriod", "5s")
	v.SetDefault("DiagnosticsAddr", "127.0.0.1:44380")
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)

	v.SetDefault("Control.Server", DefaultControlServer)
	v.SetDefault("Control.Timeout", "15s")
	v.SetDefault("Control.PingInterval", "60s")
	v.SetDefault("Control.MaxStaleness", "30m")
	v.SetDefault("Control.DiskSpace", "1TiB")
	v.SetDefault("Control.NetworkSpeed", "0")

	v.SetDefault("Cache.Target", "./cache")
	v.SetDefault("Cache.Size", "64GiB")
	v.SetDefault("Cache.ShardScanDelay", "1s")
	v.SetDefault("Cache.IndexStoreInterval", "60s")

	v.SetDefault("Upstream.Override", "")
	v.SetDefault("Upstream.Timeout", "30s")

	v.SetDefault("Policy.HostSuffix", ".mangadex.network")
	v.SetDefault("Policy.RefererDomain", "mangadex.org")
	v.SetDefault("Policy.AllowedOrigin", "https://mangadex.org")
	v.SetDefault("Policy.TokenExemptions", DefaultTokenExemptions)
}

func applyDefaults(cfg *Config) {
	if cfg.Global.ListenHost == "" {
		cfg.Global.ListenHost = "0.0.0.0"
	}
	if cfg.Global.GracePeriod.DurationValue() == 0 {
		cfg.Global.GracePeriod = Duration(5 * time.Second)
	}
	if cfg.Control.Server == "" {
		cfg.Control.Server = DefaultControlServer
	}
	if cfg.Control.Timeout.DurationValue() == 0 {
		cfg.Control.Timeout = Duration(15 * time.Second)
	}
	if cfg.Control.PingInterval.DurationValue() == 0 {
		cfg.Control.PingInterval = Duration(time.Minute)
	}
	if cfg.Cache.ShardScanDelay.DurationValue() == 0 {
		cfg.Cache.ShardScanDelay = Duration(time.Second)
	}
	if cfg.Cache.IndexStoreInterval.DurationValue() == 0 {
		cfg.Cache.IndexStoreInterval = Duration(time.Minute)
	}
	if cfg.Upstream.Timeout.DurationValue() == 0 {
		cfg.Upstream.Timeout = Duration(30 * time.Second)
	}
	cfg.Control.Server = strings.TrimRight(cfg.Control.Server, "/")
	cfg.Policy.HostSuffix = strings.ToLower(strings.TrimSpace(cfg.Policy.HostSuffix))
	cfg.Policy.RefererDomain = strings.ToLower(strings.TrimSpace(cfg.Policy.RefererDomain))
	exemptions := make([]string, 0, len(cfg.Policy.TokenExemptions))
	for _, hash := range cfg.Policy.TokenExemptions {
		if trimmed := strings.ToLower(strings.TrimSpace(hash)); trimmed != "" {
			exemptions = append(exemptions, trimmed)
		}
	}
	cfg.Policy.TokenExemptions = exemptions
}

func isRemoteTarget(target string) bool {
	lower := strings.ToLower(target)
	return strings.HasPrefix(lower, "http:") || strings.HasPrefix(lower, "https:")
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := parseByteSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析容量字段: %s", v)
			}
			return parsed, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}
