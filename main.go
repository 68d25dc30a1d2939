package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mdcloud/mdcloud/internal/cache"
	"github.com/mdcloud/mdcloud/internal/config"
	"github.com/mdcloud/mdcloud/internal/logging"
	"github.com/mdcloud/mdcloud/internal/proxy"
	"github.com/mdcloud/mdcloud/internal/server"
	"github.com/mdcloud/mdcloud/internal/server/routes"
	"github.com/mdcloud/mdcloud/internal/session"
	"github.com/mdcloud/mdcloud/internal/upstream"
	"github.com/mdcloud/mdcloud/internal/validator"
	"github.com/mdcloud/mdcloud/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	// overrides 只包含显式传入的标志，以 viper key 覆盖配置文件。
	overrides map[string]interface{}
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath, opts.overrides)
	if err != nil {
		if fe, ok := config.AsFieldError(err); ok {
			fmt.Fprintf(stdErr, "配置字段 %s 无效: %s\n", fe.Field, fe.Reason)
			return 1
		}
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("check_config", opts.configPath)
	fields["control"] = cfg.Control.Server
	fields["cache_target"] = cfg.Cache.Target
	fields["cache_size"] = cfg.Cache.Size.String()
	fields["listen"] = cfg.ListenAddr()
	if opts.checkOnly {
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	fields["action"] = "startup"
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startNode(ctx, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "节点运行失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("mdcloud", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		secret     string
		ip         string
		port       int
		cacheDir   string
		sizeGB     int
		logLevel   string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MDCLOUD_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&secret, "secret", "", "控制面分配的客户端密钥")
	fs.StringVar(&ip, "ip", "", "向控制面声明的公网 IP")
	fs.IntVar(&port, "port", 0, "监听端口")
	fs.StringVar(&cacheDir, "cache", "", "缓存目录或 CDN 地址")
	fs.IntVar(&sizeGB, "size", 0, "缓存容量（GiB）")
	fs.StringVar(&logLevel, "log-level", "", "日志级别")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if fs.NArg() > 0 {
		return cliOptions{}, fmt.Errorf("解析参数失败: 未知参数 %v", fs.Args())
	}

	overrides := make(map[string]interface{})
	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "secret":
			overrides["ClientSecret"] = secret
		case "ip":
			overrides["AdvertisedIP"] = ip
		case "port":
			overrides["ListenPort"] = port
		case "cache":
			overrides["Cache.Target"] = cacheDir
		case "size":
			if sizeGB < 0 {
				flagErr = errors.New("解析参数失败: --size 不能为负数")
				return
			}
			overrides["Cache.Size"] = fmt.Sprintf("%dGiB", sizeGB)
		case "log-level":
			overrides["LogLevel"] = logLevel
		}
	})
	if flagErr != nil {
		return cliOptions{}, flagErr
	}

	path := os.Getenv("MDCLOUD_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		if _, err := os.Stat("config.toml"); err == nil {
			path = "config.toml"
		}
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		overrides:   overrides,
	}, nil
}

// startNode 按“缓存 → 会话 → 校验器 → 服务管线 → TLS 监听”顺序组装节点，
// 并在 ctx 取消或会话过期后优雅退出。
func startNode(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	client := upstream.NewClient(cfg.Upstream.Timeout.DurationValue())
	provider := cache.NewProvider(cfg.Cache.Target, client, cache.Options{
		Limit:         cfg.Cache.Size.Int64(),
		ScanDelay:     cfg.Cache.ShardScanDelay.DurationValue(),
		StoreInterval: cfg.Cache.IndexStoreInterval.DurationValue(),
		Logger:        logger,
	})
	logger.WithFields(logrus.Fields{
		"action": "cache_init",
		"kind":   provider.Kind(),
		"target": cfg.Cache.Target,
	}).Info("缓存提供者就绪")

	resolver, err := upstream.NewResolver(cfg.Upstream.Override)
	if err != nil {
		return err
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	holder := &server.CertificateHolder{}
	controller := session.New(session.Options{
		ControlServer: cfg.Control.Server,
		Secret:        cfg.Global.ClientSecret,
		Port:          cfg.Global.ListenPort,
		AdvertisedIP:  cfg.Global.AdvertisedIP,
		DiskSpace:     cfg.Control.DiskSpace.Int64(),
		NetworkSpeed:  cfg.Control.NetworkSpeed.Int64(),
		Interval:      cfg.Control.PingInterval.DurationValue(),
		Timeout:       cfg.Control.Timeout.DurationValue(),
		MaxStaleness:  cfg.Control.MaxStaleness.DurationValue(),
		HTTPClient:    upstream.NewHTTPClient(cfg.Control.Timeout.DurationValue()),
		Logger:        logger,
		Reconfigurer:  holder,
		OnStale: func() {
			logger.WithField("action", "session_stale").Error("会话配置已过期，节点开始关闭")
			cancel()
		},
	})

	state, err := controller.Connect(ctx)
	if err != nil {
		return fmt.Errorf("连接控制面失败: %w", err)
	}
	if state.Identity == nil || !holder.Loaded() {
		disconnectCtx, done := context.WithTimeout(context.Background(), cfg.Control.Timeout.DurationValue())
		defer done()
		controller.Disconnect(disconnectCtx)
		return errors.New("控制面未下发 TLS 证书")
	}
	listenAddr := bindAddr(cfg, state)
	logger.WithFields(logrus.Fields{
		"action":    "session_ping",
		"public":    state.ListenAddr(),
		"listen":    listenAddr,
		"image_url": state.URL,
	}).Info("节点已注册")
	if cfg.Global.PinListenPort && state.Port != 0 && state.Port != cfg.Global.ListenPort {
		logger.WithFields(logrus.Fields{
			"action":      "session_ping",
			"public_port": state.Port,
			"listen_port": cfg.Global.ListenPort,
		}).Warn("已固定本地监听端口，与控制面声明的端口不同，请确认端口转发")
	}

	checker := validator.New(validator.Options{
		HostSuffix:    cfg.Policy.HostSuffix,
		RefererDomain: cfg.Policy.RefererDomain,
		Exemptions:    cfg.Policy.TokenExemptions,
		Policy:        controller,
	})
	handler, err := proxy.NewHandler(proxy.Options{
		Logger:        logger,
		Validator:     checker,
		Resolver:      resolver,
		Origins:       controller,
		Cache:         provider,
		Fetcher:       client,
		AllowedOrigin: cfg.Policy.AllowedOrigin,
	})
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(nodeCtx)
	grace := cfg.Global.GracePeriod.DurationValue()

	// gctx 结束即向控制面发送 stop，与监听的优雅关闭并行进行。
	group.Go(func() error {
		<-gctx.Done()
		disconnectCtx, done := context.WithTimeout(context.Background(), cfg.Control.Timeout.DurationValue())
		defer done()
		controller.Disconnect(disconnectCtx)
		return nil
	})

	if err := serveImages(gctx, group, listenAddr, logger, handler, holder, grace); err != nil {
		cancel()
		group.Wait()
		return err
	}

	if runner, ok := provider.(cache.Runner); ok {
		group.Go(func() error {
			return runner.Run(gctx)
		})
	}

	if cfg.Global.DiagnosticsAddr != "" {
		if err := serveDiagnostics(gctx, group, cfg, logger, controller, provider, grace); err != nil {
			cancel()
			group.Wait()
			return err
		}
	}

	err = group.Wait()
	logger.WithField("action", "shutdown").Info("节点已停止")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// bindAddr 返回图片服务的监听地址：主机取自 ListenHost，端口取自控制面返回的 url，
// PinListenPort 打开时保持本地配置的端口。
func bindAddr(cfg *config.Config, state *session.State) string {
	if cfg.Global.PinListenPort || state == nil || state.Port == 0 {
		return cfg.ListenAddr()
	}
	return net.JoinHostPort(cfg.Global.ListenHost, strconv.Itoa(state.Port))
}

func serveImages(ctx context.Context, group *errgroup.Group, addr string, logger *logrus.Logger, handler *proxy.Handler, holder *server.CertificateHolder, grace time.Duration) error {
	app, err := server.NewApp(server.AppOptions{
		Logger:       logger,
		Handler:      handler.Handle,
		ServerHeader: version.Identifier(),
	})
	if err != nil {
		return err
	}
	ln, err := server.Listen(addr, holder.TLSConfig())
	if err != nil {
		return err
	}
	group.Go(func() error {
		return server.Serve(ctx, app, ln, grace, logger)
	})
	return nil
}

func serveDiagnostics(ctx context.Context, group *errgroup.Group, cfg *config.Config, logger *logrus.Logger, sessions routes.SessionSource, store routes.CacheSource, grace time.Duration) error {
	app, err := server.NewApp(server.AppOptions{
		Logger:       logger,
		ServerHeader: version.Identifier(),
	})
	if err != nil {
		return err
	}
	routes.RegisterStatusRoutes(app, sessions, store)
	ln, err := server.Listen(cfg.Global.DiagnosticsAddr, nil)
	if err != nil {
		return err
	}
	group.Go(func() error {
		return server.Serve(ctx, app, ln, grace, logger)
	})
	return nil
}
