package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/config"
	"github.com/any-hub/appshell/internal/logging"
	"github.com/any-hub/appshell/internal/proxy"
	"github.com/any-hub/appshell/internal/server"
	"github.com/any-hub/appshell/internal/server/routes"
	"github.com/any-hub/appshell/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
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

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	registry, err := server.NewAppRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 App 注册表失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		return checkManifests(registry, logger, opts.configPath)
	}

	// CLI 启动遵循“配置 → 磁盘缓存 → AppRegistry → 安装/激活 → 清单监听 → Fiber server”顺序，
	// 保证首个请求到达时壳资源已经就绪。
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	if err := registry.AttachLifecycles(cfg, store, logger); err != nil {
		fmt.Fprintf(stdErr, "初始化生命周期失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["apps"] = config.AppNames(cfg.Apps)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	registry.InstallAll(ctx, cfg, logger)
	waitWatchers := registry.WatchManifests(ctx, cfg, logger)
	defer waitWatchers()

	forwarder := proxy.NewForwarder(proxy.NewHandler(logger), logger)
	if err := startHTTPServer(ctx, cfg, registry, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// checkManifests 在 --check-config 模式下额外校验每个 App 的资源清单可读且合法。
func checkManifests(registry *server.AppRegistry, logger *logrus.Logger, configPath string) int {
	fields := logging.BaseFields("check_config", configPath)
	failed := 0
	for _, route := range registry.List() {
		m, err := route.LoadManifest()
		if err != nil {
			failed++
			logger.WithFields(fields).WithField("app", route.Config.Name).WithError(err).Error("清单校验失败")
			continue
		}
		logger.WithFields(fields).WithFields(logrus.Fields{
			"app":       route.Config.Name,
			"resources": len(m.Resources),
			"core":      len(m.Core),
			"digest":    m.Digest(),
		}).Info("清单校验通过")
	}
	if failed > 0 {
		fmt.Fprintf(stdErr, "%d 个 App 的清单无效\n", failed)
		return 1
	}
	fields["apps"] = len(registry.List())
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("appshell", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 APPSHELL_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置与资源清单后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("APPSHELL_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.AppRegistry, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterAppRoutes(ctx, app, registry, logger)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("收到退出信号，停止服务")
		if err := app.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
