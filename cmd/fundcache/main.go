package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"fundcache/pkg/cache"
	"fundcache/pkg/config"
	"fundcache/pkg/logger"
	"fundcache/pkg/scheduler"
	"fundcache/pkg/server"
	"fundcache/pkg/statsink"
)

var (
	configPath = flag.String("config", "", "配置文件路径 (例如 config/fundcache.yaml)")
	backend    = flag.String("backend", "", "持久层后端 (bolt, file, redis, memory)，覆盖配置文件")
	listenAddr = flag.String("addr", "", "管理接口监听地址，覆盖配置文件")
	logLevel   = flag.String("log-level", "", "日志级别 (debug, info, warn, error)")
	logFormat  = flag.String("log-format", "", "日志格式 (json 或 text)")
	batchSize  = flag.Int("batch-size", 0, "sweep 命令每批扫描的键数量，0 表示使用配置")
)

const usage = `用法: fundcache [flags] <command> [args]

命令:
  serve          启动定时清理与管理接口，直到收到退出信号
  stats          打印缓存统计
  get <key>      打印键对应的值
  remove <key>   删除键的所有表示
  clear          清空缓存
  sweep          执行一次主动清理
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg)

	logger.Init(cfg.Logging)
	log := logger.WithComponent("fundcache")
	log.Debugf("配置参数: config=%s, backend=%s, command=%s", *configPath, cfg.Storage.Backend, args[0])

	store, err := cfg.NewStore()
	if err != nil {
		log.WithError(err).Error("创建持久层失败")
		os.Exit(1)
	}

	c := cache.New(store, cache.WithConfig(cfg.Cache))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = c.Initialize(ctx)
	cancel()
	if err != nil {
		log.WithError(err).Error("初始化缓存失败")
		os.Exit(1)
	}
	defer c.Close()

	if err := run(cfg, c, log, args); err != nil {
		log.WithError(err).Error("命令执行失败")
		c.Close()
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config) {
	if *backend != "" {
		cfg.SetBackend(*backend)
	}
	if *listenAddr != "" {
		cfg.Server.Addr = *listenAddr
	}
	if *logLevel != "" {
		cfg.SetLogLevel(*logLevel)
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *batchSize > 0 {
		cfg.Sweep.BatchSize = *batchSize
	}
}

func run(cfg *config.Config, c *cache.Cache, log *logrus.Entry, args []string) error {
	ctx := context.Background()

	switch args[0] {
	case "serve":
		return serve(cfg, c, log)

	case "stats":
		return printJSON(c.Stats(ctx))

	case "get":
		if len(args) < 2 {
			return fmt.Errorf("get 需要一个键")
		}
		var raw jsoniter.RawMessage
		if !c.Get(ctx, args[1], &raw) {
			return fmt.Errorf("缓存中没有该键: %s", args[1])
		}
		_, err := os.Stdout.Write(append(raw, '\n'))
		return err

	case "remove":
		if len(args) < 2 {
			return fmt.Errorf("remove 需要一个键")
		}
		c.Remove(ctx, args[1])
		log.WithField("key", args[1]).Info("已删除")
		return nil

	case "clear":
		c.Clear(ctx)
		log.Info("缓存已清空")
		return nil

	case "sweep":
		if cfg.Sweep.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Sweep.Timeout)
			defer cancel()
		}
		return printJSON(c.CleanupExpired(ctx, cfg.Sweep.BatchSize))

	default:
		flag.Usage()
		return fmt.Errorf("未知命令: %s", args[0])
	}
}

func serve(cfg *config.Config, c *cache.Cache, log *logrus.Entry) error {
	sched := scheduler.New()
	defer func() {
		if err := sched.Stop(); err != nil {
			log.WithError(err).Warn("停止调度器失败")
		}
	}()

	// 定时清理
	sweeper := cache.NewSweeper(c, sched)
	if cfg.Sweep.Enabled {
		if err := sweeper.ScheduleJob(cfg.SweepJob()); err != nil {
			return fmt.Errorf("注册清理任务失败: %w", err)
		}
	}

	// InfluxDB 统计上报
	if cfg.Influx.URL != "" {
		reporter := statsink.NewInfluxReporter(cfg.Influx, c)
		defer reporter.Close()
		if err := reporter.Schedule(sched); err != nil {
			return fmt.Errorf("注册统计上报任务失败: %w", err)
		}
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("启动调度器失败: %w", err)
	}

	// 管理接口
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			cache.NewCollector(c, cfg.Metrics.Namespace),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		gatherer = reg
	}

	var admin *server.AdminServer
	if cfg.Server.Addr != "" {
		admin = server.NewAdminServer(cfg.Server, c, gatherer, cfg.Sweep.BatchSize).WithJobs(sched)
		if err := admin.Start(); err != nil {
			return fmt.Errorf("启动管理接口失败: %w", err)
		}
	}

	log.WithFields(logrus.Fields{
		"backend": cfg.Storage.Backend,
		"addr":    cfg.Server.Addr,
		"sweep":   cfg.Sweep.Schedule,
	}).Info("fundcache 已启动")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("收到退出信号，正在关闭")

	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := admin.Stop(shutdownCtx); err != nil {
			log.WithError(err).Error("关闭管理接口失败")
		}
	}
	return nil
}

func printJSON(v interface{}) error {
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}
