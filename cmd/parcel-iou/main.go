// 程序入口：读取配置、执行一次参考集与预测集的 IoU 比对，汇总结果写到标准输出，日志写到标准错误
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"parcel-iou/internal/compare"
	"parcel-iou/internal/config"
	"parcel-iou/internal/dataset"
	"parcel-iou/internal/logger"
	"parcel-iou/internal/metrics"
	"parcel-iou/internal/report"
	"parcel-iou/internal/utils"
	"parcel-iou/internal/version"
)

// 退出码
const (
	exitOK               = 0
	exitMissingInput     = 1
	exitUsage            = 2
	exitInsufficientData = 3
	exitFailure          = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	config.LoadDotenv()
	cfg := config.FromEnv()
	fs := flag.NewFlagSet("parcel-iou", flag.ContinueOnError)
	cfg.Bind(fs)
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitUsage
	}
	if *showVersion {
		fmt.Println(version.String())
		return exitOK
	}

	l := logger.SetupWith(os.Stderr, cfg.Verbose)
	l.Debug("log_init_ok", "version", version.String())
	if err := cfg.Validate(); err != nil {
		l.Error("config_invalid", "err", err)
		fs.Usage()
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []compare.Option{compare.WithLogger(l), compare.WithWorkers(cfg.Workers)}
	if cfg.CacheEnable {
		rdb, err := utils.OpenRedisFromEnv(ctx)
		if err != nil {
			l.Warn("cache_unavailable", "err", err)
		} else {
			cache := compare.NewRedisCache(rdb, cfg.CacheTTL)
			defer cache.Close()
			opts = append(opts, compare.WithCache(cache))
			l.Info("cache_enabled", "ttl", cfg.CacheTTL.String())
		}
	}

	res, err := compare.New(cfg, opts...).Run(ctx)
	defer writeMetrics(cfg.MetricsTextfile)
	switch {
	case errors.Is(err, dataset.ErrMissingInput):
		l.Error("run_skipped", "err", err)
		return exitMissingInput
	case err != nil:
		l.Error("run_failed", "err", err)
		return exitFailure
	}

	if err := report.Write(os.Stdout, res, cfg.Verbose); err != nil {
		l.Error("report_write_error", "err", err)
		return exitFailure
	}
	if _, err := res.Summary.Mean(); err != nil {
		l.Warn("average_undefined", "err", err, "references", res.Summary.References)
		return exitInsufficientData
	}
	return exitOK
}

func writeMetrics(path string) {
	if path == "" {
		return
	}
	if err := metrics.WriteTextfile(path); err != nil {
		logger.L().Warn("metrics_textfile_error", "path", path, "err", err)
		return
	}
	logger.L().Debug("metrics_textfile_written", "path", path)
}
