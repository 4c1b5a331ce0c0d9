// 程序入口：为预测数据集预先构建（或检查）持久化空间索引，不执行比对
// 用法：
//
//	parcel-index -pred pred.shp [-pred-id geoid] [-index base] [-force | -check]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"parcel-iou/internal/config"
	"parcel-iou/internal/dataset"
	"parcel-iou/internal/logger"
	"parcel-iou/internal/spindex"
	"parcel-iou/internal/version"
)

const (
	exitOK           = 0
	exitMissingInput = 1
	exitUsage        = 2
	exitFailure      = 4
	exitStale        = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	config.LoadDotenv()
	cfg := config.FromEnv()
	fs := flag.NewFlagSet("parcel-index", flag.ContinueOnError)
	fs.StringVar(&cfg.PredPath, "pred", cfg.PredPath, "predicted dataset")
	fs.StringVar(&cfg.PredIDField, "pred-id", cfg.PredIDField, "identifier field of the predicted dataset")
	fs.StringVar(&cfg.IndexPath, "index", cfg.IndexPath, "base path of the persisted index (default: dataset path without extension)")
	fs.BoolVar(&cfg.IndexVerify, "index-verify", cfg.IndexVerify, "rebuild when the persisted index does not match the dataset")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "debug logging")
	force := fs.Bool("force", false, "always rebuild and overwrite the persisted index")
	check := fs.Bool("check", false, "only report whether the persisted index matches the dataset")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitUsage
	}

	l := logger.SetupWith(os.Stderr, cfg.Verbose)
	l.Debug("log_init_ok", "version", version.String())
	if cfg.PredPath == "" {
		l.Error("config_invalid", "err", fmt.Errorf("%w: PRED_PATH", config.ErrMissingParam))
		return exitUsage
	}

	ds, err := dataset.Open(context.Background(), cfg.PredPath, cfg.PredIDField)
	if err != nil {
		l.Error("dataset_open_error", "source", cfg.PredPath, "err", err)
		if errors.Is(err, dataset.ErrMissingInput) {
			return exitMissingInput
		}
		return exitFailure
	}
	base := cfg.IndexPath
	if base == "" {
		base = ds.IndexBase()
	}
	if base == "" {
		l.Error("index_path_required", "source", cfg.PredPath)
		return exitUsage
	}

	switch {
	case *check:
		x, err := spindex.Load(base)
		if err != nil {
			l.Error("index_load_failed", "base", base, "err", err)
			if errors.Is(err, spindex.ErrIndexNotFound) {
				return exitMissingInput
			}
			return exitFailure
		}
		if !x.Matches(ds) {
			fmt.Printf("stale base=%s entries=%d built_at=%s\n", base, x.Len(), x.Meta.BuiltAt.Format("2006-01-02T15:04:05Z"))
			return exitStale
		}
		fmt.Printf("ok base=%s entries=%d built_at=%s\n", base, x.Len(), x.Meta.BuiltAt.Format("2006-01-02T15:04:05Z"))
		return exitOK
	case *force:
		x := spindex.Build(ds)
		if err := spindex.Save(x, base); err != nil {
			l.Error("index_save_failed", "base", base, "err", err)
			return exitFailure
		}
		fmt.Printf("built base=%s entries=%d\n", base, x.Len())
		return exitOK
	}

	x, prov := spindex.Obtain(ds, spindex.Options{Base: base, Verify: cfg.IndexVerify})
	if !spindex.Exists(base) {
		l.Error("index_not_persisted", "base", base)
		return exitFailure
	}
	fmt.Printf("%s base=%s entries=%d\n", prov, base, x.Len())
	return exitOK
}
