package spindex

import (
	"parcel-iou/internal/dataset"
	"parcel-iou/internal/logger"
)

// Provenance：本次使用的索引来源
type Provenance string

const (
	Loaded  Provenance = "loaded"
	Built   Provenance = "built"
	Rebuilt Provenance = "rebuilt"
)

// Options：Base 为空时取数据集文件去扩展名的路径；数据库来源没有默认路径，只在内存中构建
type Options struct {
	Base   string
	Verify bool
}

// 文档注释：获取预测集索引（复用或构建）
// 背景：两个伴随文件都存在时直接加载；否则构建并写出两个文件。
// 约束：
// - 默认信任已有索引；指纹或记录数不符时只记录 index_stale_suspected 告警，仍然复用；
// - Verify 为 true 时不一致即重建并覆盖写出；
// - 文件损坏或写出失败只告警，不中断评估（内存中的索引依然可用）。
func Obtain(ds *dataset.Dataset, opts Options) (*Index, Provenance) {
	base := opts.Base
	if base == "" {
		base = ds.IndexBase()
	}
	prov := Built
	if base != "" && Exists(base) {
		x, err := Load(base)
		switch {
		case err != nil:
			logger.L().Warn("index_load_failed", "base", base, "err", err)
			prov = Rebuilt
		case x.Matches(ds):
			logger.L().Info("index_loaded", "base", base, "entries", x.Len(), "built_at", x.Meta.BuiltAt)
			return x, Loaded
		default:
			logger.L().Warn("index_stale_suspected",
				"base", base,
				"index_fingerprint", x.Meta.Fingerprint,
				"dataset_fingerprint", ds.Fingerprint,
				"index_records", x.Meta.Records,
				"dataset_records", ds.Len(),
				"verify", opts.Verify,
			)
			if !opts.Verify {
				return x, Loaded
			}
			prov = Rebuilt
		}
	}

	x := Build(ds)
	logger.L().Info("index_built", "entries", x.Len(), "records", ds.Len(), "provenance", string(prov))
	if base != "" {
		if err := Save(x, base); err != nil {
			logger.L().Warn("index_save_failed", "base", base, "err", err)
		}
	}
	return x, prov
}
