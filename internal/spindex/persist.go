package spindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"parcel-iou/internal/geom"
	"parcel-iou/internal/logger"
)

const (
	// IndexExt 包围盒表文件扩展名
	IndexExt = ".idx"
	// PayloadExt 载荷文件扩展名
	PayloadExt = ".dat"

	idxMagic   = "PIDX"
	idxVersion = 1
	idxHeader  = 12
	idxRecord  = 4 + 4*8
)

var (
	// ErrIndexNotFound 表示两个伴随文件至少缺一个
	ErrIndexNotFound = errors.New("spindex: persisted index not found")
	// ErrIndexCorrupt 表示文件头、长度或两文件之间的计数不一致
	ErrIndexCorrupt = errors.New("spindex: persisted index corrupt")
)

// .dat 字段编号
const (
	fieldFingerprint protowire.Number = 1
	fieldRecords     protowire.Number = 2
	fieldIDField     protowire.Number = 3
	fieldBuiltAt     protowire.Number = 4
	fieldEntries     protowire.Number = 5
	fieldID          protowire.Number = 6
)

// Exists：两个伴随文件均存在才视为可复用
func Exists(base string) bool {
	for _, ext := range []string{IndexExt, PayloadExt} {
		if _, err := os.Stat(base + ext); err != nil {
			return false
		}
	}
	return true
}

// 文档注释：持久化索引（双文件、原子写入）
// 背景：同一预测集反复评估时避免重建；包围盒表与载荷分开存放，均采用临时文件写入再重命名，避免读到半成品。
// 文件格式：
// - <base>.idx：Magic(4字节 "PIDX") + Version(u32) + Count(u32) + Count 条记录（Position(u32), MinX, MinY, MaxX, MaxY(float64)），大端；
// - <base>.dat：protobuf wire 编码的载荷：指纹、记录数、标识字段、构建时间、项数与逐项标识。
func Save(x *Index, base string) error {
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return err
	}
	if err := writeAtomic(base+IndexExt, x.writeBoxes); err != nil {
		return fmt.Errorf("write %s: %w", base+IndexExt, err)
	}
	if err := writeAtomic(base+PayloadExt, func(w io.Writer) error {
		_, err := w.Write(x.marshalPayload())
		return err
	}); err != nil {
		return fmt.Errorf("write %s: %w", base+PayloadExt, err)
	}
	logger.L().Info("index_saved", "base", base, "entries", x.Len())
	return nil
}

func writeAtomic(path string, fill func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := fill(bw); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (x *Index) writeBoxes(w io.Writer) error {
	if _, err := w.Write([]byte(idxMagic)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(idxVersion)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(x.positions))); err != nil {
		return err
	}
	var rec [idxRecord]byte
	for i, pos := range x.positions {
		b := x.boxes[i]
		binary.BigEndian.PutUint32(rec[0:4], uint32(pos))
		binary.BigEndian.PutUint64(rec[4:12], math.Float64bits(b.MinX))
		binary.BigEndian.PutUint64(rec[12:20], math.Float64bits(b.MinY))
		binary.BigEndian.PutUint64(rec[20:28], math.Float64bits(b.MaxX))
		binary.BigEndian.PutUint64(rec[28:36], math.Float64bits(b.MaxY))
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	return nil
}

func (x *Index) marshalPayload() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldFingerprint, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, x.Meta.Fingerprint)
	b = protowire.AppendTag(b, fieldRecords, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(x.Meta.Records))
	b = protowire.AppendTag(b, fieldIDField, protowire.BytesType)
	b = protowire.AppendString(b, x.Meta.IDField)
	b = protowire.AppendTag(b, fieldBuiltAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(x.Meta.BuiltAt.Unix()))
	b = protowire.AppendTag(b, fieldEntries, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(x.ids)))
	for _, id := range x.ids {
		b = protowire.AppendTag(b, fieldID, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	return b
}

// payload：.dat 解码结果
type payload struct {
	meta    Meta
	entries int
	ids     []string
}

func unmarshalPayload(b []byte) (payload, error) {
	var p payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, fmt.Errorf("%w: %v", ErrIndexCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldFingerprint && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return p, fmt.Errorf("%w: %v", ErrIndexCorrupt, protowire.ParseError(n))
			}
			p.meta.Fingerprint = v
			b = b[n:]
		case (num == fieldRecords || num == fieldBuiltAt || num == fieldEntries) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, fmt.Errorf("%w: %v", ErrIndexCorrupt, protowire.ParseError(n))
			}
			switch num {
			case fieldRecords:
				p.meta.Records = int(v)
			case fieldBuiltAt:
				p.meta.BuiltAt = time.Unix(int64(v), 0).UTC()
			case fieldEntries:
				p.entries = int(v)
			}
			b = b[n:]
		case (num == fieldIDField || num == fieldID) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, fmt.Errorf("%w: %v", ErrIndexCorrupt, protowire.ParseError(n))
			}
			if num == fieldIDField {
				p.meta.IDField = string(v)
			} else {
				p.ids = append(p.ids, string(v))
			}
			b = b[n:]
		default:
			// 未知字段跳过，便于后续扩展
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, fmt.Errorf("%w: %v", ErrIndexCorrupt, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}

// 文档注释：加载持久化索引
// 背景：读入包围盒表后重新打包为 flatbush 树（批量构建为 O(n log n)，远小于读取与解析几何的成本）。
// 异常：任一文件缺失返回 ErrIndexNotFound；头部、长度或两文件项数不一致返回 ErrIndexCorrupt。
func Load(base string) (*Index, error) {
	raw, err := os.ReadFile(base + IndexExt)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, base+IndexExt)
		}
		return nil, err
	}
	dat, err := os.ReadFile(base + PayloadExt)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, base+PayloadExt)
		}
		return nil, err
	}
	if len(raw) < idxHeader || string(raw[:4]) != idxMagic {
		return nil, fmt.Errorf("%w: bad header in %s", ErrIndexCorrupt, base+IndexExt)
	}
	if v := binary.BigEndian.Uint32(raw[4:8]); v != idxVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrIndexCorrupt, v)
	}
	count := int(binary.BigEndian.Uint32(raw[8:12]))
	if len(raw) != idxHeader+count*idxRecord {
		return nil, fmt.Errorf("%w: %s has %d bytes for %d entries", ErrIndexCorrupt, base+IndexExt, len(raw), count)
	}
	p, err := unmarshalPayload(dat)
	if err != nil {
		return nil, err
	}
	if p.entries != count || len(p.ids) != count {
		return nil, fmt.Errorf("%w: %d boxes, payload lists %d entries and %d ids", ErrIndexCorrupt, count, p.entries, len(p.ids))
	}

	positions := make([]int, count)
	boxes := make([]geom.Box, count)
	off := idxHeader
	for i := 0; i < count; i++ {
		rec := raw[off : off+idxRecord]
		positions[i] = int(binary.BigEndian.Uint32(rec[0:4]))
		boxes[i] = geom.Box{
			MinX: math.Float64frombits(binary.BigEndian.Uint64(rec[4:12])),
			MinY: math.Float64frombits(binary.BigEndian.Uint64(rec[12:20])),
			MaxX: math.Float64frombits(binary.BigEndian.Uint64(rec[20:28])),
			MaxY: math.Float64frombits(binary.BigEndian.Uint64(rec[28:36])),
		}
		off += idxRecord
	}
	logger.L().Debug("index_file_read", "base", base, "entries", count, "built_at", p.meta.BuiltAt)
	return newIndex(positions, boxes, p.ids, p.meta), nil
}
