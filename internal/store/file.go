package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// File 每个 key 一个 JSON 文件，写入采用 tmp + fsync + rename。
// 同进程内的写入由 mu 串行化；跨进程写入者需由部署方保证单实例。
type File struct {
	dir  string
	mu   sync.Mutex
	sink EventSink
}

// NewFile 创建文件存储，目录不存在时自动创建。
func NewFile(dir string, sink EventSink) (*File, error) {
	if dir == "" {
		return nil, errors.New("store dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &File{dir: dir, sink: sink}, nil
}

// Path 返回 key 对应的文件路径。
func (f *File) Path(key string) string {
	name := strings.ReplaceAll(key, "/", "__")
	return filepath.Join(f.dir, name+".json")
}

func (f *File) Get(ctx context.Context, key string, dst interface{}) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := os.ReadFile(f.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read record %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		// 主文件损坏时尝试 .bak
		if bak, bakErr := os.ReadFile(f.Path(key) + ".bak"); bakErr == nil {
			if json.Unmarshal(bak, dst) == nil {
				f.logEvent("restored_from_backup", map[string]interface{}{"key": key})
				return nil
			}
		}
		return fmt.Errorf("decode record %s: %w", key, err)
	}
	return nil
}

func (f *File) Put(ctx context.Context, key string, doc interface{}) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.Path(key)
	// best-effort .bak
	_ = os.WriteFile(path+".bak", raw, 0o600)
	if err := writeFileAtomic(path, raw, 0o600); err != nil {
		f.logEvent("put_failed", map[string]interface{}{"key": key, "error": err.Error()})
		return fmt.Errorf("write record %s: %w", key, err)
	}
	f.logEvent("put", map[string]interface{}{"key": key, "bytes": len(raw)})
	return nil
}

func (f *File) logEvent(event string, fields map[string]interface{}) {
	if f == nil || f.sink == nil {
		return
	}
	f.sink(event, fields)
}

// writeFileAtomic 写临时文件并 fsync 后 rename，最后尽力 fsync 父目录。
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
