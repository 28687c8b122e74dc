package jsonfs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"llmcorrupt/pkg/contract"
)

// Options: 最小必要选项。
type Options struct {
	// Dir: 文档根目录（必需）。
	Dir string `json:"dir"`
	// Ext: 文档扩展名，默认 ".json"。
	Ext string `json:"ext,omitempty"`
	// Atomic: 是否使用原子替换（同目录临时文件 + rename）。
	// 默认 true；显式 false 可关闭。
	Atomic *bool `json:"atomic,omitempty"`
	// PermFile/PermDir: 可选权限；为 0 表示使用默认。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用默认。
	BufSize int `json:"buf_size,omitempty"`
}

// Store 以 <Dir>/<name><Ext> 存放文档。
type Store struct {
	root    string
	ext     string
	atomic  bool
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
}

// New 创建本地 JSON 文档存储。
func New(opts *Options) (*Store, error) {
	if opts == nil || strings.TrimSpace(opts.Dir) == "" {
		return nil, os.ErrInvalid
	}
	bsz := opts.BufSize
	if bsz <= 0 {
		bsz = 64 * 1024
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	ext := opts.Ext
	if ext == "" {
		ext = ".json"
	}
	atomic := true
	if opts.Atomic != nil {
		atomic = *opts.Atomic
	}
	return &Store{root: opts.Dir, ext: ext, atomic: atomic, permF: pf, permD: pd, bufSize: bsz}, nil
}

var _ contract.Store = (*Store)(nil)

// Root 返回根目录（用于启动前检查可写性）。
func (s *Store) Root() string { return s.root }

// Put 写入文档；目标已存在时整体替换。
func (s *Store) Put(ctx context.Context, name contract.DocName, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := s.mapPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), s.permD); err != nil {
		return err
	}
	r := bytes.NewReader(b)
	if s.atomic {
		return s.writeAtomic(ctx, dest, r)
	}
	return s.writeOverwrite(ctx, dest, r)
}

// Get 读取文档；不存在时返回 contract.ErrNotFound。
func (s *Store) Get(ctx context.Context, name contract.DocName) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.mapPath(name)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, contract.ErrNotFound)
	}
	return b, err
}

// Exists 判断文档是否存在。
func (s *Store) Exists(ctx context.Context, name contract.DocName) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.mapPath(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// mapPath: Clean + Join + 越界校验。禁止绝对路径、父级逃逸与卷名。
func (s *Store) mapPath(name contract.DocName) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(string(contract.NormalizeDocName(string(name)))))
	if rel == "." || rel == "" {
		return "", contract.ErrPathInvalid
	}
	if filepath.IsAbs(rel) {
		return "", contract.ErrPathInvalid
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", contract.ErrPathInvalid
	}
	if vol := filepath.VolumeName(rel); vol != "" {
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(s.root, rel+s.ext), nil
}

func (s *Store) writeOverwrite(ctx context.Context, dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, s.permF)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, s.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	return bw.Flush()
}

func (s *Store) writeAtomic(ctx context.Context, dest string, r io.Reader) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, s.permF)

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	bw := bufio.NewWriterSize(tmp, s.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := osReplace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// 最佳努力：同步父目录
	_ = syncDir(dir)
	return nil
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
