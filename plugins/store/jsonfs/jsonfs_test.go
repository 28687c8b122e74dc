package jsonfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmcorrupt/pkg/contract"
)

// UT-STO-01: 原子写入与读取
func TestPutGetAtomic(t *testing.T) {
	dir := t.TempDir()
	s, err := New(&Options{Dir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := s.Put(ctx, "fixed", []byte("[]")); err != nil {
		t.Fatalf("put: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "fixed.json"))
	if err != nil || string(b) != "[]" {
		t.Fatalf("unexpected file %v %q", err, string(b))
	}
	got, err := s.Get(ctx, "fixed.json") // 扩展名被规范化去除
	if err != nil || string(got) != "[]" {
		t.Fatalf("get: %v %q", err, string(got))
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("tmp file not cleaned: %s", e.Name())
		}
	}
}

// 目标已存在时应整体替换
func TestPutReplaceExisting(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(&Options{Dir: dir})
	ctx := context.Background()
	if err := s.Put(ctx, "tagged", []byte("v1-long-content")); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if err := s.Put(ctx, "tagged", []byte("v2")); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	got, _ := s.Get(ctx, "tagged")
	if string(got) != "v2" {
		t.Fatalf("expect v2, got %q", string(got))
	}
}

// UT-STO-02: 不存在与存在判定
func TestGetNotFoundAndExists(t *testing.T) {
	s, _ := New(&Options{Dir: t.TempDir()})
	ctx := context.Background()
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, contract.ErrNotFound) {
		t.Fatalf("expect not found, got %v", err)
	}
	ok, err := s.Exists(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("expect missing, got %v %v", ok, err)
	}
	_ = s.Put(ctx, "sub/doc", []byte("{}"))
	ok, err = s.Exists(ctx, "sub/doc")
	if err != nil || !ok {
		t.Fatalf("expect exists, got %v %v", ok, err)
	}
}

// UT-STO-03: 路径越界
func TestPathInvalid(t *testing.T) {
	s, _ := New(&Options{Dir: t.TempDir()})
	ctx := context.Background()
	for _, name := range []contract.DocName{"../bad", "..", ".", ""} {
		if err := s.Put(ctx, name, []byte("x")); !errors.Is(err, contract.ErrPathInvalid) {
			t.Fatalf("name %q expect path invalid, got %v", name, err)
		}
	}
	if _, err := s.Get(ctx, "../x"); !errors.Is(err, contract.ErrPathInvalid) {
		t.Fatalf("get expect path invalid, got %v", err)
	}
}

// 非原子写入与自定义扩展名
func TestPutNonAtomicExt(t *testing.T) {
	dir := t.TempDir()
	a := false
	s, _ := New(&Options{Dir: dir, Atomic: &a, Ext: ".out"})
	if err := s.Put(context.Background(), "run_report", []byte("{}")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "run_report.out")); err != nil {
		t.Fatalf("file not created")
	}
	if s.Root() != dir {
		t.Fatalf("root mismatch")
	}
}

// 上下文取消
func TestCtxCancel(t *testing.T) {
	s, _ := New(&Options{Dir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Put(ctx, "a", []byte("data")); err == nil {
		t.Fatalf("expect ctx error")
	}
	if _, err := s.Get(ctx, "a"); err == nil {
		t.Fatalf("expect ctx error")
	}
	if _, err := s.Exists(ctx, "a"); err == nil {
		t.Fatalf("expect ctx error")
	}
	r := readerWithCtx(ctx, strings.NewReader("data"))
	if _, err := r.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expect ctx error")
	}
}

func TestNewInvalid(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expect error for nil opts")
	}
	if _, err := New(&Options{}); err == nil {
		t.Fatalf("expect error for empty dir")
	}
}
