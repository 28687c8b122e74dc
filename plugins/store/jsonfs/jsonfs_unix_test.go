//go:build !windows

package jsonfs

import (
	"testing"

	"llmcorrupt/pkg/contract"
)

// 绝对路径在 Unix 上越界
func TestMapPathInvalidUnix(t *testing.T) {
	s, _ := New(&Options{Dir: t.TempDir()})
	for _, name := range []string{"/abs", "..", "."} {
		if _, err := s.mapPath(contract.DocName(name)); err != contract.ErrPathInvalid {
			t.Fatalf("name %s expect invalid", name)
		}
	}
}
