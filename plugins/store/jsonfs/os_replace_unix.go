//go:build !windows

package jsonfs

import "os"

// osReplace: POSIX rename 原子替换。
func osReplace(tmpPath, dest string) error {
	return os.Rename(tmpPath, dest)
}

// syncDir 最佳努力 fsync 父目录以持久化元数据。
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
