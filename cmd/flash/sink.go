package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fileSink lands mass-storage artifacts in the configured directory with
// the extension the board's bootloader volume expects.
type fileSink struct {
	dir  string
	base string
}

func (s *fileSink) Save(ext string, data []byte) error {
	name := strings.TrimSuffix(filepath.Base(s.base), filepath.Ext(s.base)) + ext
	dst := filepath.Join(s.dir, name)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("💾 Artifact written to %s\n", dst)
	return nil
}
