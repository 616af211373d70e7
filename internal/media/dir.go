// SPDX-License-Identifier: MIT
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var frameExts = []string{".jpg", ".jpeg", ".png", ".webp"}

// FrameFiles lists the image files directly inside dir in name order.
func FrameFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(frameExts, strings.ToLower(filepath.Ext(e.Name()))) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no image files in %s", dir)
	}
	return files, nil
}
