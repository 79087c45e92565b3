package worker

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// ListFiles 遍历目录，跳过忽略目录，按后缀匹配白名单，返回 相对路径 -> 内容
// 超过 maxBytes 的文件跳过；maxBytes <= 0 表示不限制
func ListFiles(root string, allowExt, ignoreDirs []string, maxBytes int64) (map[string]string, error) {
	ignored := make(map[string]struct{}, len(ignoreDirs))
	for _, d := range ignoreDirs {
		ignored[d] = struct{}{}
	}

	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			log.Printf("Files: skipping %s: %v", path, err)
			return nil
		}

		if d.IsDir() {
			if path != root {
				if _, skip := ignored[d.Name()]; skip {
					return filepath.SkipDir
				}
			}
			return nil
		}

		if !d.Type().IsRegular() || !allowed(d.Name(), allowExt) {
			return nil
		}

		if maxBytes > 0 {
			info, err := d.Info()
			if err != nil || info.Size() > maxBytes {
				return nil
			}
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Files: failed to read %s: %v", path, err)
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files[filepath.ToSlash(rel)] = strings.ToValidUTF8(string(data), "�")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// allowed 后缀匹配，"Dockerfile" 这类无扩展名条目按文件名结尾匹配
func allowed(name string, allowExt []string) bool {
	for _, ext := range allowExt {
		if ext != "" && strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
