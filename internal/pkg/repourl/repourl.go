// Package repourl 校验仓库地址并派生仓库名和向量索引键
package repourl

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidURL 仓库地址不合法，具体原因包装在错误消息中
var ErrInvalidURL = errors.New("invalid repository url")

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidURL, reason)
}

// Validate 只接受 https:// 与 git@ 两种地址，且至少包含 owner/repo 两段路径
func Validate(repoURL string) error {
	if strings.TrimSpace(repoURL) == "" {
		return invalid("repository url is required")
	}

	if strings.HasPrefix(repoURL, "git@") {
		// git@github.com:user/repo.git
		idx := strings.Index(repoURL, ":")
		if idx == -1 || strings.Trim(repoURL[idx+1:], "/") == "" {
			return invalid("ssh url must look like git@host:owner/repo.git")
		}
		return nil
	}

	if !strings.HasPrefix(repoURL, "https://") {
		return invalid("use an https:// or git@ url")
	}

	u, err := url.Parse(repoURL)
	if err != nil {
		return invalid("url could not be parsed")
	}
	if u.Host == "" {
		return invalid("url is missing a host")
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return invalid("url must include owner and repository name")
	}
	return nil
}

// Normalize 去掉首尾空白、末尾斜杠与 .git，用于派生索引键
func Normalize(repoURL string) string {
	s := strings.TrimSpace(repoURL)
	s = strings.TrimRight(s, "/")
	s = strings.TrimSuffix(s, ".git")
	return s
}

// Name 取地址最后一段作为仓库名
func Name(repoURL string) string {
	s := Normalize(repoURL)
	if idx := strings.LastIndexAny(s, "/:"); idx != -1 {
		s = s[idx+1:]
	}
	if s == "" {
		return "repository"
	}
	return s
}

// IndexKey 仓库名加地址哈希前缀，同名仓库互不冲突，同一地址多次运行结果稳定
func IndexKey(repoURL string) string {
	sum := sha256.Sum256([]byte(Normalize(repoURL)))
	name := unsafeKeyChars.ReplaceAllString(Name(repoURL), "_")
	return name + "_" + hex.EncodeToString(sum[:])[:12]
}
