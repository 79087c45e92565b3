package oss

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/pkg/retry"
)

// Client 分析结果归档到阿里云 OSS
type Client struct {
	client     *oss.Client
	bucket     *oss.Bucket
	bucketName string
	cdnDomain  string
	now        func() time.Time
}

// Enabled 配置中 endpoint 与 bucket 都存在时才启用归档
func Enabled(cfg *config.OSSConfig) bool {
	return cfg != nil && cfg.Endpoint != "" && cfg.BucketName != ""
}

func NewClient(cfg *config.OSSConfig) (*Client, error) {
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create OSS client: %w", err)
	}

	bucket, err := client.Bucket(cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}

	return &Client{
		client:     client,
		bucket:     bucket,
		bucketName: cfg.BucketName,
		cdnDomain:  cfg.CDNDomain,
		now:        time.Now,
	}, nil
}

// ArchiveKey 归档对象路径
func ArchiveKey(logID int64, at time.Time) string {
	return fmt.Sprintf("archives/%d/%d.json", logID, at.Unix())
}

// UploadArchive 上传一次分析结果 JSON
func (c *Client) UploadArchive(logID int64, data []byte) (string, error) {
	objectKey := ArchiveKey(logID, c.now())

	err := c.bucket.PutObject(objectKey, bytes.NewReader(data), oss.ContentType("application/json"))
	if err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}

	return c.GetURL(objectKey), nil
}

// UploadArchiveWithRetry 带指数退避的上传
func (c *Client) UploadArchiveWithRetry(ctx context.Context, logID int64, data []byte) (string, error) {
	return retry.Do(ctx, retry.DefaultConfig(3), func() (string, error) {
		return c.UploadArchive(logID, data)
	})
}

// Delete 删除文件
func (c *Client) Delete(objectKey string) error {
	err := c.bucket.DeleteObject(objectKey)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// GetURL 获取文件访问 URL
func (c *Client) GetURL(objectKey string) string {
	return objectURL(c.cdnDomain, c.bucketName, c.client.Config.Endpoint, objectKey)
}

func objectURL(cdnDomain, bucketName, endpoint, objectKey string) string {
	if cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", cdnDomain, objectKey)
	}
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return fmt.Sprintf("https://%s.%s/%s", bucketName, endpoint, objectKey)
}

// ExtractObjectKey 从 URL 中提取 object key
func (c *Client) ExtractObjectKey(url string) string {
	return extractObjectKey(c.cdnDomain, url)
}

func extractObjectKey(cdnDomain, url string) string {
	if cdnDomain != "" {
		prefix := fmt.Sprintf("https://%s/", cdnDomain)
		if strings.HasPrefix(url, prefix) {
			return url[len(prefix):]
		}
	}

	// https://bucket-name.endpoint/path/to/object
	parts := strings.Split(url, "/")
	if len(parts) >= 4 {
		return strings.Join(parts[3:], "/")
	}

	return path.Base(url)
}
