package store

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sitetool-dav/internal/config"
)

// MinIOStore 将存储桶中的对象键映射为资源树
//
// 对象键 "a/b.txt" 对应文件 "/a/b.txt"，存在前缀 "a/" 的对象时 "/a" 视为文件夹。
type MinIOStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIOStore 创建MinIO存储
func NewMinIOStore(cfg config.MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// objectKey 将资源路径转换为对象键，根路径返回前缀本身
func (s *MinIOStore) objectKey(resourcePath string) string {
	key := strings.TrimPrefix(CleanPath(resourcePath), "/")
	if s.prefix == "" {
		return key
	}
	if key == "" {
		return s.prefix
	}
	return s.prefix + "/" + key
}

// folderPrefix 返回列出子节点时使用的前缀
func (s *MinIOStore) folderPrefix(resourcePath string) string {
	key := s.objectKey(resourcePath)
	if key == "" {
		return ""
	}
	return key + "/"
}

// GetStoredObject 先按对象查找，找不到时按文件夹前缀查找
func (s *MinIOStore) GetStoredObject(tx *Transaction, resourcePath string) (*StoredObject, error) {
	ctx := tx.Context()

	if CleanPath(resourcePath) == "/" {
		return &StoredObject{IsFolder: true}, nil
	}

	info, err := s.client.StatObject(ctx, s.bucket, s.objectKey(resourcePath), minio.StatObjectOptions{})
	if err == nil {
		return &StoredObject{
			CreationDate:   info.LastModified.UTC(),
			LastModified:   info.LastModified.UTC(),
			ResourceLength: info.Size,
			ContentID:      info.ETag,
		}, nil
	}
	if mapped := mapMinIOError(err); mapped != nil {
		return nil, mapped
	}

	// 提前返回时取消列举协程
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := minio.ListObjectsOptions{
		Prefix:  s.folderPrefix(resourcePath),
		MaxKeys: 1,
	}
	for object := range s.client.ListObjects(listCtx, s.bucket, opts) {
		if object.Err != nil {
			return nil, mapListError(object.Err)
		}
		return &StoredObject{
			IsFolder:     true,
			CreationDate: object.LastModified.UTC(),
			LastModified: object.LastModified.UTC(),
		}, nil
	}
	return nil, nil
}

// GetChildrenNames 非递归列出前缀下的对象和公共前缀
func (s *MinIOStore) GetChildrenNames(tx *Transaction, folderPath string) ([]string, error) {
	prefix := s.folderPrefix(folderPath)
	opts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}

	seen := make(map[string]bool)
	names := make([]string, 0)
	for object := range s.client.ListObjects(tx.Context(), s.bucket, opts) {
		if object.Err != nil {
			return nil, mapListError(object.Err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(object.Key, prefix), "/")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetMimeType 按对象键扩展名查找
func (s *MinIOStore) GetMimeType(resourcePath string) string {
	return Extensions.GetMimeType(path.Base(resourcePath))
}

// mapMinIOError 对象不存在返回 nil
func mapMinIOError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return nil
	case "AccessDenied":
		return ErrAccessDenied
	default:
		return fmt.Errorf("stat object: %w", err)
	}
}

func mapListError(err error) error {
	if minio.ToErrorResponse(err).Code == "AccessDenied" {
		return ErrAccessDenied
	}
	return fmt.Errorf("list objects: %w", err)
}
