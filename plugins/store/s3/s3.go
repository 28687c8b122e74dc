// Package s3 将阶段文档存为对象（key = prefix + 文档名 + ".json"），兼容 MinIO/LocalStack。
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"llmcorrupt/pkg/contract"
)

// Options: bucket 必需；endpoint 非空时启用 path-style。
type Options struct {
	Bucket   string `json:"bucket"`
	Region   string `json:"region"`
	Endpoint string `json:"endpoint"`
	Prefix   string `json:"prefix"`
}

type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ contract.Store = (*Store)(nil)

// New 按默认凭据链加载 AWS 配置并构造客户端。
func New(ctx context.Context, opts *Options) (*Store, error) {
	if opts == nil || strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("s3: bucket required: %w", contract.ErrInvalidInput)
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
			// 兼容服务未必支持默认的 CRC 校验
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})
	prefix := strings.Trim(opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{client: client, bucket: opts.Bucket, prefix: prefix}, nil
}

func (s *Store) key(name contract.DocName) (string, error) {
	n := string(contract.NormalizeDocName(string(name)))
	if n == "." || n == ".." || strings.HasPrefix(n, "../") || strings.HasPrefix(n, "/") {
		return "", contract.ErrPathInvalid
	}
	return s.prefix + n + ".json", nil
}

func (s *Store) Put(ctx context.Context, name contract.DocName, b []byte) error {
	key, err := s.key(name)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

// Get 读取对象；NoSuchKey 映射为 contract.ErrNotFound。
func (s *Store) Get(ctx context.Context, name contract.DocName) ([]byte, error) {
	key, err := s.key(name)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3 %s: %w", key, contract.ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// Exists 通过 HeadObject 判断；仅 NotFound 视为不存在，其余错误上抛。
func (s *Store) Exists(ctx context.Context, name contract.DocName) (bool, error) {
	key, err := s.key(name)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("s3 head %s: %w", key, err)
}
