package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3API is the subset of the S3 client used by S3Store.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPartCopy(ctx context.Context, in *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Options configures the S3 client. Endpoint and UsePathStyle are needed
// for S3-compatible services such as MinIO.
type S3Options struct {
	Endpoint     string // full URL, e.g. http://localhost:9000; empty uses AWS
	UsePathStyle bool
}

// S3Store implements ObjectStore on top of the AWS SDK S3 client.
type S3Store struct {
	client s3API
}

// NewS3Store creates a store from an AWS config.
func NewS3Store(cfg aws.Config, opts S3Options) *S3Store {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &S3Store{client: client}
}

// Head implements Store.
func (s *S3Store) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, translateError("head object", bucket, key, err)
	}
	return ObjectInfo{
		Size:               aws.ToInt64(out.ContentLength),
		ETag:               aws.ToString(out.ETag),
		LastModified:       aws.ToTime(out.LastModified),
		ContentType:        aws.ToString(out.ContentType),
		ContentEncoding:    aws.ToString(out.ContentEncoding),
		ContentDisposition: aws.ToString(out.ContentDisposition),
		CacheControl:       aws.ToString(out.CacheControl),
		Metadata:           copyMetadata(out.Metadata),
	}, nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ObjectInfo{}, translateError("get object", bucket, key, err)
	}
	info := ObjectInfo{
		Size:               aws.ToInt64(out.ContentLength),
		ETag:               aws.ToString(out.ETag),
		LastModified:       aws.ToTime(out.LastModified),
		ContentType:        aws.ToString(out.ContentType),
		ContentEncoding:    aws.ToString(out.ContentEncoding),
		ContentDisposition: aws.ToString(out.ContentDisposition),
		CacheControl:       aws.ToString(out.CacheControl),
		Metadata:           copyMetadata(out.Metadata),
	}
	return out.Body, info, nil
}

// Put implements Store. Size must be set in info; the SDK needs a content
// length for bodies it cannot seek.
func (s *S3Store) Put(ctx context.Context, bucket, key string, body io.Reader, info ObjectInfo) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(bucket),
		Key:                aws.String(key),
		Body:               body,
		ContentLength:      aws.Int64(info.Size),
		ContentType:        optString(info.ContentType),
		ContentEncoding:    optString(info.ContentEncoding),
		ContentDisposition: optString(info.ContentDisposition),
		CacheControl:       optString(info.CacheControl),
		Metadata:           info.Metadata,
	})
	if err != nil {
		return translateError("put object", bucket, key, err)
	}
	return nil
}

// CreateMultipartUpload implements MultipartStore.
func (s *S3Store) CreateMultipartUpload(ctx context.Context, bucket, key string, info ObjectInfo) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:             aws.String(bucket),
		Key:                aws.String(key),
		ContentType:        optString(info.ContentType),
		ContentEncoding:    optString(info.ContentEncoding),
		ContentDisposition: optString(info.ContentDisposition),
		CacheControl:       optString(info.CacheControl),
		Metadata:           info.Metadata,
	})
	if err != nil {
		return "", translateError("create multipart upload", bucket, key, err)
	}
	return aws.ToString(out.UploadId), nil
}

// CopyPart implements MultipartStore using UploadPartCopy, so part data never
// passes through the worker.
func (s *S3Store) CopyPart(ctx context.Context, src PartSource, dstBucket, dstKey, uploadID string, partNumber int32, first, last int64) (CompletedPart, error) {
	out, err := s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
		Bucket:            aws.String(dstBucket),
		Key:               aws.String(dstKey),
		UploadId:          aws.String(uploadID),
		PartNumber:        aws.Int32(partNumber),
		CopySource:        aws.String(CopySource(src.Bucket, src.Key)),
		CopySourceRange:   aws.String(fmt.Sprintf("bytes=%d-%d", first, last)),
		CopySourceIfMatch: optString(src.ETag),
	})
	if err != nil {
		return CompletedPart{}, translateError(fmt.Sprintf("copy part %d", partNumber), src.Bucket, src.Key, err)
	}
	var etag string
	if out.CopyPartResult != nil {
		etag = aws.ToString(out.CopyPartResult.ETag)
	}
	return CompletedPart{PartNumber: partNumber, ETag: etag}, nil
}

// CompleteMultipartUpload implements MultipartStore.
func (s *S3Store) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		}
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return translateError("complete multipart upload", bucket, key, err)
	}
	return nil
}

// AbortMultipartUpload implements MultipartStore.
func (s *S3Store) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return translateError("abort multipart upload", bucket, key, err)
	}
	return nil
}

// CopySource formats the x-amz-copy-source value for an object, escaping each
// path segment of the key. '+' is escaped too since S3 would read it as a space.
func CopySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = strings.ReplaceAll(url.PathEscape(seg), "+", "%2B")
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// translateError wraps an SDK error with the matching sentinel so callers can
// classify it with errors.Is.
func translateError(op, bucket, key string, err error) error {
	if sentinel := sentinelFor(err); sentinel != nil {
		return fmt.Errorf("%s s3://%s/%s: %w: %w", op, bucket, key, sentinel, err)
	}
	return fmt.Errorf("%s s3://%s/%s: %w", op, bucket, key, err)
}

func sentinelFor(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrObjectNotFound
		case "NoSuchBucket":
			return ErrBucketNotFound
		case "AccessDenied", "Forbidden", "AllAccessDisabled", "InvalidAccessKeyId",
			"SignatureDoesNotMatch", "AccountProblem", "InvalidObjectState":
			return ErrAccessDenied
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded",
			"RequestTimeout", "InternalError", "ServiceUnavailable":
			return ErrThrottled
		case "EntityTooLarge":
			return ErrObjectTooLarge
		case "PreconditionFailed":
			return ErrObjectChanged
		case "InvalidRequest", "InvalidArgument", "InvalidRange", "InvalidPart", "InvalidPartOrder":
			return ErrInvalidRequest
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == 404:
			return ErrObjectNotFound
		case status == 403:
			return ErrAccessDenied
		case status == 429 || status >= 500:
			return ErrThrottled
		}
	}
	return nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

var _ ObjectStore = (*S3Store)(nil)
