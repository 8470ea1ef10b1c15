package failoverblob

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/sony/gobreaker"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
)

// s3Backend is the primary object-store backend (spec §4.2).
type s3Backend struct {
	bucket  string
	client  *s3.S3
	breaker *gobreaker.CircuitBreaker
	log     *obslog.Logger
}

// S3Config configures the primary object-store backend.
type S3Config struct {
	Bucket      string
	Region      string
	AccessKeyID string
	SecretKey   string
	Endpoint    string // optional, for S3-compatible services
}

// newS3Backend constructs the primary blob backend client.
func newS3Backend(cfg S3Config, log *obslog.Logger) (*s3Backend, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretKey, ""))
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "create s3 session", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "object_store",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("circuit breaker state change", "backend", name, "from", from.String(), "to", to.String())
			}
		},
	})

	return &s3Backend{
		bucket:  cfg.Bucket,
		client:  s3.New(sess),
		breaker: breaker,
		log:     log,
	}, nil
}

func (b *s3Backend) name() model.BackendKind { return model.BackendObjectStore }

func (b *s3Backend) close() error { return nil }

func (b *s3Backend) run(fn func() error) error {
	_, err := b.breaker.Execute(func() (any, error) { return nil, fn() })
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "object store circuit open", err)
	}
	return err
}

func (b *s3Backend) put(ctx context.Context, key string, data []byte, contentType string) error {
	return b.run(func() error {
		_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return apperrors.Wrap(apperrors.KindBackendUnavailable, "s3 put object", err)
		}
		return nil
	})
}

func (b *s3Backend) get(ctx context.Context, key string) (*Blob, error) {
	var out *Blob
	err := b.run(func() error {
		resp, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if isAWSNotFound(err) {
			return apperrors.New(apperrors.KindNotFound, "object not found: "+key)
		}
		if err != nil {
			return apperrors.Wrap(apperrors.KindBackendUnavailable, "s3 get object", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return apperrors.Wrap(apperrors.KindBackendUnavailable, "s3 read object body", err)
		}
		contentType := ""
		if resp.ContentType != nil {
			contentType = *resp.ContentType
		}
		out = &Blob{Data: data, ContentType: contentType}
		return nil
	})
	return out, err
}

func (b *s3Backend) deleteKey(ctx context.Context, key string) error {
	return b.run(func() error {
		_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return apperrors.Wrap(apperrors.KindBackendUnavailable, "s3 delete object", err)
		}
		return nil
	})
}

func (b *s3Backend) presignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	var url string
	err := b.run(func() error {
		req, _ := b.client.GetObjectRequest(&s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		u, err := req.Presign(ttl)
		if err != nil {
			return apperrors.Wrap(apperrors.KindBackendUnavailable, "s3 presign", err)
		}
		url = u
		return nil
	})
	return url, err
}

func (b *s3Backend) healthCheck(ctx context.Context) error {
	const sentinelKey = "_sentinel/health-probe"
	if err := b.put(ctx, sentinelKey, []byte(time.Now().UTC().Format(time.RFC3339Nano)), "text/plain"); err != nil {
		return err
	}
	_, err := b.get(ctx, sentinelKey)
	return err
}

func isAWSNotFound(err error) bool {
	if err == nil {
		return false
	}
	type awsErr interface {
		Code() string
	}
	if ae, ok := err.(awsErr); ok {
		return ae.Code() == s3.ErrCodeNoSuchKey || ae.Code() == "NotFound"
	}
	return false
}
