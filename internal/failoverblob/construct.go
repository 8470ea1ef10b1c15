package failoverblob

import "github.com/tomshen124/ocr-server/internal/obslog"

// NewS3Backend builds the primary object-store backend.
func NewS3Backend(cfg S3Config, log *obslog.Logger) (*s3Backend, error) {
	return newS3Backend(cfg, log)
}

// NewLocalFSBackend builds the fallback local-filesystem backend.
func NewLocalFSBackend(cfg LocalFSConfig, log *obslog.Logger) (*localFSBackend, error) {
	return newLocalFSBackend(cfg, log)
}
