// Package config loads the environment enumerated in spec.md §6, with
// precedence env > file > defaults. It follows the teacher's nil-safe,
// zero-value-means-default config style (see e.g. microbatch.BatcherConfig,
// catrate.NewLimiter's rate validation): a Config value is always valid to
// construct components from, whether it came from defaults, a JSON file, or
// environment overrides layered on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Role is the deployment role (spec §6).
type Role string

const (
	RoleStandalone Role = "standalone"
	RoleMaster     Role = "master"
	RoleWorker     Role = "worker"
)

// Config is the fully-resolved runtime configuration.
type Config struct {
	Role Role

	ListenAddr string

	DistributedEnabled bool
	PubSubURL          string // redis connection URL, when DistributedEnabled

	PrimaryStoreGatewayURL string
	PrimaryStoreAPIKey     string
	FallbackStorePath      string // sqlite file path

	ObjectStoreBucket      string
	ObjectStoreRegion      string
	ObjectStoreAccessKeyID string
	ObjectStoreSecretKey   string
	ObjectStoreEndpoint    string // optional, for S3-compatible endpoints
	LocalBlobPath          string
	LocalBlobPublicBaseURL string
	LocalBlobSigningSecret string

	OCRPermits    int
	OCRBinaryPath string

	QueueDepthCap int

	SignatureTolerance time.Duration
	SessionTTL         time.Duration
	RatePerMinute      int
	RatePerHour        int

	// AccessKeys maps a third-party client's access key to its shared HMAC
	// secret (spec §4.10). Only file-configurable: env vars are awkward for
	// maps, and access keys are operational credentials, not per-deploy
	// tuning knobs.
	AccessKeys map[string]string

	// KeyPrefix namespaces the Redis keys/channels shared by C6's
	// Redis-backed queue and C8's distribution fabric (spec §4.6, §4.8).
	KeyPrefix string

	// WorkerID/WorkerCapacity identify this process within the
	// distribution fabric when Role is master or worker (spec §4.8).
	WorkerID       string
	WorkerCapacity int

	MetricsEnabled bool

	LogJSON  bool
	LogDebug bool
}

// Defaults returns the built-in default configuration (spec §4.7, §4.10).
func Defaults() Config {
	return Config{
		Role:                   RoleStandalone,
		ListenAddr:             ":8080",
		DistributedEnabled:     false,
		FallbackStorePath:      "./data/fallback.sqlite",
		LocalBlobPath:          "./data/blobs",
		OCRPermits:             6,
		OCRBinaryPath:          "ocr-recognizer",
		QueueDepthCap:          500,
		SignatureTolerance:     5 * time.Minute,
		SessionTTL:             4 * time.Hour,
		RatePerMinute:          100,
		RatePerHour:            1000,
		KeyPrefix:              "ocr_server",
		WorkerID:               "standalone",
		WorkerCapacity:         6,
		MetricsEnabled:         true,
	}
}

// Load resolves configuration starting from Defaults, overlaying an
// optional JSON file (path given by OCR_SERVER_CONFIG_FILE, if set), then
// overlaying recognised environment variables (highest precedence).
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("OCR_SERVER_CONFIG_FILE"); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return cfg, fmt.Errorf("config: loading file %q: %w", path, err)
		}
	}

	overlayEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fileOverlay mirrors Config but with pointer fields, so a file may specify
// a subset of options without zero values clobbering defaults.
type fileOverlay struct {
	Role                   *string `json:"role"`
	ListenAddr             *string `json:"listenAddr"`
	DistributedEnabled     *bool   `json:"distributedEnabled"`
	PubSubURL              *string `json:"pubSubUrl"`
	PrimaryStoreGatewayURL *string `json:"primaryStoreGatewayUrl"`
	PrimaryStoreAPIKey     *string `json:"primaryStoreApiKey"`
	FallbackStorePath      *string `json:"fallbackStorePath"`
	ObjectStoreBucket      *string `json:"objectStoreBucket"`
	ObjectStoreRegion      *string `json:"objectStoreRegion"`
	ObjectStoreAccessKeyID *string `json:"objectStoreAccessKeyId"`
	ObjectStoreSecretKey   *string `json:"objectStoreSecretKey"`
	ObjectStoreEndpoint    *string `json:"objectStoreEndpoint"`
	LocalBlobPath          *string `json:"localBlobPath"`
	LocalBlobPublicBaseURL *string `json:"localBlobPublicBaseUrl"`
	LocalBlobSigningSecret *string `json:"localBlobSigningSecret"`
	OCRPermits             *int    `json:"ocrPermits"`
	OCRBinaryPath          *string `json:"ocrBinaryPath"`
	QueueDepthCap          *int    `json:"queueDepthCap"`
	SignatureToleranceSecs *int    `json:"signatureToleranceSeconds"`
	SessionTTLSecs         *int    `json:"sessionTtlSeconds"`
	RatePerMinute          *int              `json:"ratePerMinute"`
	RatePerHour            *int              `json:"ratePerHour"`
	AccessKeys             map[string]string `json:"accessKeys"`
	KeyPrefix              *string           `json:"keyPrefix"`
	WorkerID               *string `json:"workerId"`
	WorkerCapacity         *int    `json:"workerCapacity"`
	MetricsEnabled         *bool   `json:"metricsEnabled"`
	LogJSON                *bool   `json:"logJson"`
	LogDebug               *bool   `json:"logDebug"`
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f fileOverlay
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.Role != nil {
		cfg.Role = Role(*f.Role)
	}
	if f.ListenAddr != nil {
		cfg.ListenAddr = *f.ListenAddr
	}
	if f.DistributedEnabled != nil {
		cfg.DistributedEnabled = *f.DistributedEnabled
	}
	if f.PubSubURL != nil {
		cfg.PubSubURL = *f.PubSubURL
	}
	if f.PrimaryStoreGatewayURL != nil {
		cfg.PrimaryStoreGatewayURL = *f.PrimaryStoreGatewayURL
	}
	if f.PrimaryStoreAPIKey != nil {
		cfg.PrimaryStoreAPIKey = *f.PrimaryStoreAPIKey
	}
	if f.FallbackStorePath != nil {
		cfg.FallbackStorePath = *f.FallbackStorePath
	}
	if f.ObjectStoreBucket != nil {
		cfg.ObjectStoreBucket = *f.ObjectStoreBucket
	}
	if f.ObjectStoreRegion != nil {
		cfg.ObjectStoreRegion = *f.ObjectStoreRegion
	}
	if f.ObjectStoreAccessKeyID != nil {
		cfg.ObjectStoreAccessKeyID = *f.ObjectStoreAccessKeyID
	}
	if f.ObjectStoreSecretKey != nil {
		cfg.ObjectStoreSecretKey = *f.ObjectStoreSecretKey
	}
	if f.ObjectStoreEndpoint != nil {
		cfg.ObjectStoreEndpoint = *f.ObjectStoreEndpoint
	}
	if f.LocalBlobPath != nil {
		cfg.LocalBlobPath = *f.LocalBlobPath
	}
	if f.LocalBlobPublicBaseURL != nil {
		cfg.LocalBlobPublicBaseURL = *f.LocalBlobPublicBaseURL
	}
	if f.LocalBlobSigningSecret != nil {
		cfg.LocalBlobSigningSecret = *f.LocalBlobSigningSecret
	}
	if f.AccessKeys != nil {
		cfg.AccessKeys = f.AccessKeys
	}
	if f.KeyPrefix != nil {
		cfg.KeyPrefix = *f.KeyPrefix
	}
	if f.WorkerID != nil {
		cfg.WorkerID = *f.WorkerID
	}
	if f.WorkerCapacity != nil {
		cfg.WorkerCapacity = *f.WorkerCapacity
	}
	if f.OCRPermits != nil {
		cfg.OCRPermits = *f.OCRPermits
	}
	if f.OCRBinaryPath != nil {
		cfg.OCRBinaryPath = *f.OCRBinaryPath
	}
	if f.QueueDepthCap != nil {
		cfg.QueueDepthCap = *f.QueueDepthCap
	}
	if f.SignatureToleranceSecs != nil {
		cfg.SignatureTolerance = time.Duration(*f.SignatureToleranceSecs) * time.Second
	}
	if f.SessionTTLSecs != nil {
		cfg.SessionTTL = time.Duration(*f.SessionTTLSecs) * time.Second
	}
	if f.RatePerMinute != nil {
		cfg.RatePerMinute = *f.RatePerMinute
	}
	if f.RatePerHour != nil {
		cfg.RatePerHour = *f.RatePerHour
	}
	if f.MetricsEnabled != nil {
		cfg.MetricsEnabled = *f.MetricsEnabled
	}
	if f.LogJSON != nil {
		cfg.LogJSON = *f.LogJSON
	}
	if f.LogDebug != nil {
		cfg.LogDebug = *f.LogDebug
	}
	return nil
}

func overlayEnv(cfg *Config) {
	str(&cfg.ListenAddr, "OCR_SERVER_LISTEN_ADDR")
	if v, ok := os.LookupEnv("OCR_SERVER_ROLE"); ok {
		cfg.Role = Role(v)
	}
	boolean(&cfg.DistributedEnabled, "OCR_SERVER_DISTRIBUTED_ENABLED")
	str(&cfg.PubSubURL, "OCR_SERVER_PUBSUB_URL")
	str(&cfg.PrimaryStoreGatewayURL, "OCR_SERVER_PRIMARY_STORE_URL")
	str(&cfg.PrimaryStoreAPIKey, "OCR_SERVER_PRIMARY_STORE_API_KEY")
	str(&cfg.FallbackStorePath, "OCR_SERVER_FALLBACK_STORE_PATH")
	str(&cfg.ObjectStoreBucket, "OCR_SERVER_OBJECT_STORE_BUCKET")
	str(&cfg.ObjectStoreRegion, "OCR_SERVER_OBJECT_STORE_REGION")
	str(&cfg.ObjectStoreAccessKeyID, "OCR_SERVER_OBJECT_STORE_ACCESS_KEY_ID")
	str(&cfg.ObjectStoreSecretKey, "OCR_SERVER_OBJECT_STORE_SECRET_KEY")
	str(&cfg.ObjectStoreEndpoint, "OCR_SERVER_OBJECT_STORE_ENDPOINT")
	str(&cfg.LocalBlobPath, "OCR_SERVER_LOCAL_BLOB_PATH")
	str(&cfg.LocalBlobPublicBaseURL, "OCR_SERVER_LOCAL_BLOB_PUBLIC_BASE_URL")
	str(&cfg.LocalBlobSigningSecret, "OCR_SERVER_LOCAL_BLOB_SIGNING_SECRET")
	integer(&cfg.OCRPermits, "OCR_SERVER_OCR_PERMITS")
	str(&cfg.OCRBinaryPath, "OCR_SERVER_OCR_BINARY_PATH")
	integer(&cfg.QueueDepthCap, "OCR_SERVER_QUEUE_DEPTH_CAP")
	seconds(&cfg.SignatureTolerance, "OCR_SERVER_SIGNATURE_TOLERANCE_SECONDS")
	seconds(&cfg.SessionTTL, "OCR_SERVER_SESSION_TTL_SECONDS")
	integer(&cfg.RatePerMinute, "OCR_SERVER_RATE_PER_MINUTE")
	integer(&cfg.RatePerHour, "OCR_SERVER_RATE_PER_HOUR")
	str(&cfg.KeyPrefix, "OCR_SERVER_KEY_PREFIX")
	str(&cfg.WorkerID, "OCR_SERVER_WORKER_ID")
	integer(&cfg.WorkerCapacity, "OCR_SERVER_WORKER_CAPACITY")
	boolean(&cfg.MetricsEnabled, "OCR_SERVER_METRICS_ENABLED")
	boolean(&cfg.LogJSON, "OCR_SERVER_LOG_JSON")
	boolean(&cfg.LogDebug, "OCR_SERVER_LOG_DEBUG")
}

func str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func integer(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func seconds(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func boolean(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (c Config) validate() error {
	if c.OCRPermits <= 0 {
		return fmt.Errorf("config: ocrPermits must be positive, got %d", c.OCRPermits)
	}
	if c.QueueDepthCap <= 0 {
		return fmt.Errorf("config: queueDepthCap must be positive, got %d", c.QueueDepthCap)
	}
	switch c.Role {
	case RoleStandalone, RoleMaster, RoleWorker:
	default:
		return fmt.Errorf("config: unknown role %q", c.Role)
	}
	if (c.Role == RoleMaster || c.Role == RoleWorker) && c.PubSubURL == "" {
		return fmt.Errorf("config: pubSubUrl is required for role %q", c.Role)
	}
	return nil
}
