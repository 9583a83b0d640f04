// Package config loads and validates the single typed options struct the
// rest of the system is constructed from (§9: "dynamic config object...
// becomes a single typed options struct validated at startup"). Parsing a
// config *file* is explicitly out of scope (§1); this package only reads
// the environment variables enumerated in §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Options holds every environment-configurable knob from §6.
type Options struct {
	HotTTL                time.Duration
	WarmTTL               time.Duration
	ShardCount            int
	AgingPeriod           time.Duration
	Workers               int
	RateLimitPerSystem    float64
	AuthToken             string
	AuthEnabled           bool
	AlertDedupWindow      time.Duration
	CircuitFailureThresh  int
	CircuitOpenDuration   time.Duration
	CircuitSuccessThresh  int
	EmbedDim              int
	PromoteOnAccess       bool   // SPEC_FULL.md supplemented feature, default false
	AlertWebhookURL       string // §4.13 AlertManager delivery target; alerts are logged-only when unset

	ListenAddr           string
	ColdDataDir          string
	ObjectStoreEndpoint  string
	ObjectStoreBucket    string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string
	ObjectStoreUseSSL    bool
	RedisAddr            string
}

// Defaults returns the documented default values for every option (§4.6,
// §4.13, §6).
func Defaults() Options {
	return Options{
		HotTTL:               7 * 24 * time.Hour,
		WarmTTL:              90 * 24 * time.Hour,
		ShardCount:           256,
		AgingPeriod:          time.Hour,
		Workers:              4,
		RateLimitPerSystem:   50, // records/sec per system_id
		AuthEnabled:          true,
		AlertDedupWindow:     5 * time.Minute,
		CircuitFailureThresh: 5,
		CircuitOpenDuration:  60 * time.Second,
		CircuitSuccessThresh: 2,
		EmbedDim:             384,
		PromoteOnAccess:      false,
		ListenAddr:           ":8443",
		ColdDataDir:          "./data/cold",
		ObjectStoreBucket:    "memcore",
	}
}

// FromEnv builds Options starting from Defaults() and overriding with any
// of the environment variables named in §6 that are set. It returns a
// validation error (classified as config misconfiguration, exit code 1 at
// the caller) rather than exiting itself, so tests can exercise it.
func FromEnv() (Options, error) {
	o := Defaults()

	if v, ok := os.LookupEnv("HOT_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return o, fmt.Errorf("HOT_TTL: %w", err)
		}
		o.HotTTL = d
	}
	if v, ok := os.LookupEnv("WARM_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return o, fmt.Errorf("WARM_TTL: %w", err)
		}
		o.WarmTTL = d
	}
	if v, ok := os.LookupEnv("SHARD_COUNT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("SHARD_COUNT: %w", err)
		}
		o.ShardCount = n
	}
	if v, ok := os.LookupEnv("AGING_PERIOD"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return o, fmt.Errorf("AGING_PERIOD: %w", err)
		}
		o.AgingPeriod = d
	}
	if v, ok := os.LookupEnv("WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("WORKERS: %w", err)
		}
		o.Workers = n
	}
	if v, ok := os.LookupEnv("RATE_LIMIT_PER_SYSTEM"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return o, fmt.Errorf("RATE_LIMIT_PER_SYSTEM: %w", err)
		}
		o.RateLimitPerSystem = f
	}
	if v, ok := os.LookupEnv("AUTH_TOKEN"); ok {
		o.AuthToken = v
	}
	if v, ok := os.LookupEnv("AUTH_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return o, fmt.Errorf("AUTH_ENABLED: %w", err)
		}
		o.AuthEnabled = b
	}
	if v, ok := os.LookupEnv("ALERT_DEDUP_WINDOW"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return o, fmt.Errorf("ALERT_DEDUP_WINDOW: %w", err)
		}
		o.AlertDedupWindow = d
	}
	if v, ok := os.LookupEnv("CIRCUIT_FAILURE_THRESHOLD"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD: %w", err)
		}
		o.CircuitFailureThresh = n
	}
	if v, ok := os.LookupEnv("CIRCUIT_OPEN_DURATION"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return o, fmt.Errorf("CIRCUIT_OPEN_DURATION: %w", err)
		}
		o.CircuitOpenDuration = d
	}
	if v, ok := os.LookupEnv("CIRCUIT_SUCCESS_THRESHOLD"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("CIRCUIT_SUCCESS_THRESHOLD: %w", err)
		}
		o.CircuitSuccessThresh = n
	}
	if v, ok := os.LookupEnv("EMBED_DIM"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("EMBED_DIM: %w", err)
		}
		o.EmbedDim = n
	}
	if v, ok := os.LookupEnv("PROMOTE_ON_ACCESS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return o, fmt.Errorf("PROMOTE_ON_ACCESS: %w", err)
		}
		o.PromoteOnAccess = b
	}
	if v, ok := os.LookupEnv("ALERT_WEBHOOK_URL"); ok {
		o.AlertWebhookURL = v
	}
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		o.ListenAddr = v
	}
	if v, ok := os.LookupEnv("COLD_DATA_DIR"); ok {
		o.ColdDataDir = v
	}
	if v, ok := os.LookupEnv("OBJECT_STORE_ENDPOINT"); ok {
		o.ObjectStoreEndpoint = v
	}
	if v, ok := os.LookupEnv("OBJECT_STORE_BUCKET"); ok {
		o.ObjectStoreBucket = v
	}
	if v, ok := os.LookupEnv("OBJECT_STORE_ACCESS_KEY"); ok {
		o.ObjectStoreAccessKey = v
	}
	if v, ok := os.LookupEnv("OBJECT_STORE_SECRET_KEY"); ok {
		o.ObjectStoreSecretKey = v
	}
	if v, ok := os.LookupEnv("OBJECT_STORE_USE_SSL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return o, fmt.Errorf("OBJECT_STORE_USE_SSL: %w", err)
		}
		o.ObjectStoreUseSSL = b
	}
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok {
		o.RedisAddr = v
	}

	return o, o.Validate()
}

// Validate checks cross-field and range invariants that FromEnv's
// per-variable parsing cannot catch alone.
func (o Options) Validate() error {
	if o.ShardCount <= 0 {
		return fmt.Errorf("SHARD_COUNT must be > 0, got %d", o.ShardCount)
	}
	if o.Workers <= 0 {
		return fmt.Errorf("WORKERS must be > 0, got %d", o.Workers)
	}
	if o.EmbedDim != 384 {
		return fmt.Errorf("EMBED_DIM must equal the encoder's dimension (384), got %d", o.EmbedDim)
	}
	if o.AuthEnabled && o.AuthToken == "" {
		return fmt.Errorf("AUTH_ENABLED=true requires AUTH_TOKEN to be set")
	}
	if o.HotTTL < 0 || o.WarmTTL < 0 {
		return fmt.Errorf("HOT_TTL and WARM_TTL must be non-negative")
	}
	if o.CircuitFailureThresh <= 0 || o.CircuitSuccessThresh <= 0 {
		return fmt.Errorf("circuit breaker thresholds must be > 0")
	}
	return nil
}
