// Package config centralizes the os.Getenv(name); default-if-empty idiom
// repeated in every teacher main.go (api-gateway, orchestrator, worker)
// into one typed loader per binary, covering every variable named in
// spec.md §6.
package config

import (
	"os"
	"strconv"
	"time"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Redis holds the Job Store / Job Stream connection + naming config shared
// by all three binaries.
type Redis struct {
	URL      string
	Stream   string
	DeadStream string
	Group    string
	Consumer string
}

func loadRedis() Redis {
	stream := getenv("JOBS_STREAM", "jobs:stream")
	return Redis{
		URL:        getenv("REDIS_URL", "redis:6379"),
		Stream:     stream,
		DeadStream: stream + ":dead",
		Group:      getenv("JOBS_GROUP", "workers"),
		Consumer:   getenv("JOBS_CONSUMER", hostnameOrDefault()),
	}
}

func hostnameOrDefault() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "consumer-1"
}

// Auth holds JWT/service-token config shared by the API and the Gateway.
type Auth struct {
	JWTSecret                string
	RequireOrchestratorJWT   bool
	AccessTokenTTL           time.Duration
	RefreshTokenTTL          time.Duration
	ServiceTokenTTL          time.Duration
}

func loadAuth() Auth {
	return Auth{
		JWTSecret:              getenv("JWT_SECRET", "dev-secret-change-me"),
		RequireOrchestratorJWT: getenvBool("REQUIRE_ORCHESTRATOR_JWT", false),
		AccessTokenTTL:         getenvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:        getenvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		ServiceTokenTTL:        getenvDuration("SERVICE_TOKEN_TTL", 365*24*time.Hour),
	}
}

// API is cmd/api's configuration.
type API struct {
	Port  string
	Redis Redis
	Auth  Auth
}

// LoadAPI loads the Submission API's configuration.
func LoadAPI() API {
	return API{
		Port:  getenv("PORT", "8080"),
		Redis: loadRedis(),
		Auth:  loadAuth(),
	}
}

// Worker is cmd/worker's configuration.
type Worker struct {
	Redis               Redis
	Concurrency         int
	MaxRetries          int
	ClaimThreshold      time.Duration
	GeneratorTimeout    time.Duration
	WriteArtifacts      bool
	ObjectStoreBucket   string
	AWSRegion           string
	GeneratorEndpoints  map[string]string
	ServiceToken        string
	ReportURL           string
	MetricsPort         string
	DrainTimeout        time.Duration
}

// LoadWorker loads the Worker Pool's configuration.
func LoadWorker() Worker {
	endpoints := map[string]string{}
	for _, pair := range []struct{ name, env string }{
		{"jen1", "GENERATOR_JEN1_URL"},
		{"muscgen", "GENERATOR_MUSCGEN_URL"},
	} {
		if v := os.Getenv(pair.env); v != "" {
			endpoints[pair.name] = v
		}
	}
	if len(endpoints) == 0 {
		endpoints["jen1"] = "http://generator:9000"
	}

	return Worker{
		Redis:              loadRedis(),
		Concurrency:        getenvInt("WORKER_CONCURRENCY", 2),
		MaxRetries:         getenvInt("MAX_RETRIES", 3),
		ClaimThreshold:     getenvDuration("CLAIM_THRESHOLD", 60*time.Second),
		GeneratorTimeout:   getenvDuration("GENERATOR_TIMEOUT", 120*time.Second),
		WriteArtifacts:     getenvBool("WORKER_WRITE_ARTIFACTS", false),
		ObjectStoreBucket:  getenv("ARTIFACT_S3_BUCKET", ""),
		AWSRegion:          getenv("AWS_REGION", "us-east-1"),
		GeneratorEndpoints: endpoints,
		ServiceToken:       getenv("ORCHESTRATOR_SERVICE_TOKEN", ""),
		ReportURL:          getenv("API_REPORT_URL", "http://api:8080/jobs/report"),
		MetricsPort:        getenv("METRICS_PORT", "2112"),
		DrainTimeout:       getenvDuration("DRAIN_TIMEOUT", 30*time.Second),
	}
}

// Gateway is cmd/gateway's configuration.
type Gateway struct {
	Port            string
	Redis           Redis
	Auth            Auth
	HeartbeatPeriod time.Duration
	IdleTimeout     time.Duration
	EventsChannel   string
}

// LoadGateway loads the Notification Gateway's configuration.
func LoadGateway() Gateway {
	return Gateway{
		Port:            getenv("PORT", "8090"),
		Redis:           loadRedis(),
		Auth:            loadAuth(),
		HeartbeatPeriod: getenvDuration("WS_HEARTBEAT_PERIOD", 30*time.Second),
		IdleTimeout:     getenvDuration("WS_IDLE_TIMEOUT", 90*time.Second),
		EventsChannel:   getenv("JOBS_EVENTS_CHANNEL", "jobs:events"),
	}
}
