package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"SIDEFX_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"SIDEFX_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"SIDEFX_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"SIDEFX_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"SIDEFX_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"SIDEFX_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"SIDEFX_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"SIDEFX_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"SIDEFX_REDIS_SKIP_TLS_VERIFY"`
}

// QueueConfig carries the names and sizing of the asynq queues. Command
// queues are sharded NumberOfQueues ways so commands for the same business
// key are processed serially within one queue.
type QueueConfig struct {
	CommandQueue     string `json:"command_queue" envconfig:"SIDEFX_QUEUE_COMMAND_QUEUE"`
	DeadLetterQueue  string `json:"dead_letter_queue" envconfig:"SIDEFX_QUEUE_DEAD_LETTER_QUEUE"`
	NumberOfQueues   int    `json:"number_of_queues" envconfig:"SIDEFX_QUEUE_NUMBER_OF_QUEUES"`
	MaxRetryAttempts int    `json:"max_retry_attempts" envconfig:"SIDEFX_QUEUE_MAX_RETRY_ATTEMPTS"`
	MonitoringPort   string `json:"monitoring_port" envconfig:"SIDEFX_QUEUE_MONITORING_PORT"`
}

// ArtifactConfig addresses the durable write target for effect artifacts.
// When the S3 bucket is set, artifacts are mirrored to object storage after
// the local create-only write.
type ArtifactConfig struct {
	Dir                string `json:"dir" envconfig:"SIDEFX_ARTIFACTS_DIR"`
	S3Endpoint         string `json:"s3_endpoint" envconfig:"SIDEFX_ARTIFACTS_S3_ENDPOINT"`
	S3BucketName       string `json:"s3_bucket_name" envconfig:"SIDEFX_ARTIFACTS_S3_BUCKET_NAME"`
	S3Region           string `json:"s3_region" envconfig:"SIDEFX_ARTIFACTS_S3_REGION"`
	AwsAccessKeyId     string `json:"aws_access_key_id"`
	AwsSecretAccessKey string `json:"aws_secret_access_key"`
}

// ExecutorConfig configures the built-in side-effect executors.
type ExecutorConfig struct {
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"SIDEFX_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"SIDEFX_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"SIDEFX_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"SIDEFX_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"SIDEFX_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Queue           QueueConfig      `json:"queue"`
	Artifacts       ArtifactConfig   `json:"artifacts"`
	Executor        ExecutorConfig   `json:"executor"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("sidefx", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called sidefx.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Sidefx Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Queue.applyDefaults()

	if cnf.Artifacts.Dir == "" {
		cnf.Artifacts.Dir = "/data/artifacts"
		log.Printf("Warning: Artifacts dir not specified. Setting default: %s", cnf.Artifacts.Dir)
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (q *QueueConfig) applyDefaults() {
	if q.CommandQueue == "" {
		q.CommandQueue = "sidefx:commands"
	}
	if q.DeadLetterQueue == "" {
		q.DeadLetterQueue = "sidefx:dlq"
	}
	if q.NumberOfQueues <= 0 {
		q.NumberOfQueues = 4
	}
	if q.MaxRetryAttempts <= 0 {
		q.MaxRetryAttempts = 5
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5004"
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.Queue.applyDefaults()
	if mockConfig.Artifacts.Dir == "" {
		mockConfig.Artifacts.Dir = os.TempDir()
	}
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
