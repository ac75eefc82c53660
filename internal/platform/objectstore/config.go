// Package objectstore provides the MinIO client used for durable shared state.
package objectstore

import (
	"errors"
	"strings"

	"github.com/fixpoint-labs/fixpoint-go/internal/platform/env"
)

type Config struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Region      string
	UseSSL      bool
	BucketState string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("FIXPOINT_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:    env.String("FIXPOINT_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:   env.String("FIXPOINT_MINIO_ACCESS_KEY", "fixpoint"),
		SecretKey:   env.String("FIXPOINT_MINIO_SECRET_KEY", "fixpointminio"),
		Region:      env.String("FIXPOINT_MINIO_REGION", "us-east-1"),
		UseSSL:      useSSL,
		BucketState: env.String("FIXPOINT_MINIO_BUCKET_STATE", "pipeline-state"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketState) == "" {
		return errors.New("state bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return errors.New("endpoint must not include a scheme")
	}
	return nil
}
