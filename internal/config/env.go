package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// LoadEnv copies an AWS Secrets Manager JSON secret (if configured) into the
// process environment and then loads local .env files. Already-set variables
// win over the .env file.
func LoadEnv(ctx context.Context, defaultEnvPath string) {
	if err := loadAWSSecretsIntoEnv(ctx, secretsmanagerClient); err != nil {
		log.Warn().Err(err).Msg("skipping AWS Secrets Manager load")
	}
	loadDotEnv(defaultEnvPath)
}

func loadDotEnv(defaultEnvPath string) {
	envFile := os.Getenv("ENV_FILE_PATH")
	if envFile == "" {
		envFile = defaultEnvPath
	}
	if err := godotenv.Load(envFile); err != nil {
		if err := godotenv.Load(); err != nil && os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
			log.Debug().Str("path", envFile).Msg(".env not found, using process environment")
		}
	}
}

// secretGetter is the one Secrets Manager call we need; tests substitute it.
type secretGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

func secretsmanagerClient(ctx context.Context) (secretGetter, error) {
	region := os.Getenv("AWS_SECRETS_MANAGER_REGION")
	var (
		cfg aws.Config
		err error
	)
	if region != "" {
		cfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	} else {
		cfg, err = awsconfig.LoadDefaultConfig(ctx)
	}
	if err != nil {
		return nil, err
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

func loadAWSSecretsIntoEnv(ctx context.Context, newClient func(context.Context) (secretGetter, error)) error {
	secretID := os.Getenv("AWS_SECRETS_MANAGER_SECRET_ID")
	if secretID == "" {
		secretID = os.Getenv("AWS_SECRET_ID")
	}
	if secretID == "" {
		return nil
	}
	versionStage := os.Getenv("AWS_SECRETS_MANAGER_VERSION_STAGE")
	if versionStage == "" {
		versionStage = "AWSCURRENT"
	}
	overwrite := strings.EqualFold(os.Getenv("AWS_SECRETS_MANAGER_OVERWRITE"), "true")

	client, err := newClient(ctx)
	if err != nil {
		return fmt.Errorf("aws config: %w", err)
	}
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(versionStage),
	})
	if err != nil {
		return fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	var payload string
	switch {
	case out.SecretString != nil:
		payload = *out.SecretString
	case len(out.SecretBinary) > 0:
		payload = string(out.SecretBinary)
	default:
		return fmt.Errorf("secret %s has no payload", secretID)
	}

	var kv map[string]any
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return fmt.Errorf("parsing secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, val := range kv {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return fmt.Errorf("setting env %s from secret: %w", key, err)
		}
		applied++
	}
	log.Info().Str("secret", secretID).Int("applied", applied).Bool("overwrite", overwrite).
		Msg("loaded env vars from AWS Secrets Manager")
	return nil
}
