package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/spf13/viper"
)

func newViper(kv map[string]any) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	for k, val := range kv {
		v.Set(k, val)
	}
	return v
}

func TestFromViperDefaults(t *testing.T) {
	c, err := FromViper(newViper(map[string]any{"PUBLIC_URL": "https://tool.example.com/"}))
	if err != nil {
		t.Fatalf("FromViper: %v", err)
	}
	if c.LTIRedirectURI != "https://tool.example.com/lti/launch" {
		t.Errorf("redirect = %q", c.LTIRedirectURI)
	}
	if c.AppSuccessURL != "https://tool.example.com/app" {
		t.Errorf("success = %q", c.AppSuccessURL)
	}
	if c.LaunchTTL != 10*time.Minute || c.JWKSCacheTTL != time.Hour || c.ClockSkew != time.Minute {
		t.Errorf("unexpected durations: %+v", c)
	}
	if c.LaunchStore != LaunchStoreSQL {
		t.Errorf("launch store = %q", c.LaunchStore)
	}
	if len(c.CORSOrigins) != 1 || c.CORSOrigins[0] != "*" {
		t.Errorf("cors = %v", c.CORSOrigins)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		kv   map[string]any
		want string
	}{
		{"redis without url", map[string]any{"LAUNCH_STORE": "redis"}, "REDIS_URL"},
		{"unknown store", map[string]any{"LAUNCH_STORE": "etcd"}, "LAUNCH_STORE"},
		{"bad driver", map[string]any{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"zero ttl", map[string]any{"LAUNCH_TTL": "0s"}, "LAUNCH_TTL"},
		{"two keys", map[string]any{"TOOL_KEY_FILE": "a.pem", "TOOL_KEY_PEM": "x"}, "TOOL_KEY_FILE"},
		{"relative success", map[string]any{"APP_SUCCESS_URL": "/app"}, "APP_SUCCESS_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromViper(newViper(tt.kv))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

type fakeSecrets struct {
	out *secretsmanager.GetSecretValueOutput
	err error
}

func (f fakeSecrets) GetSecretValue(context.Context, *secretsmanager.GetSecretValueInput, ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return f.out, f.err
}

func TestLoadAWSSecretsIntoEnv(t *testing.T) {
	t.Setenv("AWS_SECRETS_MANAGER_SECRET_ID", "ltid/prod")
	t.Setenv("REDIS_URL", "redis://kept:6379")
	t.Setenv("DB_DSN", "")
	os.Unsetenv("DB_DSN")

	client := fakeSecrets{out: &secretsmanager.GetSecretValueOutput{
		SecretString: aws.String(`{"DB_DSN":"postgres://secret","REDIS_URL":"redis://overwritten"}`),
	}}
	err := loadAWSSecretsIntoEnv(context.Background(), func(context.Context) (secretGetter, error) { return client, nil })
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("DB_DSN"); got != "postgres://secret" {
		t.Errorf("DB_DSN = %q", got)
	}
	if got := os.Getenv("REDIS_URL"); got != "redis://kept:6379" {
		t.Errorf("REDIS_URL overwritten: %q", got)
	}
}

func TestLoadAWSSecretsSkipsWithoutID(t *testing.T) {
	t.Setenv("AWS_SECRETS_MANAGER_SECRET_ID", "")
	t.Setenv("AWS_SECRET_ID", "")
	called := false
	err := loadAWSSecretsIntoEnv(context.Background(), func(context.Context) (secretGetter, error) {
		called = true
		return nil, errors.New("unreachable")
	})
	if err != nil || called {
		t.Fatalf("err=%v called=%v", err, called)
	}
}
