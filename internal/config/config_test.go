package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultNeedsSecret(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Auth.Secret)
	require.Error(t, cfg.Validate())
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.False(t, cfg.Mail.Enabled())

	cfg.Auth.Secret = NewSecret()
	require.NoError(t, cfg.Validate())
	assert.NotEqual(t, cfg.Auth.Secret, NewSecret())
}

func TestFromYAMLRequiresSecret(t *testing.T) {
	_, err := FromYAML([]byte("server:\n  origin: https://wf.example.com\n"))
	assert.ErrorContains(t, err, "auth.secret is required")
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  origin: https://wf.example.com
auth:
  secret: 0123456789abcdef-secret
mail:
  host: smtp.example.com
  from: noreply@example.com
`))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "https://wf.example.com", cfg.Server.Origin)
	assert.True(t, cfg.Mail.Enabled())
	assert.Equal(t, 587, cfg.Mail.Port)
}

const withSecret = "auth:\n  secret: 0123456789abcdef-secret\n"

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"relative origin": withSecret + "server:\n  origin: /app\n",
		"short secret":    "auth:\n  secret: short\n",
		"mail no from":    withSecret + "mail:\n  host: smtp.example.com\n",
		"bad level":       withSecret + "log:\n  level: loud\n",
		"bad base path":   withSecret + "server:\n  base_path: v1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflowmgr.yml"), []byte(GenerateDefault("0123456789abcdef-secret")), 0o600))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef-secret", cfg.Auth.Secret)
}
