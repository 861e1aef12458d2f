package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradegated.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
ledger:
  url: http://localhost:7110
security:
  api_keys:
    - key: ops
      secret: topsecret
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":7120", cfg.ListenAddress)
	require.Equal(t, 30, cfg.Deals.CancelAfterDays)
	require.Equal(t, 0, cfg.Deals.FinishAfterDays)
	require.Equal(t, 10*time.Second, cfg.Ledger.RequestTimeout.Duration)
	require.Equal(t, 3, cfg.Ledger.MaxRetries)
	require.Equal(t, "", cfg.Ledger.Trustline.Currency)
	require.Equal(t, 2*time.Minute, cfg.Security.TimestampSkew.Duration)
	require.Equal(t, 4*time.Minute, cfg.Security.NonceTTL.Duration)
	require.Equal(t, 1024, cfg.Security.NonceCapacity)
	require.Equal(t, 24*time.Hour, cfg.Security.IdempotencyTTL.Duration)
	require.Equal(t, "tradegated", cfg.Observability.ServiceName)
	require.Equal(t, "info", cfg.Observability.LogLevel)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
ledger:
  url: http://localhost:7110
  request_timeout: 5s
  confirm_timeout: 1m
deals:
  cancel_after_days: 45
  finish_after_days: 2
security:
  api_keys:
    - key: ops
      secret: topsecret
  timestamp_skew: 30s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 5*time.Second, cfg.Ledger.RequestTimeout.Duration)
	require.Equal(t, time.Minute, cfg.Ledger.ConfirmTimeout.Duration)
	require.Equal(t, 45, cfg.Deals.CancelAfterDays)
	require.Equal(t, 2, cfg.Deals.FinishAfterDays)
	require.Equal(t, 30*time.Second, cfg.Security.TimestampSkew.Duration)
	require.Equal(t, time.Minute, cfg.Security.NonceTTL.Duration)
}

func TestLoadTrustline(t *testing.T) {
	path := writeConfig(t, `
ledger:
  url: http://localhost:7110
  trustline:
    currency: USD
    issuer: tg1issuer
security:
  api_keys:
    - key: ops
      secret: topsecret
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "USD", cfg.Ledger.Trustline.Currency)
	require.Equal(t, "1000000", cfg.Ledger.Trustline.Limit)
}

func TestLoadRejectsTrustlineWithoutIssuer(t *testing.T) {
	path := writeConfig(t, `
ledger:
  url: http://localhost:7110
  trustline:
    currency: USD
security:
  api_keys:
    - key: ops
      secret: topsecret
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "trustline issuer")
}

func TestLoadRejectsMissingLedgerURL(t *testing.T) {
	path := writeConfig(t, `
security:
  api_keys:
    - key: ops
      secret: topsecret
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "ledger url")
}

func TestLoadRejectsMissingAPIKeys(t *testing.T) {
	path := writeConfig(t, `
ledger:
  url: http://localhost:7110
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "api key")
}

func TestLoadRejectsBlankAPIKeyEntry(t *testing.T) {
	path := writeConfig(t, `
ledger:
  url: http://localhost:7110
security:
  api_keys:
    - key: ops
      secret: ""
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "key and secret")
}

func TestLoadRejectsDeadlineInversion(t *testing.T) {
	path := writeConfig(t, `
ledger:
  url: http://localhost:7110
deals:
  cancel_after_days: 1
  finish_after_days: 5
security:
  api_keys:
    - key: ops
      secret: topsecret
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "cancel_after_days")
}
