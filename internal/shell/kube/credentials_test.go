package kube

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: prod
  cluster:
    server: https://prod.example:6443
- name: staging
  cluster:
    server: https://staging.example:6443
users:
- name: deployer
  user:
    token: secret-token
contexts:
- name: prod
  context:
    cluster: prod
    user: deployer
    namespace: web
- name: staging
  context:
    cluster: staging
    user: deployer
current-context: staging
`

func writeKubeconfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kubeconfig")
	require.NoError(t, os.WriteFile(path, []byte(testKubeconfig), 0o600))
	return path
}

func TestCredentials_RESTConfig(t *testing.T) {
	path := writeKubeconfig(t)

	tests := []struct {
		name     string
		creds    Credentials
		wantHost string
		wantNS   string
	}{
		{"current context", Credentials{KubeconfigPath: path}, "https://staging.example:6443", "default"},
		{"explicit context", Credentials{KubeconfigPath: path, Context: "prod"}, "https://prod.example:6443", "web"},
		{"namespace override", Credentials{KubeconfigPath: path, Context: "prod", Namespace: "canary"}, "https://prod.example:6443", "canary"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, ns, err := tt.creds.RESTConfig()
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, cfg.Host)
			assert.Equal(t, "secret-token", cfg.BearerToken)
			assert.Equal(t, tt.wantNS, ns)
		})
	}
}

func TestCredentials_RESTConfigErrors(t *testing.T) {
	path := writeKubeconfig(t)

	tests := []struct {
		name  string
		creds Credentials
	}{
		{"missing file", Credentials{KubeconfigPath: filepath.Join(t.TempDir(), "absent")}},
		{"unknown context", Credentials{KubeconfigPath: path, Context: "dev"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.creds.RESTConfig()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestCredentials_InClusterOutsideCluster(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("KUBERNETES_SERVICE_PORT", "")

	_, _, err := Credentials{}.RESTConfig()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
