package swarm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/swarm"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServiceClient records calls and returns canned errors.
type fakeServiceClient struct {
	mu        sync.Mutex
	updateErr error
	createErr error
	updates   []string
	creates   []swarm.ServiceSpec
}

func (f *fakeServiceClient) Ping(context.Context) error { return nil }
func (f *fakeServiceClient) Close() error               { return nil }

func (f *fakeServiceClient) UpdateServiceImage(_ context.Context, name, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, name+"="+image)
	return f.updateErr
}

func (f *fakeServiceClient) CreateService(_ context.Context, spec swarm.ServiceSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, spec)
	if f.createErr != nil {
		return "", f.createErr
	}
	return "svc-" + spec.Name, nil
}

// fakeEngine is a minimal Docker Engine API serving swarm service endpoints.
type fakeEngine struct {
	mu       sync.Mutex
	services map[string]swarm.Service
	updates  []swarm.ServiceSpec
	creates  []swarm.ServiceSpec
	authHdr  []string
	status   int // forced status for service calls when non-zero
}

var versionPrefix = regexp.MustCompile(`^/v[0-9.]+`)

func (e *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	path := versionPrefix.ReplaceAllString(r.URL.Path, "")
	if path == "/_ping" {
		w.Header().Set("Api-Version", "1.47")
		w.Header().Set("Swarm", "active/manager")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	if e.status != 0 {
		writeEngineError(w, e.status, "forced failure")
		return
	}
	if auth := r.Header.Get("X-Registry-Auth"); auth != "" {
		e.authHdr = append(e.authHdr, auth)
	}

	switch {
	case r.Method == http.MethodPost && path == "/services/create":
		var spec swarm.ServiceSpec
		_ = json.NewDecoder(r.Body).Decode(&spec)
		if _, exists := e.services[spec.Name]; exists {
			writeEngineError(w, http.StatusConflict, "service "+spec.Name+" already exists")
			return
		}
		e.creates = append(e.creates, spec)
		svc := swarm.Service{ID: "id-" + spec.Name, Spec: spec}
		svc.Version.Index = 1
		e.services[spec.Name] = svc
		writeEngineJSON(w, http.StatusCreated, swarm.ServiceCreateResponse{ID: svc.ID})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/update"):
		var spec swarm.ServiceSpec
		_ = json.NewDecoder(r.Body).Decode(&spec)
		e.updates = append(e.updates, spec)
		svc := e.services[spec.Name]
		svc.Spec = spec
		svc.Version.Index++
		e.services[spec.Name] = svc
		writeEngineJSON(w, http.StatusOK, swarm.ServiceUpdateResponse{})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/services/"):
		name := strings.TrimPrefix(path, "/services/")
		svc, ok := e.services[name]
		if !ok {
			writeEngineError(w, http.StatusNotFound, "service "+name+" not found")
			return
		}
		writeEngineJSON(w, http.StatusOK, svc)

	default:
		writeEngineError(w, http.StatusNotFound, "page not found")
	}
}

func writeEngineJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEngineError(w http.ResponseWriter, status int, msg string) {
	writeEngineJSON(w, status, map[string]string{"message": msg})
}

func newTestEngine(t *testing.T, services ...swarm.Service) (*fakeEngine, *DockerClient) {
	t.Helper()
	engine := &fakeEngine{services: map[string]swarm.Service{}}
	for _, svc := range services {
		engine.services[svc.Spec.Name] = svc
	}
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	host := "tcp://" + strings.TrimPrefix(server.URL, "http://")
	cli, err := NewClient(Credentials{DockerHost: host}, RegistryAuth{Username: "ci", Password: "token"}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	return engine, cli
}

func existingService(name, image string) swarm.Service {
	svc := swarm.Service{
		ID: "id-" + name,
		Spec: swarm.ServiceSpec{
			Annotations: swarm.Annotations{
				Name:   name,
				Labels: map[string]string{"com.promoter.managed": "true"},
			},
			TaskTemplate: swarm.TaskSpec{
				ContainerSpec: &swarm.ContainerSpec{Image: image},
			},
		},
	}
	svc.Version.Index = 7
	return svc
}
