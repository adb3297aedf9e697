// Package kube promotes images to Kubernetes Deployments: it applies a
// manifest, patches the workload image and waits for the rollout.
package kube

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/restmapper"
)

// FieldManager identifies the promoter's writes to the API server.
const FieldManager = "release-promoter"

// LastAppliedAnnotation stores the manifest content the promoter last applied.
const LastAppliedAnnotation = "promoter.artpar.dev/last-applied-configuration"

// DefaultPollInterval is the rollout status poll interval.
const DefaultPollInterval = 2 * time.Second

var deploymentsGVR = schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}

// =============================================================================
// Client
// =============================================================================

// Client talks to one cluster through the dynamic client.
type Client struct {
	dynamic   dynamic.Interface
	mapper    meta.RESTMapper
	namespace string
	logger    *slog.Logger
}

// NewClient builds a client for the cluster selected by creds. Kinds are
// resolved through a cached discovery REST mapper.
func NewClient(creds Credentials, logger *slog.Logger) (*Client, error) {
	cfg, ns, err := creds.RESTConfig()
	if err != nil {
		return nil, err
	}

	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, NewKubeError("NewClient", "", "", "", fmt.Sprintf("build dynamic client: %v", err), ErrInvalidConfig)
	}
	disco, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, NewKubeError("NewClient", "", "", "", fmt.Sprintf("build discovery client: %v", err), ErrInvalidConfig)
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(disco))

	return NewClientWithInterfaces(dyn, mapper, ns, logger), nil
}

// NewClientWithInterfaces wires a client from existing interfaces.
func NewClientWithInterfaces(dyn dynamic.Interface, mapper meta.RESTMapper, namespace string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if namespace == "" {
		namespace = "default"
	}
	return &Client{
		dynamic:   dyn,
		mapper:    mapper,
		namespace: namespace,
		logger:    logger.With("component", "kube"),
	}
}

// Namespace returns the default namespace for namespaced objects.
func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) ns(namespace string) string {
	if namespace == "" {
		return c.namespace
	}
	return namespace
}

func (c *Client) deployments(namespace string) dynamic.ResourceInterface {
	return c.dynamic.Resource(deploymentsGVR).Namespace(c.ns(namespace))
}

// Ping checks that the API server answers and that the credentials may read
// Deployments in the default namespace.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.deployments("").List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return NewKubeError("Ping", "Deployment", c.namespace, "", err.Error(), err)
	}
	return nil
}
