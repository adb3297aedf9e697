package kube

import (
	"fmt"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Credentials selects a cluster through a kubeconfig file and context. Both
// empty means in-cluster configuration.
type Credentials struct {
	KubeconfigPath string
	Context        string
	// Namespace overrides the context's namespace when set.
	Namespace string
}

// RESTConfig resolves the REST config and the default namespace.
func (c Credentials) RESTConfig() (*rest.Config, string, error) {
	if c.KubeconfigPath == "" && c.Context == "" {
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, "", NewKubeError("RESTConfig", "", "", "", fmt.Sprintf("load in-cluster config: %v", err), ErrInvalidConfig)
		}
		ns := c.Namespace
		if ns == "" {
			ns = "default"
		}
		return cfg, ns, nil
	}

	rules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: c.KubeconfigPath}
	if c.KubeconfigPath == "" {
		rules = clientcmd.NewDefaultClientConfigLoadingRules()
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: c.Context}
	if c.Namespace != "" {
		overrides.Context.Namespace = c.Namespace
	}

	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides)
	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, "", NewKubeError("RESTConfig", "", "", "",
			fmt.Sprintf("load kubeconfig %q context %q: %v", c.KubeconfigPath, c.Context, err), ErrInvalidConfig)
	}
	ns, _, err := clientConfig.Namespace()
	if err != nil {
		return nil, "", NewKubeError("RESTConfig", "", "", "", fmt.Sprintf("resolve namespace: %v", err), ErrInvalidConfig)
	}
	return cfg, ns, nil
}
