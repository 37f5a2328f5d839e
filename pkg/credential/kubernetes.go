package credential

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
)

// KubernetesSource reads the secret from a key of a Kubernetes Secret. It is
// the lookup used when the service runs inside a managed cluster.
type KubernetesSource struct {
	Client    client.Client
	Namespace string
	Secret    string
	Key       string
}

func (s *KubernetesSource) Name() string {
	return fmt.Sprintf("kubernetes:%s/%s#%s", s.Namespace, s.Secret, s.Key)
}

func (s *KubernetesSource) Resolve(ctx context.Context) (string, error) {
	var secret corev1.Secret
	key := types.NamespacedName{Namespace: s.Namespace, Name: s.Secret}
	if err := s.Client.Get(ctx, key, &secret); err != nil {
		if apierrors.IsNotFound(err) {
			return "", fmt.Errorf("secret %s not found: %w", key, ErrMissing)
		}
		return "", fmt.Errorf("get secret %s: %w", key, err)
	}

	raw, ok := secret.Data[s.Key]
	if !ok {
		return "", fmt.Errorf("secret %s has no key %q: %w", key, s.Key, ErrMissing)
	}
	v := strings.TrimSpace(string(raw))
	if v == "" {
		return "", fmt.Errorf("secret %s key %q is empty: %w", key, s.Key, ErrMissing)
	}
	return v, nil
}

// NewScheme returns a runtime.Scheme with the core types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := corev1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register core types: %w", err)
	}
	return scheme, nil
}

// NewKubernetesClient builds a controller-runtime client. An empty
// kubeconfig uses the in-cluster configuration or the default loading rules.
func NewKubernetesClient(kubeconfig string) (client.Client, error) {
	scheme, err := NewScheme()
	if err != nil {
		return nil, err
	}

	var restCfg *rest.Config
	if kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restCfg, err = config.GetConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}

	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return c, nil
}
