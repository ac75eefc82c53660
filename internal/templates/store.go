package templates

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fixpoint-labs/fixpoint-go/internal/platform/k8s"
)

// ConfigMapStore reads fragments from ConfigMaps named
// "fixpoint-templates-{role}-{backend}". A missing ConfigMap is an empty
// level; any other API failure surfaces as an error so the reconciler can
// retry instead of misreading an outage as missing configuration.
type ConfigMapStore struct {
	client    *k8s.Client
	namespace string
}

func NewConfigMapStore(client *k8s.Client, namespace string) (*ConfigMapStore, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = client.Namespace()
	}
	if namespace == "" {
		return nil, errors.New("namespace is required")
	}
	return &ConfigMapStore{client: client, namespace: namespace}, nil
}

func configMapName(role string, backend string) string {
	normalize := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
				return r
			}
			return '-'
		}, s)
	}
	return fmt.Sprintf("fixpoint-templates-%s-%s", normalize(role), normalize(backend))
}

func (s *ConfigMapStore) Lookup(ctx context.Context, role string, backend string) (map[string][]byte, error) {
	cm, err := s.client.GetConfigMap(ctx, s.namespace, configMapName(role, backend))
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return map[string][]byte{}, nil
		}
		return nil, err
	}
	out := make(map[string][]byte, len(cm.Data))
	for name, content := range cm.Data {
		out[name] = []byte(content)
	}
	return out, nil
}
