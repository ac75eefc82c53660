package k8s

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type ConfigMap struct {
	APIVersion string            `json:"apiVersion,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Metadata   ObjectMeta        `json:"metadata"`
	Data       map[string]string `json:"data,omitempty"`
}

func (c *Client) GetConfigMap(ctx context.Context, namespace string, name string) (ConfigMap, error) {
	namespace = c.resolveNamespace(namespace)
	name = strings.TrimSpace(name)
	if name == "" {
		return ConfigMap{}, errors.New("configmap name is required")
	}
	path := fmt.Sprintf("/api/v1/namespaces/%s/configmaps/%s", namespace, name)
	var out ConfigMap
	if err := c.get(ctx, path, &out); err != nil {
		return ConfigMap{}, err
	}
	return out, nil
}

func (c *Client) CreateConfigMap(ctx context.Context, namespace string, cm ConfigMap) error {
	namespace = c.resolveNamespace(namespace)
	cm.APIVersion = "v1"
	cm.Kind = "ConfigMap"
	cm.Metadata.Namespace = namespace
	path := fmt.Sprintf("/api/v1/namespaces/%s/configmaps", namespace)
	return c.post(ctx, path, cm, nil)
}

func (c *Client) DeleteConfigMap(ctx context.Context, namespace string, name string) error {
	namespace = c.resolveNamespace(namespace)
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("configmap name is required")
	}
	path := fmt.Sprintf("/api/v1/namespaces/%s/configmaps/%s", namespace, name)
	return c.delete(ctx, path)
}

type Secret struct {
	APIVersion string            `json:"apiVersion,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Metadata   ObjectMeta        `json:"metadata"`
	Data       map[string][]byte `json:"data,omitempty"`
}

func (c *Client) GetSecret(ctx context.Context, namespace string, name string) (Secret, error) {
	namespace = c.resolveNamespace(namespace)
	name = strings.TrimSpace(name)
	if name == "" {
		return Secret{}, errors.New("secret name is required")
	}
	path := fmt.Sprintf("/api/v1/namespaces/%s/secrets/%s", namespace, name)
	var out Secret
	if err := c.get(ctx, path, &out); err != nil {
		return Secret{}, err
	}
	return out, nil
}
