package k8s

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/fixpoint-labs/fixpoint-go/internal/domain"
)

const taskRunAPIPrefix = "/apis/fixpoint.dev/v1alpha1"

type TaskRunList struct {
	APIVersion string           `json:"apiVersion,omitempty"`
	Kind       string           `json:"kind,omitempty"`
	Items      []domain.TaskRun `json:"items"`
}

func (c *Client) ListTaskRuns(ctx context.Context, namespace string, labelSelector string) ([]domain.TaskRun, error) {
	namespace = c.resolveNamespace(namespace)
	path := fmt.Sprintf("%s/namespaces/%s/taskruns", taskRunAPIPrefix, namespace)
	if selector := strings.TrimSpace(labelSelector); selector != "" {
		path += "?labelSelector=" + url.QueryEscape(selector)
	}
	var out TaskRunList
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) GetTaskRun(ctx context.Context, namespace string, name string) (domain.TaskRun, error) {
	namespace = c.resolveNamespace(namespace)
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.TaskRun{}, errors.New("taskrun name is required")
	}
	path := fmt.Sprintf("%s/namespaces/%s/taskruns/%s", taskRunAPIPrefix, namespace, name)
	var out domain.TaskRun
	if err := c.get(ctx, path, &out); err != nil {
		return domain.TaskRun{}, err
	}
	return out, nil
}

func (c *Client) CreateTaskRun(ctx context.Context, namespace string, run domain.TaskRun) (domain.TaskRun, error) {
	namespace = c.resolveNamespace(namespace)
	run.APIVersion = domain.APIVersion
	run.Kind = domain.KindTaskRun
	run.Metadata.Namespace = namespace
	if err := run.Validate(); err != nil {
		return domain.TaskRun{}, err
	}
	path := fmt.Sprintf("%s/namespaces/%s/taskruns", taskRunAPIPrefix, namespace)
	var out domain.TaskRun
	if err := c.post(ctx, path, run, &out); err != nil {
		return domain.TaskRun{}, err
	}
	return out, nil
}

// UpdateTaskRunStatus writes the status subresource. The caller's object must
// carry the resourceVersion it read; a stale version comes back as ErrConflict.
func (c *Client) UpdateTaskRunStatus(ctx context.Context, run domain.TaskRun) (domain.TaskRun, error) {
	namespace := c.resolveNamespace(run.Metadata.Namespace)
	name := strings.TrimSpace(run.Metadata.Name)
	if name == "" {
		return domain.TaskRun{}, errors.New("taskrun name is required")
	}
	run.APIVersion = domain.APIVersion
	run.Kind = domain.KindTaskRun
	path := fmt.Sprintf("%s/namespaces/%s/taskruns/%s/status", taskRunAPIPrefix, namespace, name)
	var out domain.TaskRun
	if err := c.put(ctx, path, run, &out); err != nil {
		return domain.TaskRun{}, err
	}
	return out, nil
}

// PatchTaskRunFinalizers replaces the finalizer list via merge patch.
func (c *Client) PatchTaskRunFinalizers(ctx context.Context, namespace string, name string, finalizers []string) error {
	namespace = c.resolveNamespace(namespace)
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("taskrun name is required")
	}
	if finalizers == nil {
		finalizers = []string{}
	}
	patch := map[string]any{
		"metadata": map[string]any{
			"finalizers": finalizers,
		},
	}
	path := fmt.Sprintf("%s/namespaces/%s/taskruns/%s", taskRunAPIPrefix, namespace, name)
	return c.mergePatch(ctx, path, patch, nil)
}

func (c *Client) DeleteTaskRun(ctx context.Context, namespace string, name string) error {
	namespace = c.resolveNamespace(namespace)
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("taskrun name is required")
	}
	path := fmt.Sprintf("%s/namespaces/%s/taskruns/%s", taskRunAPIPrefix, namespace, name)
	return c.delete(ctx, path)
}
