package reconciler

import (
	"fmt"
	"sort"

	"github.com/fixpoint-labs/fixpoint-go/internal/domain"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/k8s"
	"github.com/fixpoint-labs/fixpoint-go/internal/templates"
)

// Labels stamped on every owned object.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelRun       = "fixpoint.dev/run"
	LabelRole      = "fixpoint.dev/role"
	LabelIteration = "fixpoint.dev/iteration"

	managedByValue = "fixpoint-controller"

	fragmentMountPath = "/etc/fixpoint/templates"
	fragmentVolume    = "templates"

	// defaultDeadlineSeconds bounds units whose spec carries no deadline.
	// Every unit gets a hard wall-clock limit regardless.
	defaultDeadlineSeconds int64 = 4 * 60 * 60
)

// UnitName derives the execution unit's name from the TaskRun identity alone,
// so repeated reconciles of the same resource always address the same Job.
func UnitName(run *domain.TaskRun) string {
	return "unit-" + run.Metadata.Name
}

// FragmentConfigMapName is the per-run ConfigMap holding resolved fragments.
func FragmentConfigMapName(run *domain.TaskRun) string {
	return "fragments-" + run.Metadata.Name
}

func unitLabels(run *domain.TaskRun) map[string]string {
	return map[string]string{
		LabelManagedBy: managedByValue,
		LabelRun:       run.Metadata.Name,
		LabelRole:      run.Spec.Role,
		LabelIteration: fmt.Sprintf("%d", run.Spec.Iteration),
	}
}

// BuildUnit computes the desired Job for a TaskRun. Credentials arrive as
// secret key references, never as literal values.
func BuildUnit(run *domain.TaskRun, credentialSecret string, credentialKeys []string) k8s.Job {
	deadline := run.Spec.DeadlineSeconds
	if deadline <= 0 {
		deadline = defaultDeadlineSeconds
	}
	backoff := int32(0)
	controller := true

	env := make([]k8s.EnvVar, 0, len(run.Spec.Env)+len(credentialKeys)+4)
	names := make([]string, 0, len(run.Spec.Env))
	for name := range run.Spec.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, k8s.EnvVar{Name: name, Value: run.Spec.Env[name]})
	}
	env = append(env,
		k8s.EnvVar{Name: "FIXPOINT_RUN_NAME", Value: run.Metadata.Name},
		k8s.EnvVar{Name: "FIXPOINT_SUBJECT", Value: run.Subject()},
		k8s.EnvVar{Name: "FIXPOINT_ITERATION", Value: fmt.Sprintf("%d", run.Spec.Iteration)},
		k8s.EnvVar{Name: "FIXPOINT_ROLE", Value: run.Spec.Role},
	)
	sort.Strings(credentialKeys)
	for _, key := range credentialKeys {
		env = append(env, k8s.EnvVar{
			Name: "FIXPOINT_CREDENTIAL_" + key,
			ValueFrom: &k8s.EnvVarSource{
				SecretKeyRef: &k8s.SecretKeySelector{Name: credentialSecret, Key: key},
			},
		})
	}

	mounts := []k8s.VolumeMount{
		{Name: fragmentVolume, MountPath: fragmentMountPath, ReadOnly: true},
	}
	volumes := []k8s.Volume{
		{Name: fragmentVolume, ConfigMap: &k8s.ConfigMapVolumeSource{Name: FragmentConfigMapName(run)}},
	}
	for _, claim := range run.Spec.StorageClaims {
		mounts = append(mounts, k8s.VolumeMount{
			Name:      claim.Name,
			MountPath: claim.MountPath,
			ReadOnly:  claim.ReadOnly,
		})
		volumes = append(volumes, k8s.Volume{
			Name:                  claim.Name,
			PersistentVolumeClaim: &k8s.PVCVolumeSource{ClaimName: claim.ClaimName},
		})
	}

	return k8s.Job{
		Metadata: k8s.ObjectMeta{
			Name:      UnitName(run),
			Namespace: run.Metadata.Namespace,
			Labels:    unitLabels(run),
			OwnerReferences: []k8s.OwnerReference{{
				APIVersion:         domain.APIVersion,
				Kind:               domain.KindTaskRun,
				Name:               run.Metadata.Name,
				UID:                run.Metadata.UID,
				Controller:         &controller,
				BlockOwnerDeletion: &controller,
			}},
		},
		Spec: k8s.JobSpec{
			BackoffLimit:          &backoff,
			ActiveDeadlineSeconds: &deadline,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: unitLabels(run)},
				Spec: k8s.PodSpec{
					// Failures must surface through status, never through
					// silent in-place restarts.
					RestartPolicy: "Never",
					Containers: []k8s.Container{{
						Name:         "agent",
						Image:        run.Spec.Image,
						Command:      []string{fragmentMountPath + "/container.sh"},
						Env:          env,
						VolumeMounts: mounts,
					}},
					Volumes: volumes,
				},
			},
		},
	}
}

// BuildFragmentConfigMap materializes resolved fragments for mounting.
func BuildFragmentConfigMap(run *domain.TaskRun, fragments []templates.Fragment) k8s.ConfigMap {
	data := make(map[string]string, len(fragments))
	for _, f := range fragments {
		data[f.Name] = string(f.Content)
	}
	return k8s.ConfigMap{
		Metadata: k8s.ObjectMeta{
			Name:      FragmentConfigMapName(run),
			Namespace: run.Metadata.Namespace,
			Labels:    unitLabels(run),
		},
		Data: data,
	}
}

// unitDiff compares an existing Job against the desired one.
type unitDiff struct {
	// mutablePatch is non-nil when only mutable fields differ.
	mutablePatch map[string]any
	// immutable is set when pod-template fields differ; those can only be
	// fixed by a new resource, never by patching in place.
	immutable bool
	detail    string
}

func (d unitDiff) clean() bool {
	return d.mutablePatch == nil && !d.immutable
}

func diffUnit(existing *k8s.Job, desired *k8s.Job) unitDiff {
	ec := primaryContainer(existing)
	dc := primaryContainer(desired)
	switch {
	case ec == nil || dc == nil:
		return unitDiff{immutable: true, detail: "pod template has no agent container"}
	case ec.Image != dc.Image:
		return unitDiff{immutable: true, detail: fmt.Sprintf("image %q vs %q", ec.Image, dc.Image)}
	case !envEqual(ec.Env, dc.Env):
		return unitDiff{immutable: true, detail: "container environment differs"}
	case !volumesEqual(existing.Spec.Template.Spec.Volumes, desired.Spec.Template.Spec.Volumes):
		return unitDiff{immutable: true, detail: "volumes differ"}
	case existing.Spec.Template.Spec.RestartPolicy != desired.Spec.Template.Spec.RestartPolicy:
		return unitDiff{immutable: true, detail: "restart policy differs"}
	}

	patch := map[string]any{}
	if !labelsEqual(existing.Metadata.Labels, desired.Metadata.Labels) {
		patch["metadata"] = map[string]any{"labels": desired.Metadata.Labels}
	}
	if !int64PtrEqual(existing.Spec.ActiveDeadlineSeconds, desired.Spec.ActiveDeadlineSeconds) {
		patch["spec"] = map[string]any{"activeDeadlineSeconds": desired.Spec.ActiveDeadlineSeconds}
	}
	if len(patch) == 0 {
		return unitDiff{}
	}
	return unitDiff{mutablePatch: patch}
}

func primaryContainer(job *k8s.Job) *k8s.Container {
	for i := range job.Spec.Template.Spec.Containers {
		if job.Spec.Template.Spec.Containers[i].Name == "agent" {
			return &job.Spec.Template.Spec.Containers[i]
		}
	}
	return nil
}

func envEqual(a []k8s.EnvVar, b []k8s.EnvVar) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Value != b[i].Value {
			return false
		}
		av, bv := a[i].ValueFrom, b[i].ValueFrom
		if (av == nil) != (bv == nil) {
			return false
		}
		if av != nil {
			as, bs := av.SecretKeyRef, bv.SecretKeyRef
			if (as == nil) != (bs == nil) {
				return false
			}
			if as != nil && (*as != *bs) {
				return false
			}
		}
	}
	return true
}

func volumesEqual(a []k8s.Volume, b []k8s.Volume) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			return false
		}
		ac, bc := a[i].ConfigMap, b[i].ConfigMap
		if (ac == nil) != (bc == nil) || (ac != nil && ac.Name != bc.Name) {
			return false
		}
		ap, bp := a[i].PersistentVolumeClaim, b[i].PersistentVolumeClaim
		if (ap == nil) != (bp == nil) || (ap != nil && ap.ClaimName != bp.ClaimName) {
			return false
		}
	}
	return true
}

func labelsEqual(a map[string]string, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func int64PtrEqual(a *int64, b *int64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}
