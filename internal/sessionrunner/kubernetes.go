package sessionrunner

import (
	"context"
	"fmt"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// Kubernetes is a pack-parity stub: it constructs a real client-go
// clientset against the in-cluster REST config (or a placeholder
// config when not running in a cluster) and can render the
// batchv1.Job it would submit, but Start and Kill return
// ErrNotSupported and IsAlive always reports false. Multi-node
// coordination is an explicit Non-goal (spec §1); this backend exists
// so NEXUS_RUNNER=kubernetes fails loudly on the first job start instead of
// being a dependency nobody ever references, and so a future
// multi-node Nexus has a concrete starting point for what the job
// object looks like.
type Kubernetes struct {
	clientset *kubernetes.Clientset
	namespace string
}

func NewKubernetes() (*Kubernetes, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg = &rest.Config{Host: "unconfigured"}
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Kubernetes{clientset: cs, namespace: "default"}, nil
}

// buildJob renders the batchv1.Job a real multi-node backend would
// submit for a session: one GPU-reserving container running the given
// command under the given environment, named so it can be matched
// back to a Nexus job id. It is exercised by Start below even though
// the submission call itself is never reached, so the shape stays
// honest with the rest of client-go's object model.
func (k *Kubernetes) buildJob(name, command string, env []string, numGPUs int) *batchv1.Job {
	envVars := make([]corev1.EnvVar, 0, len(env))
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envVars = append(envVars, corev1.EnvVar{Name: parts[0], Value: parts[1]})
	}

	resources := corev1.ResourceRequirements{
		Limits:   corev1.ResourceList{},
		Requests: corev1.ResourceList{},
	}
	if numGPUs > 0 {
		qty := resource.MustParse(fmt.Sprintf("%d", numGPUs))
		resources.Limits["nvidia.com/gpu"] = qty
		resources.Requests["nvidia.com/gpu"] = qty
	}

	backoff := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.namespace,
			Labels:    map[string]string{"app": "nexus-session"},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "nexus-session"}},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:      "session",
							Command:   []string{"/bin/bash", "-c", command},
							Env:       envVars,
							Resources: resources,
						},
					},
				},
			},
		},
	}
}

func (k *Kubernetes) Start(ctx context.Context, name, workingDir, command string, env []string) (int, error) {
	k.buildJob(name, command, env, 0)
	return 0, ErrNotSupported
}

func (k *Kubernetes) Kill(ctx context.Context, name string) error {
	return ErrNotSupported
}

func (k *Kubernetes) IsAlive(name string) bool {
	return false
}
