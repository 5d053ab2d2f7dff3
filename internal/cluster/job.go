// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cluster

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

const (
	// jobTTLSeconds 终结后的 Job 保留 5 分钟供排障，然后由集群回收
	jobTTLSeconds = int32(300)
	// sharedVolumePath step 容器内的共享工作卷挂载点
	sharedVolumePath = "/shared"
	// defaultPollInterval WaitForJob 的轮询间隔
	defaultPollInterval = 3 * time.Second
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]`)

// JobOptions 创建 step Job 的参数
type JobOptions struct {
	// Name 覆盖默认的 step-{run}-{step} 命名（resume Job 用）
	Name string
	// RunID / StepID 写入标签与默认命名
	RunID  string
	StepID string
	// Image 完整镜像引用（先经 ResolveImage）
	Image string
	// Env 注入容器的环境变量
	Env map[string]string
	// TimeoutSeconds Job 整体超时，映射为 activeDeadlineSeconds
	TimeoutSeconds int64
	// ServiceAccount 运行 step 的 service account；空则用命名空间默认
	ServiceAccount string
}

// JobResult WaitForJob 的终局
type JobResult struct {
	JobName   string
	Succeeded bool
	Message   string
}

// JobName 返回 step Job 的规范命名：step-{run}-{step}，裁剪到 63 字符
func JobName(runID, stepID string) string {
	return sanitizeName("step-" + runID + "-" + stepID)
}

// ResumeJobName 第 n 次恢复执行的 Job 名。序号后缀优先保留，
// 必要时裁剪前缀，保证不同序号不会因截断撞名。
func ResumeJobName(jobName string, n int64) string {
	suffix := fmt.Sprintf("-resume-%d", n)
	base := sanitizeName(jobName)
	if len(base)+len(suffix) > 63 {
		base = strings.TrimRight(base[:63-len(suffix)], "-")
	}
	return base + suffix
}

// sanitizeName 压成合法 DNS-1123 标签：小写、非法字符转 '-'、限长 63
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	name = invalidNameChars.ReplaceAllString(name, "-")
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}

// CreateStepJob 为 step 创建一次性 Job：不重试（backoffLimit=0）、带超时上限、
// 挂载 /shared 工作卷。返回实际的 Job 名。
func (c *Client) CreateStepJob(ctx context.Context, opts JobOptions) (string, error) {
	name := opts.Name
	if name == "" {
		name = JobName(opts.RunID, opts.StepID)
	} else {
		name = sanitizeName(name)
	}

	env := make([]corev1.EnvVar, 0, len(opts.Env)+1)
	for k, v := range opts.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	// NAMESPACE 属于容器环境契约，由适配器统一补齐
	if _, ok := opts.Env["NAMESPACE"]; !ok {
		env = append(env, corev1.EnvVar{Name: "NAMESPACE", Value: c.namespace})
	}

	labels := map[string]string{
		"app":       "playbook-step",
		"component": "step-worker",
		"run-id":    sanitizeName(opts.RunID),
		"step-id":   sanitizeName(opts.StepID),
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: c.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			// step 自身失败即终局，重试由上层的 resume 机制决定
			BackoffLimit:            ptr.To(int32(0)),
			ActiveDeadlineSeconds:   ptr.To(opts.TimeoutSeconds),
			TTLSecondsAfterFinished: ptr.To(jobTTLSeconds),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: opts.ServiceAccount,
					Containers: []corev1.Container{{
						Name:  "step",
						Image: opts.Image,
						Env:   env,
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("100m"),
								corev1.ResourceMemory: resource.MustParse("256Mi"),
							},
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("1"),
								corev1.ResourceMemory: resource.MustParse("1Gi"),
							},
						},
						VolumeMounts: []corev1.VolumeMount{{
							Name:      "shared",
							MountPath: sharedVolumePath,
						}},
					}},
					Volumes: []corev1.Volume{{
						Name: "shared",
						VolumeSource: corev1.VolumeSource{
							EmptyDir: &corev1.EmptyDirVolumeSource{},
						},
					}},
				},
			},
		},
	}

	created, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("cluster: create job %s: %w", name, err)
	}
	return created.Name, nil
}

// WaitForJob 轮询到 Job 终局；onPoll 每轮调用一次（nil 则跳过），
// 用于上层在等待期间执行心跳等动作，返回 error 时中断等待。
func (c *Client) WaitForJob(ctx context.Context, jobName string, onPoll func(ctx context.Context) error) (*JobResult, error) {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	for {
		job, err := c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("cluster: get job %s: %w", jobName, err)
		}
		for _, cond := range job.Status.Conditions {
			if cond.Status != corev1.ConditionTrue {
				continue
			}
			switch cond.Type {
			case batchv1.JobComplete:
				return &JobResult{JobName: jobName, Succeeded: true}, nil
			case batchv1.JobFailed:
				msg := cond.Message
				if msg == "" {
					msg = string(cond.Reason)
				}
				return &JobResult{JobName: jobName, Succeeded: false, Message: msg}, nil
			}
		}
		if onPoll != nil {
			if err := onPoll(ctx); err != nil {
				return nil, err
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// IsJobActive 返回 Job 是否仍在运行（未出现终局 condition）
func (c *Client) IsJobActive(ctx context.Context, jobName string) (bool, error) {
	job, err := c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	for _, cond := range job.Status.Conditions {
		if cond.Status == corev1.ConditionTrue &&
			(cond.Type == batchv1.JobComplete || cond.Type == batchv1.JobFailed) {
			return false, nil
		}
	}
	return true, nil
}

// DeleteJob 删除 Job 及其 Pod；不存在时为 no-op
func (c *Client) DeleteJob(ctx context.Context, jobName string) error {
	policy := metav1.DeletePropagationBackground
	err := c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("cluster: delete job %s: %w", jobName, err)
	}
	return nil
}

// DeleteConfigMap 删除 run 的配置对象；不存在时为 no-op
func (c *Client) DeleteConfigMap(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().ConfigMaps(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("cluster: delete configmap %s: %w", name, err)
	}
	return nil
}
