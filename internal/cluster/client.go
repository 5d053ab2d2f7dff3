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

// Package cluster 封装对 Kubernetes 的全部访问：step Job 的创建 / 等待 /
// 清理与镜像名解析。controller 只经由这里触碰集群。
package cluster

import (
	"fmt"
	"strings"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// Client run 命名空间内的集群操作句柄
type Client struct {
	clientset kubernetes.Interface
	namespace string
	registry  string
}

// NewInClusterClient 以 in-cluster 凭据创建 Client；registry 为私有镜像仓库前缀
func NewInClusterClient(namespace, registry string) (*Client, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("cluster: in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("cluster: clientset: %w", err)
	}
	return NewClient(clientset, namespace, registry), nil
}

// NewClient 以现成 clientset 创建 Client（测试注入 fake clientset）
func NewClient(clientset kubernetes.Interface, namespace, registry string) *Client {
	return &Client{clientset: clientset, namespace: namespace, registry: registry}
}

// Namespace 返回 run 命名空间
func (c *Client) Namespace() string {
	return c.namespace
}

// ResolveImage 解析 step 的 agent 镜像：
// 含 '/' 的视为完整引用原样返回；短名拼接为 {registry}/step-{name}。
// 短名但未配置 registry 时报错。
func (c *Client) ResolveImage(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("cluster: empty agent image name")
	}
	if strings.Contains(name, "/") {
		return name, nil
	}
	if c.registry == "" {
		return "", fmt.Errorf("cluster: agent image %q is a short name but no registry is configured", name)
	}
	return c.registry + "/step-" + name, nil
}
