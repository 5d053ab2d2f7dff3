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

package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"

	"playbook-platform/pkg/errors"
	"playbook-platform/pkg/log"
)

// Config 应用配置结构体；controller、trigger、worker 共用同一结构，
// 各自的 yaml 里只填自己关心的段
type Config struct {
	StateStore StateStoreConfig `mapstructure:"statestore"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	Controller ControllerConfig `mapstructure:"controller"`
	Trigger    TriggerConfig    `mapstructure:"trigger"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        log.Config       `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// StateStoreConfig 文档库配置
type StateStoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填；支持 ${ENV} 引用
}

// ClusterConfig 集群编排配置
type ClusterConfig struct {
	Namespace      string `mapstructure:"namespace"`       // step Job 所在命名空间
	ImageRegistry  string `mapstructure:"image_registry"`  // 短镜像名的前缀仓库
	ServiceAccount string `mapstructure:"service_account"` // step pod 的 service account
	InCluster      *bool  `mapstructure:"in_cluster"`      // 未配置时默认 true
}

// ControllerConfig run controller 配置
type ControllerConfig struct {
	PollInterval      string `mapstructure:"poll_interval"`      // 轮询间隔，如 "5s"，空则默认 5s
	PlaybookConfigMap string `mapstructure:"playbook_configmap"` // run 级 playbook ConfigMap 名模板，空则 playbook-{run}
	HydratedPath      string `mapstructure:"hydrated_path"`      // 变量解析后 playbook 的写出路径
}

// TriggerConfig resume trigger 服务配置
type TriggerConfig struct {
	Port        int         `mapstructure:"port"`
	Host        string      `mapstructure:"host"`
	Redis       RedisConfig `mapstructure:"redis"`
	DedupTTL    string      `mapstructure:"dedup_ttl"`    // 输入去重键保留时长，如 "24h"
	LaunchQPS   float64     `mapstructure:"launch_qps"`   // 每秒允许拉起的恢复 Job 数
	LaunchBurst int         `mapstructure:"launch_burst"` // 令牌桶容量
}

// RedisConfig 去重与恢复序号用的 redis
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"` // 支持 ${ENV} 引用
}

// WorkerConfig step worker 配置
type WorkerConfig struct {
	SharedRoot   string `mapstructure:"shared_root"`   // 工作卷根，空则 /shared
	BlobEndpoint string `mapstructure:"blob_endpoint"` // 产物上传的签名 URL 服务
}

// SecretsConfig secret 后端配置
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // vault | env | memory | docstore
	Config   map[string]string `mapstructure:"config"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "无法读取配置文件")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "无法解析配置文件")
	}

	replaceEnvVars(&config)
	return &config, nil
}

// replaceEnvVars 替换配置里 ${ENV} 形式的敏感值
func replaceEnvVars(config *Config) {
	config.StateStore.DSN = expandEnv(config.StateStore.DSN)
	config.Trigger.Redis.Password = expandEnv(config.Trigger.Redis.Password)
}

func expandEnv(value string) string {
	if !strings.HasPrefix(value, "${") || !strings.HasSuffix(value, "}") {
		return value
	}
	if v := os.Getenv(value[2 : len(value)-1]); v != "" {
		return v
	}
	return value
}

// LoadControllerConfig 加载 controller 配置（configs/controller.yaml）
func LoadControllerConfig() (*Config, error) {
	return LoadConfig("configs/controller.yaml")
}

// LoadTriggerConfig 加载 trigger 配置（configs/trigger.yaml）
func LoadTriggerConfig() (*Config, error) {
	return LoadConfig("configs/trigger.yaml")
}

// LoadWorkerConfig 加载 worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
