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

package trigger

import (
	"bytes"
	"context"
	"errors"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"playbook-platform/pkg/metrics"
)

// Router trigger 服务的 HTTP 路由
type Router struct {
	handler *Handler
}

// NewRouter 创建路由器
func NewRouter(handler *Handler) *Router {
	return &Router{handler: handler}
}

// Build 构建 hertz server 并挂载路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	h := server.Default(append([]config.Option{server.WithHostPorts(addr)}, opts...)...)
	r.Register(h)
	return h
}

// Register 注册路由；测试里可以挂到已有的 server 上
func (r *Router) Register(h *server.Hertz) {
	h.GET("/healthz", r.healthz)
	h.GET("/metrics", r.metricsHandler)

	v1 := h.Group("/v1")
	v1.POST("/events/input", r.inputEvent)
}

func (r *Router) healthz(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) metricsHandler(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// inputEvent 输入写入事件入口
// POST /v1/events/input
func (r *Router) inputEvent(c context.Context, ctx *app.RequestContext) {
	var n Notification
	if err := ctx.BindJSON(&n); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}
	if n.OrgID == "" || n.RunID == "" || n.InputID == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "orgId, runId and inputId are required"})
		return
	}

	outcome, err := r.handler.HandleInput(c, n)
	switch {
	case err == nil:
		ctx.JSON(consts.StatusOK, outcome)
	case errors.Is(err, ErrDuplicate):
		// 重复通知不是错误，告知对端无需重试
		ctx.JSON(consts.StatusOK, map[string]string{"action": "duplicate"})
	case errors.Is(err, ErrRateLimited):
		ctx.JSON(consts.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNoPausedStep):
		ctx.JSON(consts.StatusConflict, map[string]string{"error": err.Error()})
	default:
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
