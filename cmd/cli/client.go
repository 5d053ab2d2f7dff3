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

package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func triggerBaseURL() string {
	if u := os.Getenv("PLAYBOOK_TRIGGER_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(triggerBaseURL()).
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json")
}

func checkHealth() error {
	resp, err := newClient().R().Get("/healthz")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("GET /healthz: %s", resp.String())
	}
	return nil
}

// notifyInput 把输入事件投递到 resume trigger，返回 trigger 的处理结果（resumed/aborted/duplicate）
func notifyInput(orgID, runID, inputID string) (map[string]interface{}, error) {
	body := map[string]string{"orgId": orgID, "runId": runID, "inputId": inputID}
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(body).
		SetResult(&out).
		Post("/v1/events/input")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /v1/events/input: %s", resp.String())
	}
	return out, nil
}
