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

package utils

import (
	"testing"
	"time"
)

func TestCoalesceString(t *testing.T) {
	if got := CoalesceString("", "a", "b"); got != "a" {
		t.Errorf("CoalesceString: got %q", got)
	}
	if got := CoalesceString("", ""); got != "" {
		t.Errorf("CoalesceString all empty: got %q", got)
	}
}

func TestDefaultInt(t *testing.T) {
	if got := DefaultInt(0, 30); got != 30 {
		t.Errorf("DefaultInt(0): got %d", got)
	}
	if got := DefaultInt(-1, 30); got != 30 {
		t.Errorf("DefaultInt(-1): got %d", got)
	}
	if got := DefaultInt(5, 30); got != 5 {
		t.Errorf("DefaultInt(5): got %d", got)
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("", time.Second); got != time.Second {
		t.Errorf("ParseDuration empty: got %v", got)
	}
	if got := ParseDuration("bogus", time.Second); got != time.Second {
		t.Errorf("ParseDuration invalid: got %v", got)
	}
	if got := ParseDuration("3m", time.Second); got != 3*time.Minute {
		t.Errorf("ParseDuration 3m: got %v", got)
	}
}
