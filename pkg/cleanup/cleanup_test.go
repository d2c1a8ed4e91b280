// Copyright 2023 The gVisor Authors.
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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCleanupOrder(t *testing.T) {
	var order []int
	func() {
		cu := Make(func() { order = append(order, 1) })
		defer cu.Clean()
		cu.Add(func() { order = append(order, 2) })
	}()
	if diff := cmp.Diff([]int{2, 1}, order); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	called := 0
	var later func()
	func() {
		cu := Make(func() { called++ })
		defer cu.Clean()
		later = cu.Release()
	}()
	if called != 0 {
		t.Fatalf("cleanup ran %d times after Release", called)
	}
	later()
	if called != 1 {
		t.Fatalf("released cleaner ran %d times, want 1", called)
	}
}

func TestZeroValue(t *testing.T) {
	var cu Cleanup
	cu.Clean()
	cu.Add(func() {})
	cu.Release()
}
