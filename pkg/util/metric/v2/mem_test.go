// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package v2

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPoolMetrics(t *testing.T) {
	m := NewPoolMetrics("test-pool-metrics")
	m.AllocatedBytes.Add(64)
	m.AllocatedBytes.Sub(16)
	m.CrossThreadFree.Inc()
	m.FreePages.Set(2)

	require.Equal(t, float64(48), testutil.ToFloat64(m.AllocatedBytes))
	require.Equal(t, float64(1), testutil.ToFloat64(m.CrossThreadFree))
	require.Equal(t, float64(2), testutil.ToFloat64(m.FreePages))
	require.Equal(t, float64(0), testutil.ToFloat64(m.BucketPages))
}

func TestRegistry(t *testing.T) {
	NewPageAllocatorMetrics("test-registry").Allocate.Inc()

	families, err := GetPrometheusGatherer().Gather()
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if f.GetName() == "mo_mem_page_allocate_total" {
			found = true
		}
	}
	require.True(t, found)
}
