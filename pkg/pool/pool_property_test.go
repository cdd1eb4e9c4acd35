// Property-based tests for pool capacity accounting. These verify universal
// invariants that should hold across arbitrary create/shutdown interleavings.
package pool

import (
	"context"
	"errors"
	"testing"

	"deskgrid/internal/model"
	"deskgrid/pkg/config"
	"deskgrid/pkg/faults"
	"deskgrid/pkg/provision/local"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_CapacityNeverOversubscribed verifies the central accounting
// invariant: free capacity never goes negative and never exceeds the
// configured ceilings, no matter which placements succeed.
func TestProperty_CapacityNeverOversubscribed(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("free capacity stays within bounds under arbitrary placements", prop.ForAll(
		func(memMB, vcpu int, requests []int) bool {
			totalMem := memMB
			totalVCPU := vcpu
			p := testPool(config.HostConfig{Name: "h", MemoryMB: totalMem, VCPU: totalVCPU})
			ctx := context.Background()

			for _, r := range requests {
				reqMem := (r % 512) + 1
				reqCPU := (r % 3) + 1
				_, err := p.Create(ctx, model.ResourceProfile{MemoryMB: reqMem, VCPU: reqCPU},
					model.TaskConfig{TaskID: "t"})
				if err != nil && !errors.Is(err, faults.ErrCapacityExhausted) {
					return false
				}
				stats := p.Stats()
				if stats.FreeMemoryMB < 0 || stats.FreeMemoryMB > totalMem {
					return false
				}
				if stats.FreeVCPU < 0 || stats.FreeVCPU > totalVCPU {
					return false
				}
			}
			return true
		},
		gen.IntRange(256, 4096),
		gen.IntRange(1, 16),
		gen.SliceOfN(12, gen.IntRange(0, 1<<20)),
	))

	properties.Property("shutting every replica down restores full capacity", prop.ForAll(
		func(requests []int) bool {
			const totalMem, totalVCPU = 8192, 16
			p := testPool(config.HostConfig{Name: "h", MemoryMB: totalMem, VCPU: totalVCPU})
			ctx := context.Background()

			var ids []string
			for _, r := range requests {
				mgr, err := p.Create(ctx, model.ResourceProfile{MemoryMB: (r % 1024) + 1, VCPU: (r % 4) + 1},
					model.TaskConfig{TaskID: "t"})
				if err != nil {
					if errors.Is(err, faults.ErrCapacityExhausted) {
						continue
					}
					return false
				}
				ids = append(ids, mgr.Snapshot().ID)
			}
			for _, id := range ids {
				if err := p.Shutdown(ctx, id); err != nil {
					return false
				}
			}

			stats := p.Stats()
			return stats.FreeMemoryMB == totalMem && stats.FreeVCPU == totalVCPU && stats.Replicas == 0
		},
		gen.SliceOfN(10, gen.IntRange(0, 1<<20)),
	))

	properties.Property("successful placement always lands on a host that fits", prop.ForAll(
		func(reqMem, reqCPU int) bool {
			p := testPool(
				config.HostConfig{Name: "small", MemoryMB: 2048, VCPU: 2},
				config.HostConfig{Name: "big", MemoryMB: 8192, VCPU: 8},
			)
			mgr, err := p.Create(context.Background(),
				model.ResourceProfile{MemoryMB: reqMem, VCPU: reqCPU},
				model.TaskConfig{TaskID: "t"})
			if err != nil {
				return errors.Is(err, faults.ErrCapacityExhausted) && (reqMem > 8192 || reqCPU > 8)
			}
			host := mgr.Snapshot().Host
			if reqMem > 2048 || reqCPU > 2 {
				return host == "big"
			}
			return host == "small"
		},
		gen.IntRange(1, 10000),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
