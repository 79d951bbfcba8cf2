package registry

import (
	"log"
	"sort"
	"time"

	"github.com/itskum47/SwitchForge/fsm"
	"github.com/itskum47/SwitchForge/observability"
)

// runJanitor periodically evicts idle machines once the active set is above
// the soft cap. Runs until Shutdown closes janitorStop.
func (r *Registry) runJanitor() {
	defer close(r.janitorDone)

	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.janitorStop:
			return
		case <-ticker.C:
			r.sweepIdle()
		}
	}
}

// sweepIdle picks the least-recently-eventful machines that have been idle
// past MachineIdleTimeout and parks them: persist, remove, notify. Eviction
// stops once the active set is back at the soft cap.
func (r *Registry) sweepIdle() {
	r.mu.RLock()
	over := len(r.machines) - r.cfg.MachineEvictionThreshold
	if over <= 0 {
		r.mu.RUnlock()
		return
	}
	candidates := make([]*fsm.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		candidates = append(candidates, m)
	}
	r.mu.RUnlock()

	cutoff := r.sched.Now().Add(-r.cfg.MachineIdleTimeout)
	idle := candidates[:0]
	for _, m := range candidates {
		if m.LastEventAt().Before(cutoff) {
			idle = append(idle, m)
		}
	}
	if len(idle) == 0 {
		return
	}

	// Least recently eventful first.
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastEventAt().Before(idle[j].LastEventAt())
	})

	evicted := 0
	for _, m := range idle {
		if evicted >= over {
			break
		}
		id := m.ID()

		r.mu.Lock()
		_, stillActive := r.machines[id]
		if stillActive {
			delete(r.machines, id)
		}
		r.mu.Unlock()
		if !stillActive {
			continue
		}

		m.Stop()
		if err := r.saver.saveSync(m.Snapshot()); err != nil {
			log.Printf("registry: idle-eviction save for machine %s failed: %v", id, err)
		}
		r.dropMetricsAndNotify(id)
		evicted++
	}
	if evicted > 0 {
		log.Printf("registry: idle janitor evicted %d machines", evicted)
	}
}

func (r *Registry) dropMetricsAndNotify(id string) {
	r.mu.RLock()
	n := len(r.machines)
	r.mu.RUnlock()
	observability.Evictions.WithLabelValues("idle").Inc()
	observability.ActiveMachines.Set(float64(n))
	r.perMach.Forget(id)
	r.bus.notifyRemove(id)
}
