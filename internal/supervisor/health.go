package supervisor

import (
	"context"
	"time"

	"github.com/hearth-home/hearth/internal/eventbus"
)

// startHealthLoop pings the instance's runner on a fixed cadence. After
// healthStrikes consecutive failures the instance is marked errored, a
// health-failed event is emitted and the runner is torn down best-effort.
// Any successful ping resets the strike count.
func (s *Supervisor) startHealthLoop(inst *instance) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	inst.healthCancel = cancel
	inst.healthDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.healthInterval)
		defer ticker.Stop()

		strikes := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := inst.runner.Ping(ctx)
			if err == nil {
				strikes = 0
				continue
			}
			if ctx.Err() != nil {
				return
			}
			strikes++
			s.logger.Printf("[Supervisor] health check %d/%d failed for %s: %v", strikes, s.healthStrikes, inst.name, err)
			if strikes < s.healthStrikes {
				continue
			}

			s.bus.Emit(eventbus.TopicPluginHealthFailed, eventbus.SourceSupervisor, eventbus.PluginHealthEvent{
				PluginID: inst.pluginID,
				Mode:     inst.mode,
				Strikes:  strikes,
				Err:      err.Error(),
			})
			s.markErrored(inst)
			return
		}
	}()
}

func (s *Supervisor) stopHealthLoop(inst *instance) {
	if inst.healthCancel == nil {
		return
	}
	inst.healthCancel()
	<-inst.healthDone
	inst.healthCancel = nil
	inst.healthDone = nil
}

// markErrored flips the instance to errored without tearing it down; the
// instance stays in place until an operator unloads or reloads it. Called
// from the health loop itself, so it must not wait on that goroutine.
func (s *Supervisor) markErrored(inst *instance) {
	s.mu.Lock()
	if cur, ok := s.instances[inst.pluginID]; !ok || cur != inst || cur.state != StateLoaded {
		s.mu.Unlock()
		return
	}
	inst.state = StateErrored
	s.mu.Unlock()

	s.logger.Printf("[Supervisor] %s marked errored after %d failed health checks", inst.name, s.healthStrikes)
}
