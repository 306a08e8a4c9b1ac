package engine

import (
	"time"

	"github.com/newsdrift/newsdrift/internal/scanloop"
	"github.com/newsdrift/newsdrift/internal/telemetry"
)

const (
	progressInterval = 2 * time.Second
	metricsInterval  = 10 * time.Second
)

// startBackgroundLoops launches the progress reporter, the metrics emitter,
// the stall watchdog, and the cron schedules. All stop with e.stopCh.
func (e *Engine) startBackgroundLoops() {
	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		scanloop.RunFixed(e.stopCh, progressInterval, e.reportProgress)
	}()
	go func() {
		defer e.wg.Done()
		scanloop.RunFixed(e.stopCh, metricsInterval, e.reportMetrics)
	}()
	go func() {
		defer e.wg.Done()
		scanloop.Run(e.stopCh, e.watchdogInterval(), e.watchdogInterval()/4, e.checkStall)
	}()

	if c := e.startCron(); c != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			<-e.stopCh
			<-c.Stop().Done()
		}()
	}
}

func (e *Engine) watchdogInterval() time.Duration {
	d := e.cfgFn().StallThreshold.Std() / 2
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (e *Engine) reportProgress() {
	snap := e.stats.Snapshot()
	discovery, acquisition := e.queue.Sizes()
	e.bridge.UpdateProgress(map[string]any{
		"downloads": snap.Downloads,
		"errors":    snap.Errors,
		"skipped":   snap.Skipped,
		"cacheHits": snap.CacheHits,
		"articles":  snap.Articles,
		"queue":     discovery + acquisition,
		"inFlight":  e.inFlight.Load(),
		"phase":     string(e.Phase()),
	})
}

func (e *Engine) reportMetrics() {
	discovery, acquisition := e.queue.Sizes()
	e.bridge.Emit(telemetry.EventMetrics, telemetry.SeverityDebug, "", map[string]any{
		"queueDiscovery":   discovery,
		"queueAcquisition": acquisition,
		"heatmap":          e.queue.Heatmap(),
		"stats":            e.stats.Snapshot(),
	})
}

// checkStall emits a diagnostic when no item has reached a terminal outcome
// within the stall threshold while work remains.
func (e *Engine) checkStall() {
	threshold := e.cfgFn().StallThreshold.Std()
	if threshold <= 0 {
		return
	}
	idleFor := time.Duration(e.now().UnixNano() - e.lastProgress.Load())
	if idleFor < threshold {
		return
	}
	if e.queue.Size() == 0 && e.inFlight.Load() == 0 {
		return
	}
	discovery, acquisition := e.queue.Sizes()
	e.bridge.Emit(telemetry.EventStalled, telemetry.SeverityWarn, "", map[string]any{
		"idleMs":           idleFor.Milliseconds(),
		"queueDiscovery":   discovery,
		"queueAcquisition": acquisition,
		"inFlight":         e.inFlight.Load(),
	})
}
