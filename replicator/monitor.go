package replicator

import (
	"time"

	log "github.com/sirupsen/logrus"

	"go.keel.dev/core/async"
)

// monitorSlowAPI arms a watchdog of a pending provider call: if the call
// has not returned within |interval| a warning is logged, once. The
// returned func disarms it and must be called once the call returns. A zero
// interval disables monitoring.
func monitorSlowAPI(name string, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	var tm = async.NewTimer()
	var started = time.Now()

	tm.Start(interval, func() {
		log.WithFields(log.Fields{
			"api":     name,
			"pending": time.Since(started),
		}).Warn("provider call is slow")
	})
	return func() { tm.Cancel() }
}

// queueHealthLoop samples |sample| on |interval| until |stop| is closed.
// A zero interval disables sampling.
func queueHealthLoop(interval time.Duration, sample func(), stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sample()
		case <-stop:
			return
		}
	}
}
