package canbus

import (
	"log"
	"time"

	"github.com/brutella/can"
)

// PeriodicSender re-publishes one fixed frame at a fixed interval until
// stopped, like a cyclic CAN send task. Publish errors are logged and the
// cycle continues; a broken bus is detected by the owning channel task
// through its receive path.
type PeriodicSender struct {
	stop chan struct{}
	done chan struct{}
}

// StartPeriodic sends f on b immediately and then every interval.
func StartPeriodic(b Bus, f can.Frame, interval time.Duration) *PeriodicSender {
	p := &PeriodicSender{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(p.done)

		if err := b.Publish(f); err != nil {
			log.Printf("periodic send: %v\n", err)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := b.Publish(f); err != nil {
					log.Printf("periodic send: %v\n", err)
				}
			case <-p.stop:
				return
			}
		}
	}()

	return p
}

// Stop ends the cycle and waits for the sender goroutine to exit.
func (p *PeriodicSender) Stop() {
	close(p.stop)
	<-p.done
}
