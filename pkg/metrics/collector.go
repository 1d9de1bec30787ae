package metrics

import "time"

// Source is implemented by an engine that pushes sampled gauges into the
// Prometheus registry on each collection tick; the lock engine is the only
// implementation.
type Source interface {
	Collect()
}

// Collector periodically polls a set of engine Sources and updates their
// gauge metrics. Counters and histograms are updated inline by the engines
// themselves; Collector only covers state that must be sampled.
type Collector struct {
	sources []Source
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector over the given sources.
func NewCollector(sources ...Source) *Collector {
	return &Collector{
		sources: sources,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15-second tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, s := range c.sources {
		s.Collect()
	}
}
