package recording

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/floodsim/floodnet/mesh"
)

// SampleTable is the table port samples are recorded into.
const SampleTable = "port_samples"

// A PortSample is one recorded row of a port's counters.
type PortSample struct {
	RealTimeMillis  int64
	Port            string
	Sent            uint64
	Received        uint64
	Dispatched      uint64
	InboundDropped  uint64
	OutboundDropped uint64
	CodecFailures   uint64
	SendFailures    uint64
	InboundDepth    int
	OutboundDepth   int
}

// A Sampler periodically snapshots port counters into a recorder.
type Sampler struct {
	recorder Recorder
	interval time.Duration

	lock  sync.Mutex
	ports []mesh.Port

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSampler creates a sampler writing into the given recorder.
func NewSampler(
	recorder Recorder,
	interval time.Duration,
) (*Sampler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("recording: sample interval must be positive")
	}

	if err := recorder.CreateTable(SampleTable, PortSample{}); err != nil {
		return nil, err
	}

	return &Sampler{
		recorder: recorder,
		interval: interval,
		done:     make(chan struct{}),
	}, nil
}

// RegisterPort adds a port to be sampled.
func (s *Sampler) RegisterPort(p mesh.Port) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.ports = append(s.ports, p)
}

// Start begins sampling until Stop is called.
func (s *Sampler) Start() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sampleAll()
			case <-s.done:
				return
			}
		}
	}()
}

// Stop ends sampling and takes one final sample. It is idempotent.
func (s *Sampler) Stop() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.sampleAll()
	})
}

func (s *Sampler) sampleAll() {
	now := time.Now().UnixMilli()

	s.lock.Lock()
	ports := make([]mesh.Port, len(s.ports))
	copy(ports, s.ports)
	s.lock.Unlock()

	for _, p := range ports {
		stats := p.Stats()
		sample := PortSample{
			RealTimeMillis:  now,
			Port:            p.Name(),
			Sent:            stats.Sent,
			Received:        stats.Received,
			Dispatched:      stats.Dispatched,
			InboundDropped:  stats.InboundDropped,
			OutboundDropped: stats.OutboundDropped,
			CodecFailures:   stats.CodecFailures,
			SendFailures:    stats.SendFailures,
			InboundDepth:    stats.InboundDepth,
			OutboundDepth:   stats.OutboundDepth,
		}

		if err := s.recorder.InsertData(SampleTable, sample); err != nil {
			fmt.Fprintf(os.Stderr, "recording: sample %s: %v\n",
				p.Name(), err)
		}
	}
}
