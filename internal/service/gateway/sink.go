package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/krobus00/kis-gateway/internal/metrics"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

const (
	defaultSinkBuffer = 1024
	sinkHandleTimeout = 5 * time.Second
	sinkDropLogEveryN = 1000
)

// RecordSink receives every decoded record off the read loop, e.g. a
// JetStream publisher or a Redis snapshot mirror.
type RecordSink interface {
	Name() string
	Handle(ctx context.Context, event entity.MarketRecordEvent) error
}

type asyncSink struct {
	sink    RecordSink
	queue   chan entity.MarketRecordEvent
	wg      conc.WaitGroup
	metrics *metrics.GatewayMetrics
	dropped atomic.Int64
}

func newAsyncSink(sink RecordSink, buffer int, m *metrics.GatewayMetrics) *asyncSink {
	if buffer <= 0 {
		buffer = defaultSinkBuffer
	}

	s := &asyncSink{
		sink:    sink,
		queue:   make(chan entity.MarketRecordEvent, buffer),
		metrics: m,
	}
	s.wg.Go(s.run)

	return s
}

// enqueue never blocks. A full queue drops the event.
func (s *asyncSink) enqueue(event entity.MarketRecordEvent) {
	select {
	case s.queue <- event:
	default:
		s.metrics.ObserveSinkDropped(s.sink.Name())
		dropped := s.dropped.Add(1)
		if dropped%sinkDropLogEveryN == 1 {
			logrus.WithFields(logrus.Fields{
				"sink":    s.sink.Name(),
				"dropped": dropped,
			}).Warn("sink queue full, dropping record")
		}
	}
}

func (s *asyncSink) run() {
	for event := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkHandleTimeout)
		if err := s.sink.Handle(ctx, event); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"sink": s.sink.Name(),
				"key":  string(event.Kind) + ":" + event.Symbol,
			}).Warn("sink failed to handle record")
		}
		cancel()
	}
}

// close drains what is queued and stops the worker.
func (s *asyncSink) close() {
	close(s.queue)
	s.wg.Wait()
}
