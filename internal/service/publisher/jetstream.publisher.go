package publisher

import (
	"context"
	"time"

	"github.com/krobus00/kis-gateway/internal/constant"
	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/krobus00/kis-gateway/internal/infrastructure"
	"github.com/krobus00/kis-gateway/internal/util"
	"github.com/nats-io/nats.go"
)

const defaultStreamMaxAge = 5 * time.Minute

// JetstreamPublisher fans every decoded record out to market.<kind>.<symbol>.
type JetstreamPublisher struct {
	js     nats.JetStreamContext
	maxAge time.Duration
	now    func() time.Time
}

func NewJetstreamPublisher(js nats.JetStreamContext, maxAge time.Duration) *JetstreamPublisher {
	if maxAge <= 0 {
		maxAge = defaultStreamMaxAge
	}
	return &JetstreamPublisher{js: js, maxAge: maxAge, now: time.Now}
}

func (p *JetstreamPublisher) JetstreamEventInit(ctx context.Context) error {
	return infrastructure.EnsureStream(ctx, p.js, &nats.StreamConfig{
		Name:      constant.MarketStreamName,
		Subjects:  []string{constant.MarketStreamSubjectAll},
		Storage:   nats.MemoryStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    p.maxAge,
		Replicas:  1,
	})
}

func (p *JetstreamPublisher) Name() string {
	return "jetstream"
}

func (p *JetstreamPublisher) Handle(ctx context.Context, event entity.MarketRecordEvent) error {
	event.PublishedAt = p.now()
	return util.PublishEvent(ctx, p.js, constant.MarketSubject(string(event.Kind), event.Symbol), event)
}
