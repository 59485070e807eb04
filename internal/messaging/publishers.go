package messaging

import (
	"context"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/bardlex/ehashpool/internal/mintquote"
)

// Publisher is the publishing surface of KafkaClient
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

// NotificationPublisher hands paid-quote notifications to the downstream
// connection service. Messages are keyed by channel id so one channel's
// notifications stay ordered.
type NotificationPublisher struct {
	publisher Publisher
	now       func() time.Time
}

// NewNotificationPublisher creates a notifier backed by p
func NewNotificationPublisher(p Publisher) *NotificationPublisher {
	return &NotificationPublisher{publisher: p, now: time.Now}
}

// Notify publishes n for channelID
func (p *NotificationPublisher) Notify(ctx context.Context, channelID uint32, n *mintquote.MintQuoteNotification) error {
	msg, err := NewQuoteNotificationMessage(channelID, n, p.now())
	if err != nil {
		return err
	}
	return p.publisher.PublishJSON(ctx, TopicQuoteNotifications, channelKey(channelID), msg)
}

// MeteringPublisher publishes metering events as protobuf Structs
type MeteringPublisher struct {
	publisher Publisher
}

// NewMeteringPublisher creates a metering publisher backed by p
func NewMeteringPublisher(p Publisher) *MeteringPublisher {
	return &MeteringPublisher{publisher: p}
}

// Publish sends one metering event
func (p *MeteringPublisher) Publish(ctx context.Context, ev *MeteringEvent) error {
	msg, err := ev.ToProto()
	if err != nil {
		return err
	}
	return p.publisher.PublishProto(ctx, TopicQuoteMetering, channelKey(ev.ChannelID), msg)
}

func channelKey(channelID uint32) string {
	return strconv.FormatUint(uint64(channelID), 10)
}
