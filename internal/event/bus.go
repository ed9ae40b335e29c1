// Package event carries worker notifications (log lines, progress, task
// completion) as a typed in-process stream. The connection layer publishes;
// the run coordinator subscribes.
package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sourcegraph/conc"
)

const (
	TopicLog      = "worker.log"
	TopicProgress = "worker.progress"
	TopicTaskDone = "worker.task_done"
)

// LogMessage is a logging notification from the worker. Text carries plain
// output; Event/Path/SMCLPath are set when the payload was structured.
// Path takes strict priority over SMCLPath when both are present.
type LogMessage struct {
	Text     string `json:"text,omitempty"`
	Event    string `json:"event,omitempty"`
	Path     string `json:"path,omitempty"`
	SMCLPath string `json:"smcl_path,omitempty"`
}

// LogPath returns the log location announced by this message, if any.
func (m LogMessage) LogPath() string {
	if m.Path != "" {
		return m.Path
	}
	return m.SMCLPath
}

// Progress is a progress notification correlated to an in-flight call.
type Progress struct {
	Token    string   `json:"token,omitempty"`
	Progress float64  `json:"progress"`
	Total    *float64 `json:"total,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// TaskDone announces that a background task finished on the worker side.
type TaskDone struct {
	TaskID string `json:"task_id"`
}

// Bus is a thin typed layer over a gochannel pub/sub. Subscribers only see
// events published after they subscribe, so subscriptions must be in place
// before the call that triggers them.
type Bus struct {
	pubSub *gochannel.GoChannel
	wg     conc.WaitGroup
}

func NewBus() *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NopLogger{},
		),
	}
}

func (b *Bus) PublishLog(m LogMessage) error {
	return publish(b, TopicLog, m)
}

func (b *Bus) PublishProgress(p Progress) error {
	return publish(b, TopicProgress, p)
}

func (b *Bus) PublishTaskDone(d TaskDone) error {
	return publish(b, TopicTaskDone, d)
}

func (b *Bus) SubscribeLog(ctx context.Context) (<-chan LogMessage, error) {
	return subscribe[LogMessage](ctx, b, TopicLog)
}

func (b *Bus) SubscribeProgress(ctx context.Context) (<-chan Progress, error) {
	return subscribe[Progress](ctx, b, TopicProgress)
}

func (b *Bus) SubscribeTaskDone(ctx context.Context) (<-chan TaskDone, error) {
	return subscribe[TaskDone](ctx, b, TopicTaskDone)
}

// Close shuts the pub/sub down and waits for decode goroutines to drain.
func (b *Bus) Close() error {
	err := b.pubSub.Close()
	b.wg.Wait()
	return err
}

func publish[T any](b *Bus, topic string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	return b.pubSub.Publish(topic, message.NewMessage(watermill.NewUUID(), data))
}

func subscribe[T any](ctx context.Context, b *Bus, topic string) (<-chan T, error) {
	msgs, err := b.pubSub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	out := make(chan T, 16)
	b.wg.Go(func() {
		defer close(out)
		for msg := range msgs {
			var payload T
			err := json.Unmarshal(msg.Payload, &payload)
			msg.Ack()
			if err != nil {
				continue
			}
			select {
			case out <- payload:
			case <-ctx.Done():
				return
			}
		}
	})
	return out, nil
}
