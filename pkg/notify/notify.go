package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// 交易事件通知，写入 Kafka 供下游审计/告警消费
// 定义接口，方便测试和替换

type Event struct {
	Type      string    `json:"type"`   // decision / order / settlement / error
	Symbol    string    `json:"symbol"` // 交易标的
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event)
	Close()
}

type kafkaNotifier struct {
	writer *kafka.Writer
}

func NewKafkaNotifier(brokerURL, topic string) Notifier {
	if topic == "" {
		topic = "coinpilot_events"
	}
	return &kafkaNotifier{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokerURL),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{}, // 保证写入负载均衡
		},
	}
}

// Notify 发送事件。失败只记日志，不能阻塞交易主流程
func (n *kafkaNotifier) Notify(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("notify: marshal event error: %v", err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	// Key 使用 symbol，相同标的的事件进入同一个 Partition 保持有序
	if err := n.writer.WriteMessages(wctx, kafka.Message{
		Key:   []byte(ev.Symbol),
		Value: data,
	}); err != nil {
		log.Printf("notify: write kafka error: %v", err)
	}
}

func (n *kafkaNotifier) Close() {
	if err := n.writer.Close(); err != nil {
		log.Printf("notify: close writer error: %v", err)
	}
}

// NopNotifier 未配置 Kafka 时的空实现
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, ev Event) {}
func (NopNotifier) Close()                               {}
