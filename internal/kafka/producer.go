package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/littleforum/config"
	"github.com/lvdashuaibi/littleforum/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter kafka.Writer 的最小接口
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	logger *zap.Logger
}

func NewProducer(ctx context.Context, logger *zap.Logger) (*Producer, error) {
	logger = logger.Named("kafka.producer")

	// 获取分区数量
	conn, err := kafka.DialLeader(ctx, "tcp", config.AppConfig.Kafka.Brokers[0], config.AppConfig.Kafka.Topic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}

	topicPartitions := 0
	for _, p := range partitions {
		if p.Topic == config.AppConfig.Kafka.Topic {
			topicPartitions++
		}
	}

	logger.Info("生产者检测到Kafka主题分区",
		zap.String("topic", config.AppConfig.Kafka.Topic),
		zap.Int("partitions", topicPartitions))

	// 使用Hash分区器，同一实体的事件进入同一分区
	writer := &kafka.Writer{
		Addr:     kafka.TCP(config.AppConfig.Kafka.Brokers...),
		Topic:    config.AppConfig.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}

	return &Producer{
		writer: writer,
		logger: logger,
	}, nil
}

// EventKey 事件分区键
func EventKey(event *model.VoteEvent) []byte {
	return []byte(string(event.TargetKind) + ":" + strconv.FormatInt(event.TargetID, 10))
}

// SendVoteEvent 发送投票/采纳事件到Kafka
func (p *Producer) SendVoteEvent(ctx context.Context, event *model.VoteEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化投票事件失败: %w", err)
	}

	msg := kafka.Message{
		Key:   EventKey(event),
		Value: data,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送投票事件失败: %w", err)
	}

	p.logger.Debug("已发送投票事件",
		zap.String("id", event.ID),
		zap.String("type", string(event.Type)),
		zap.ByteString("key", msg.Key))
	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
