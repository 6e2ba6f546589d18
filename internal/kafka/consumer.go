package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/littleforum/config"
	"github.com/lvdashuaibi/littleforum/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const defaultWorkers = 8

// messageReader kafka.Reader 的最小接口
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	readers []messageReader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
}

type MessageHandler func(ctx context.Context, event *model.VoteEvent) error

func NewConsumer(ctx context.Context, logger *zap.Logger) (*Consumer, error) {
	logger = logger.Named("kafka.consumer")
	cfg := config.AppConfig.Kafka

	// 获取Kafka主题的分区数量
	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Brokers[0], cfg.Topic, 0)
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
		if p.Topic == cfg.Topic {
			topicPartitions++
		}
	}
	logger.Info("检测到Kafka主题分区", zap.String("topic", cfg.Topic), zap.Int("partitions", topicPartitions))

	configs := readerConfigs(cfg, topicPartitions)
	readers := make([]messageReader, 0, len(configs))
	for _, rc := range configs {
		readers = append(readers, kafka.NewReader(rc))
	}
	logger.Info("消费者组成员已创建", zap.String("group", cfg.GroupID), zap.Int("members", len(readers)))

	return newConsumer(readers, logger), nil
}

// readerConfigs 每个工作线程一个消费者组成员，分区由组协调器分配，位移提交到Kafka
// 重启后从已提交位移继续，多实例共享同一组时每条事件只被一个成员处理
func readerConfigs(cfg config.KafkaConfig, partitions int) []kafka.ReaderConfig {
	// 成员数超过分区数时多余的成员会空闲
	workers := max(1, min(defaultWorkers, partitions))

	configs := make([]kafka.ReaderConfig, workers)
	for i := range configs {
		configs[i] = kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			StartOffset:    kafka.FirstOffset,
			CommitInterval: time.Second,
			MinBytes:       10e3, // 10KB
			MaxBytes:       10e6, // 10MB
		}
	}
	return configs
}

func newConsumer(readers []messageReader, logger *zap.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		readers: readers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// StartConsuming 开始消费消息，每个reader一个goroutine
func (c *Consumer) StartConsuming(handler MessageHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r messageReader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}

	c.logger.Info("已启动Kafka消费者工作线程", zap.Int("workers", len(c.readers)))
}

// consumeMessages 单个消费者goroutine的消费逻辑
func (c *Consumer) consumeMessages(workerID int, reader messageReader, handler MessageHandler) {
	logger := c.logger.With(zap.Int("worker", workerID))

	for {
		m, err := reader.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				logger.Debug("消费者工作线程收到停止信号")
				return
			}
			logger.Warn("读取消息失败", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
				return
			}
			continue
		}

		event, err := decodeEvent(m)
		if err != nil {
			logger.Warn("解析消息失败", zap.Int64("offset", m.Offset), zap.Error(err))
			continue
		}

		if err := handler(c.ctx, event); err != nil {
			logger.Error("处理消息失败", zap.String("event", event.ID), zap.Error(err))
		}
	}
}

func decodeEvent(m kafka.Message) (*model.VoteEvent, error) {
	var event model.VoteEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	var errs []error
	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭消费者 #%d 失败: %w", i, err))
		}
	}

	c.logger.Info("所有Kafka消费者工作线程已停止")
	return errors.Join(errs...)
}
