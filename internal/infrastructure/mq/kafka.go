package mq

import (
	"fmt"

	"townin/internal/config"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Producer 对 sarama.SyncProducer 的薄封装，OutboxSender 通过它投递事件
type Producer struct {
	producer sarama.SyncProducer
	log      *zap.Logger
}

// NewProducer 包装已有的 SyncProducer（测试中传入 mocks.SyncProducer）
func NewProducer(p sarama.SyncProducer, log *zap.Logger) *Producer {
	return &Producer{producer: p, log: log}
}

// InitKafka 初始化 Kafka 生产者
func InitKafka(cfg *config.KafkaConfig, log *zap.Logger) (*Producer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 重试次数
	kafkaConfig.Producer.Return.Successes = true          // 返回成功消息
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}

	log.Info("Kafka 生产者创建成功", zap.Strings("brokers", cfg.Brokers))
	return NewProducer(producer, log), nil
}

// SendMessage 发送消息到 Kafka，同一 key 落在同一分区以保证单聚合有序
func (p *Producer) SendMessage(topic, key, eventType, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(eventType)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	p.log.Debug("Kafka 消息已写入",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close 关闭 Kafka 生产者
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
