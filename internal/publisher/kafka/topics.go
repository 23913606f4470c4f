package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// TopicSpec describes a topic to create.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// EnsureTopic creates the topic through the cluster controller. Creating an
// existing topic is not an error.
func EnsureTopic(ctx context.Context, brokers []string, topic TopicSpec) error {
	if len(brokers) == 0 {
		return fmt.Errorf("ensure topic %s: no brokers configured", topic.Name)
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("lookup controller: %w", err)
	}
	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", addr, err)
	}
	defer ctrlConn.Close()

	partitions := max(topic.Partitions, 1)
	replication := max(topic.ReplicationFactor, 1)
	err = ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic.Name,
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	})
	if err != nil && !isTopicExists(err) {
		return fmt.Errorf("create topic %s: %w", topic.Name, err)
	}
	return nil
}

func isTopicExists(err error) bool {
	return errors.Is(err, kafka.TopicAlreadyExists)
}
