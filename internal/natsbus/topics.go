package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.
//
// Every request names its own reply topic so the dispatcher can keep a single
// wildcard subscription and still notice responses that arrive after their
// collaboration was already resolved.

func TopicWorkerRequest(workerID string) string {
	return fmt.Sprintf("swarm.worker.%s.request", workerID)
}

func TopicReply(requestID string) string {
	return fmt.Sprintf("swarm.reply.%s", requestID)
}

func TopicEvent(eventType string) string {
	return fmt.Sprintf("swarm.events.%s", eventType)
}

const (
	TopicBroadcast = "swarm.broadcast"
	TopicQuery     = "swarm.query"
	TopicReplyAll  = "swarm.reply.>"
	TopicEventsAll = "swarm.events.>"
)
