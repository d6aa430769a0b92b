package kafka

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/dukex/callflow/pkg/events"
)

// partitionKey keeps every event of a call on the same partition.
func partitionKey(_ string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(events.CallIDMetadataKey), nil
}
