package consumer

import (
	"fmt"

	"github.com/mediocregopher/telstar/message"
)

// wireConsumerName returns the name a consumer is known by inside its group
// on the stream server: "cg:<group>:<name>". Two processes using the same
// (group, name) pair are the same consumer as far as the server is
// concerned: they inherit each other's pending entries.
func wireConsumerName(group, name string) string {
	return fmt.Sprintf("cg:%s:%s", group, name)
}

func seenKey(logicalStream, group, msgUID string) string {
	return fmt.Sprintf("telstar:seen:%s:%s:%s", logicalStream, group, msgUID)
}

func checkpointKey(streamKey, group, consumerName string) string {
	return fmt.Sprintf("telstar:checkpoint:%s:%s", streamKey, wireConsumerName(group, consumerName))
}

// OnceAppliedKey returns the server key the one-shot group consumer (see
// the sibling once package) sets once it has drained every stream of group
// exactly once.
func OnceAppliedKey(group string) string {
	return "telstar:once:" + group
}

func streamKeyFor(logicalStream string) string {
	return message.StreamKeyPrefix + logicalStream
}
