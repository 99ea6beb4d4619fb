package eventstreamutils

import (
	"fmt"

	"github.com/counselhq/counsel/pkg/eventstream"
	"github.com/counselhq/counsel/pkg/eventstream/kafka"
	"github.com/counselhq/counsel/pkg/eventstream/nop"
)

type NewPublisherOpts struct {
	Driver  string
	Brokers []string
	Topic   string
}

// NewPublisher constructs the event publisher selected by the events.driver
// config key. An empty driver falls back to the no-op publisher.
func NewPublisher(o *NewPublisherOpts) (eventstream.Publisher, error) {
	switch o.Driver {
	case "", "nop":
		return nop.NewPublisher(), nil
	case "kafka":
		return kafka.NewPublisher(&kafka.Options{
			Brokers: o.Brokers,
			Topic:   o.Topic,
		})
	default:
		return nil, fmt.Errorf("unsupported events driver: %s", o.Driver)
	}
}
