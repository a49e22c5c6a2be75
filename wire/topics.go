package wire

import (
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/localrivet/gobroker/topic"
)

// PublishTopic parses the topic carried by a PUBLISH packet.
func PublishTopic(p *packets.PublishPacket) (topic.Topic, error) {
	return topic.ParseTopic(p.TopicName)
}

// SubscribeFilters parses the (filter, QoS) pairs carried by a SUBSCRIBE
// packet.
func SubscribeFilters(p *packets.SubscribePacket) ([]topic.Filter, []byte, error) {
	filters := make([]topic.Filter, 0, len(p.Topics))
	for _, raw := range p.Topics {
		f, err := topic.ParseFilter(raw)
		if err != nil {
			return nil, nil, err
		}
		filters = append(filters, f)
	}
	return filters, p.Qoss, nil
}

// UnsubscribeFilters parses the filters carried by an UNSUBSCRIBE packet.
func UnsubscribeFilters(p *packets.UnsubscribePacket) ([]topic.Filter, error) {
	filters := make([]topic.Filter, 0, len(p.Topics))
	for _, raw := range p.Topics {
		f, err := topic.ParseFilter(raw)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}
