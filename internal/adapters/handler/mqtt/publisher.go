package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fleetd/internal/core/domain"
	"fleetd/internal/core/logger"
	"fleetd/internal/core/ports"
)

// Publisher relays fleet events onto MQTT topics for external consumers
// (monitoring dashboards, automation) that cannot hold a websocket open.
type Publisher struct {
	client mqtt.Client
	events ports.EventSubscriber
	prefix string
}

// NewPublisher connects to the broker and returns a ready publisher.
func NewPublisher(events ports.EventSubscriber, brokerURL string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("fleetd-server-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	logger.Info("connected to MQTT broker", "broker", brokerURL)
	return &Publisher{
		client: client,
		events: events,
		prefix: "fleet",
	}, nil
}

// Start launches the event relay.
func (p *Publisher) Start(ctx context.Context) {
	go p.consumeEvents(ctx)
}

func (p *Publisher) consumeEvents(ctx context.Context) {
	ch, err := p.events.Subscribe(ctx)
	if err != nil {
		logger.Error("mqtt: failed to subscribe to fleet events", "error", err)
		return
	}

	logger.Info("mqtt: started fleet event relay")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(event)

			// Global firehose plus a per-agent topic when the event carries
			// an agent id.
			p.client.Publish(fmt.Sprintf("%s/events", p.prefix), 0, false, data)
			if event.AgentID != "" {
				p.client.Publish(fmt.Sprintf("%s/agents/%s", p.prefix, event.AgentID), 0, false, data)
			}
			if event.Type == domain.EventCommandCreated || event.Type == domain.EventCommandUpdate {
				p.client.Publish(fmt.Sprintf("%s/commands/%s", p.prefix, event.CommandID), 0, false, data)
			}
		}
	}
}
