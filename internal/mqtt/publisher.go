package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/soildesigngroup/cm5-maker-desk/internal/datadog"
	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
)

// Broker is the part of paho.Client the publisher uses.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Publisher writes every frame to <prefix>/<device>/status.
type Publisher struct {
	broker  Broker
	prefix  string
	qos     byte
	timeout time.Duration
}

func NewPublisher(broker Broker, prefix string, qos byte) *Publisher {
	return &Publisher{
		broker:  broker,
		prefix:  strings.TrimRight(prefix, "/"),
		qos:     qos,
		timeout: 5 * time.Second,
	}
}

// Topic is the status topic for device.
func (p *Publisher) Topic(device string) string {
	return fmt.Sprintf("%s/%s/status", p.prefix, device)
}

func (p *Publisher) Publish(f dispatch.Response) error {
	if f.Device == "" {
		return nil
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame for %s: %w", f.Device, err)
	}
	token := p.broker.Publish(p.Topic(f.Device), p.qos, true, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s timed out", p.Topic(f.Device))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.Topic(f.Device), err)
	}
	return nil
}

// Run publishes frames until ctx is cancelled or frames is closed.
func (p *Publisher) Run(ctx context.Context, frames <-chan dispatch.Response) {
	log.Info().Str("prefix", p.prefix).Msg("MQTT publisher starting")
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := p.Publish(f); err != nil {
				datadog.Incr("mqtt.errors")
				log.Warn().Err(err).Str("device", f.Device).Msg("Failed to publish frame")
			}
		}
	}
}
