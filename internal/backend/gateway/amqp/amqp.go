// Package amqp implements a gateway backend using AMQP / RabbitMQ.
package amqp

import (
	"bytes"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-end-device/internal/backend/gateway/marshaler"
	"github.com/brocaar/chirpstack-end-device/internal/config"
	"github.com/brocaar/lorawan"
)

// Backend implements an AMQP backend.
type Backend struct {
	chPool *channelPool
	wg     sync.WaitGroup

	gatewayID         lorawan.EUI64
	marshaler         marshaler.Type
	eventRoutingKey   *template.Template
	commandRoutingKey string
	commandQueueName  string

	downlinkFrameChan chan gw.DownlinkFrame
}

// NewBackend creates a new Backend.
func NewBackend(c config.Config) (*Backend, error) {
	var err error
	conf := c.Gateway.Backend.AMQP

	b := Backend{
		gatewayID:         c.Gateway.GatewayID,
		downlinkFrameChan: make(chan gw.DownlinkFrame, 10),
	}

	b.marshaler, err = marshaler.TypeFromString(c.Gateway.Backend.Marshaler)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/amqp: get marshaler error")
	}

	b.eventRoutingKey, err = template.New("event").Parse(conf.EventRoutingKeyTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/amqp: parse event routing-key template error")
	}

	if b.commandRoutingKey, err = b.executeGatewayTemplate(conf.CommandRoutingKey); err != nil {
		return nil, errors.Wrap(err, "gateway/amqp: command routing-key template error")
	}
	if b.commandQueueName, err = b.executeGatewayTemplate(conf.CommandQueueName); err != nil {
		return nil, errors.Wrap(err, "gateway/amqp: command queue-name template error")
	}

	size := conf.ChannelPoolSize
	if size <= 0 {
		size = 10
	}

	log.Info("gateway/amqp: connecting to AMQP server")
	b.chPool, err = newChannelPool(conf.URL, size)
	if err != nil {
		return nil, errors.Wrap(err, "new amqp channel pool error")
	}

	if err := b.setupQueue(); err != nil {
		return nil, errors.Wrap(err, "gateway/amqp: setup queue error")
	}

	b.wg.Add(1)
	go b.commandLoop()

	return &b, nil
}

// SendUplinkFrame publishes the given uplink frame as "up" event.
func (b *Backend) SendUplinkFrame(uf gw.UplinkFrame) error {
	bb, err := marshaler.MarshalUplinkFrame(b.marshaler, uf)
	if err != nil {
		return errors.Wrap(err, "gateway/amqp: marshal uplink frame error")
	}

	return b.publishEvent("up", bb)
}

// SendDownlinkTXAck publishes the given ack as "ack" event.
func (b *Backend) SendDownlinkTXAck(ack gw.DownlinkTXAck) error {
	bb, err := marshaler.MarshalDownlinkTXAck(b.marshaler, ack)
	if err != nil {
		return errors.Wrap(err, "gateway/amqp: marshal downlink tx ack error")
	}

	return b.publishEvent("ack", bb)
}

// DownlinkFrameChan returns the channel of received downlink frames.
func (b *Backend) DownlinkFrameChan() chan gw.DownlinkFrame {
	return b.downlinkFrameChan
}

// Close closes the backend.
func (b *Backend) Close() error {
	log.Info("gateway/amqp: closing backend")
	b.chPool.close()
	b.wg.Wait()
	close(b.downlinkFrameChan)
	return nil
}

func (b *Backend) executeGatewayTemplate(s string) (string, error) {
	tmpl, err := template.New("").Parse(s)
	if err != nil {
		return "", errors.Wrap(err, "parse template error")
	}

	out := bytes.NewBuffer(nil)
	if err := tmpl.Execute(out, struct{ GatewayID lorawan.EUI64 }{b.gatewayID}); err != nil {
		return "", errors.Wrap(err, "execute template error")
	}
	return out.String(), nil
}

func (b *Backend) publishEvent(event string, data []byte) error {
	ch, err := b.chPool.acquire()
	if err != nil {
		return errors.Wrap(err, "get amqp channel from pool error")
	}
	defer ch.release()

	routingKey := bytes.NewBuffer(nil)
	if err := b.eventRoutingKey.Execute(routingKey, struct {
		GatewayID lorawan.EUI64
		EventType string
	}{b.gatewayID, event}); err != nil {
		return errors.Wrap(err, "execute event routing-key template error")
	}

	var contentType string
	switch b.marshaler {
	case marshaler.JSON:
		contentType = "application/json"
	case marshaler.Protobuf:
		contentType = "application/octet-stream"
	}

	log.WithFields(log.Fields{
		"gateway_id":  b.gatewayID,
		"event":       event,
		"routing_key": routingKey.String(),
	}).Info("gateway/amqp: publishing event")

	amqpEventCounter(event).Inc()

	err = ch.Publish(
		"amq.topic",
		routingKey.String(),
		false,
		false,
		amqp.Publishing{
			ContentType: contentType,
			Body:        data,
		},
	)
	if err != nil {
		ch.markBroken()
		return errors.Wrap(err, "publish message error")
	}

	return nil
}

func (b *Backend) setupQueue() error {
	ch, err := b.chPool.acquire()
	if err != nil {
		return errors.Wrap(err, "open channel error")
	}
	defer ch.release()

	_, err = ch.QueueDeclare(
		b.commandQueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "declare queue error")
	}

	err = ch.QueueBind(
		b.commandQueueName,
		b.commandRoutingKey,
		"amq.topic",
		false,
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "bind queue error")
	}

	return nil
}

func (b *Backend) commandLoop() {
	defer b.wg.Done()

	for {
		err := func() error {
			ch, err := b.chPool.acquire()
			if err != nil {
				return errors.Wrap(err, "get amqp channel from pool error")
			}
			defer ch.release()

			log.WithField("queue", b.commandQueueName).Info("gateway/amqp: start consuming gateway commands")

			msgs, err := ch.Consume(
				b.commandQueueName,
				"",
				true,
				false,
				false,
				false,
				nil,
			)
			if err != nil {
				ch.markBroken()
				return errors.Wrap(err, "register consumer error")
			}

			for msg := range msgs {
				routing := strings.Split(msg.RoutingKey, ".")
				typ := routing[len(routing)-1]
				amqpCommandCounter(typ).Inc()

				switch typ {
				case "down":
					if err := b.handleDownlinkFrame(msg); err != nil {
						log.WithError(err).WithField("routing_key", msg.RoutingKey).Error("gateway/amqp: handle command error")
					}
				default:
					log.WithFields(log.Fields{
						"routing_key": msg.RoutingKey,
						"type":        typ,
					}).Debug("gateway/amqp: ignoring command")
				}
			}

			// the delivery channel is closed when the channel or connection
			// was closed
			ch.markBroken()
			return nil
		}()
		if err != nil {
			if errors.Cause(err) == errClosed {
				return
			}

			log.WithError(err).Error("gateway/amqp: command loop error")
			time.Sleep(time.Second)
			continue
		}

		if b.chPool.closed() {
			return
		}
		time.Sleep(time.Second)
	}
}

func (b *Backend) handleDownlinkFrame(msg amqp.Delivery) error {
	var downlinkFrame gw.DownlinkFrame
	if _, err := marshaler.UnmarshalDownlinkFrame(msg.Body, &downlinkFrame); err != nil {
		return errors.Wrap(err, "unmarshal error")
	}

	if len(downlinkFrame.Items) == 0 {
		return errors.New("downlink frame must contain at least one item")
	}

	log.WithField("gateway_id", b.gatewayID).Info("gateway/amqp: downlink frame received")
	b.downlinkFrameChan <- downlinkFrame
	return nil
}
