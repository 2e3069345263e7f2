// Package mqtt implements a gateway backend using the ChirpStack Gateway
// Bridge MQTT topics.
package mqtt

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"io/ioutil"
	"strings"
	"sync"
	"text/template"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-end-device/internal/backend/gateway/marshaler"
	"github.com/brocaar/chirpstack-end-device/internal/config"
	"github.com/brocaar/lorawan"
)

// Backend implements a MQTT pub-sub backend.
type Backend struct {
	sync.RWMutex

	wg sync.WaitGroup

	conn              paho.Client
	closed            bool
	qos               uint8
	gatewayID         lorawan.EUI64
	marshaler         marshaler.Type
	downlinkFrameChan chan gw.DownlinkFrame
	eventTopic        *template.Template
	commandTopic      string
}

// NewBackend creates a new Backend.
func NewBackend(conf config.Config) (*Backend, error) {
	var err error
	c := conf.Gateway.Backend.MQTT

	b := Backend{
		qos:               c.QOS,
		gatewayID:         conf.Gateway.GatewayID,
		downlinkFrameChan: make(chan gw.DownlinkFrame, 10),
	}

	b.marshaler, err = marshaler.TypeFromString(conf.Gateway.Backend.Marshaler)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/mqtt: get marshaler error")
	}

	b.eventTopic, err = template.New("event").Parse(c.EventTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/mqtt: parse event-topic template error")
	}

	commandTopic, err := template.New("command").Parse(c.CommandTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/mqtt: parse command-topic template error")
	}
	topic := bytes.NewBuffer(nil)
	if err := commandTopic.Execute(topic, struct{ GatewayID lorawan.EUI64 }{b.gatewayID}); err != nil {
		return nil, errors.Wrap(err, "gateway/mqtt: execute command-topic template error")
	}
	b.commandTopic = topic.String()

	opts := paho.NewClientOptions()
	opts.AddBroker(c.Server)
	opts.SetUsername(c.Username)
	opts.SetPassword(c.Password)
	opts.SetCleanSession(c.CleanSession)
	opts.SetClientID(c.ClientID)
	opts.SetOnConnectHandler(b.onConnected)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	if c.MaxReconnectInterval != 0 {
		opts.SetMaxReconnectInterval(c.MaxReconnectInterval)
	}

	tlsconfig, err := newTLSConfig(c.CACert, c.TLSCert, c.TLSKey)
	if err != nil {
		return nil, errors.Wrap(err, "gateway/mqtt: load tls configuration error")
	}
	if tlsconfig != nil {
		opts.SetTLSConfig(tlsconfig)
	}

	log.WithField("server", c.Server).Info("gateway/mqtt: connecting to mqtt broker")
	b.conn = paho.NewClient(opts)
	for {
		if token := b.conn.Connect(); token.Wait() && token.Error() != nil {
			log.WithError(token.Error()).Error("gateway/mqtt: connecting to mqtt broker failed, will retry in 2s")
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	return &b, nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	log.Info("gateway/mqtt: closing backend")

	b.Lock()
	b.closed = true
	b.Unlock()

	log.WithField("topic", b.commandTopic).Info("gateway/mqtt: unsubscribing from command topic")
	if token := b.conn.Unsubscribe(b.commandTopic); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "gateway/mqtt: unsubscribe from %s error", b.commandTopic)
	}

	log.Info("gateway/mqtt: handling last messages")
	b.wg.Wait()
	close(b.downlinkFrameChan)
	b.conn.Disconnect(250)
	return nil
}

// DownlinkFrameChan returns the downlink-frame channel.
func (b *Backend) DownlinkFrameChan() chan gw.DownlinkFrame {
	return b.downlinkFrameChan
}

// SendUplinkFrame publishes the given uplink-frame.
func (b *Backend) SendUplinkFrame(uf gw.UplinkFrame) error {
	bb, err := marshaler.MarshalUplinkFrame(b.marshaler, uf)
	if err != nil {
		return errors.Wrap(err, "gateway/mqtt: marshal uplink frame error")
	}

	return b.publishEvent("up", bb)
}

// SendDownlinkTXAck publishes the given downlink tx acknowledgement.
func (b *Backend) SendDownlinkTXAck(ack gw.DownlinkTXAck) error {
	bb, err := marshaler.MarshalDownlinkTXAck(b.marshaler, ack)
	if err != nil {
		return errors.Wrap(err, "gateway/mqtt: marshal downlink tx ack error")
	}

	return b.publishEvent("ack", bb)
}

func (b *Backend) publishEvent(event string, bb []byte) error {
	topic := bytes.NewBuffer(nil)
	if err := b.eventTopic.Execute(topic, struct {
		GatewayID lorawan.EUI64
		EventType string
	}{b.gatewayID, event}); err != nil {
		return errors.Wrap(err, "gateway/mqtt: execute event-topic template error")
	}

	log.WithFields(log.Fields{
		"topic": topic.String(),
		"qos":   b.qos,
		"event": event,
	}).Info("gateway/mqtt: publishing event")

	mqttEventCounter(event).Inc()
	if token := b.conn.Publish(topic.String(), b.qos, false, bb); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "gateway/mqtt: publish event error")
	}
	return nil
}

func (b *Backend) commandHandler(c paho.Client, msg paho.Message) {
	b.wg.Add(1)
	defer b.wg.Done()

	b.RLock()
	closed := b.closed
	b.RUnlock()
	if closed {
		return
	}

	command := msg.Topic()[strings.LastIndex(msg.Topic(), "/")+1:]
	mqttCommandCounter(command).Inc()

	if command != "down" {
		log.WithFields(log.Fields{
			"topic":   msg.Topic(),
			"command": command,
		}).Debug("gateway/mqtt: ignoring command")
		return
	}

	var downlinkFrame gw.DownlinkFrame
	if _, err := marshaler.UnmarshalDownlinkFrame(msg.Payload(), &downlinkFrame); err != nil {
		log.WithFields(log.Fields{
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).WithError(err).Error("gateway/mqtt: unmarshal downlink frame error")
		return
	}

	if len(downlinkFrame.Items) == 0 {
		log.WithFields(log.Fields{
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).Error("gateway/mqtt: downlink frame must contain at least one item")
		return
	}

	log.WithField("gateway_id", b.gatewayID).Info("gateway/mqtt: downlink frame received")
	b.downlinkFrameChan <- downlinkFrame
}

func (b *Backend) onConnected(c paho.Client) {
	mqttConnectCounter().Inc()
	log.Info("gateway/mqtt: connected to mqtt server")

	for {
		log.WithFields(log.Fields{
			"topic": b.commandTopic,
			"qos":   b.qos,
		}).Info("gateway/mqtt: subscribing to command topic")
		if token := b.conn.Subscribe(b.commandTopic, b.qos, b.commandHandler); token.Wait() && token.Error() != nil {
			log.WithError(token.Error()).WithFields(log.Fields{
				"topic": b.commandTopic,
				"qos":   b.qos,
			}).Error("gateway/mqtt: subscribe error")
			time.Sleep(time.Second)
			continue
		}
		break
	}
}

func (b *Backend) onConnectionLost(c paho.Client, reason error) {
	mqttDisconnectCounter().Inc()
	log.WithError(reason).Error("gateway/mqtt: mqtt connection error")
}

func newTLSConfig(cafile, certFile, certKeyFile string) (*tls.Config, error) {
	if cafile == "" && certFile == "" && certKeyFile == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{}

	// Import trusted certificates from CAfile.pem.
	if cafile != "" {
		cacert, err := ioutil.ReadFile(cafile)
		if err != nil {
			return nil, errors.Wrap(err, "load ca certificate error")
		}
		certpool := x509.NewCertPool()
		certpool.AppendCertsFromPEM(cacert)

		tlsConfig.RootCAs = certpool
	}

	// Import certificate and the key
	if certFile != "" && certKeyFile != "" {
		kp, err := tls.LoadX509KeyPair(certFile, certKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load tls key-pair error")
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}

	return tlsConfig, nil
}
