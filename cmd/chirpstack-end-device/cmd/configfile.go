package cmd

import (
	"os"
	"text/template"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-end-device/internal/config"
)

const configTemplate = `[general]
# Log level
#
# debug=5, info=4, warning=3, error=2, fatal=1, panic=0
log_level={{ .General.LogLevel }}

# Log to syslog.
#
# When set to true, log messages are being written to syslog.
log_to_syslog={{ .General.LogToSyslog }}


# Device identity and activation.
[device]
# DevEUI (HEX encoded).
dev_eui="{{ .Device.DevEUIString }}"

# Derive the DevEUI from the chip id.
#
# When set, the chip id is derived from the hardware address of the first
# non-loopback network interface and dev_eui is ignored.
dev_eui_from_chip_id={{ .Device.DevEUIFromChipID }}

# Over-the-air activation.
#
# When set to false, the ABP session below is used.
otaa={{ .Device.OTAA }}

# JoinEUI and AppKey (HEX encoded, OTAA only).
join_eui="{{ .Device.JoinEUIString }}"
app_key="{{ .Device.AppKeyString }}"

# ABP session (HEX encoded, ABP only).
dev_addr="{{ .Device.DevAddrString }}"
net_id="{{ .Device.NetIDString }}"
nwk_s_key="{{ .Device.NwkSKeyString }}"
app_s_key="{{ .Device.AppSKeyString }}"

# Device class (A or C).
#
# Class B is not supported and falls back to class A.
class="{{ .Device.ClassString }}"


# LoRaWAN settings.
[lorawan]
# Use ADR.
adr={{ .LoRaWAN.ADR }}

# Public network sync-word.
public_network={{ .LoRaWAN.PublicNetwork }}

# Send confirmed uplinks.
confirmed={{ .LoRaWAN.Confirmed }}

# Number of transmissions of a confirmed uplink.
confirmed_nb_trials={{ .LoRaWAN.ConfirmedNbTrials }}

# Data-rate of the uplinks.
data_rate={{ .LoRaWAN.DataRate }}

# Channels mask.
#
# Each element holds the enabled state of 16 channels.
channels_mask=[{{ range $i, $m := .LoRaWAN.ChannelsMask }}{{ if $i }}, {{ end }}{{ $m }}{{ end }}]

# Delay before retrying a failed join.
rejoin_delay="{{ .LoRaWAN.RejoinDelay }}"

  # LoRaWAN band.
  [lorawan.band]
  # Name of the band.
  #
  # Only EU868 has a built-in channel plan.
  name="{{ .LoRaWAN.Band.Name }}"

  # Repeater compatible max payload sizes.
  repeater_compatible={{ .LoRaWAN.Band.RepeaterCompatible }}

  # Uplink dwell-time limited to 400ms.
  uplink_dwell_time_400ms={{ .LoRaWAN.Band.UplinkDwellTime400ms }}

  # Extra channels.
  #
  # Example:
  # [[lorawan.extra_channels]]
  # index=3
  # frequency=867100000
  # min_dr=0
  # max_dr=5
{{ range $index, $element := .LoRaWAN.ExtraChannels }}
  [[lorawan.extra_channels]]
  index={{ $element.Index }}
  frequency={{ $element.Frequency }}
  min_dr={{ $element.MinDR }}
  max_dr={{ $element.MaxDR }}
{{ end }}

# Application settings.
[application]
# FPort of the uplinks.
f_port={{ .Application.FPort }}

# Payload of the uplinks (HEX encoded).
payload="{{ .Application.Payload }}"

# Uplink interval and max. random delay added to it.
tx_duty_cycle="{{ .Application.TxDutyCycle }}"
tx_duty_cycle_random="{{ .Application.TxDutyCycleRandom }}"

# Request the network time every n uplinks (0 = disabled).
device_time_req_interval={{ .Application.DeviceTimeReqInterval }}

# Request a link check every n uplinks (0 = disabled).
link_check_req_interval={{ .Application.LinkCheckReqInterval }}

# Battery level reported in DevStatusAns (1-254, 0 = unknown).
battery_level={{ .Application.BatteryLevel }}


# MAC engine settings.
[mac]
# Time to wait for a downlink within a receive window.
rx_window_timeout="{{ .MAC.RXWindowTimeout }}"

# Time to wait for a join-accept.
join_accept_timeout="{{ .MAC.JoinAcceptTimeout }}"

# Reported uplink RSSI and SNR.
uplink_rssi={{ .MAC.UplinkRSSI }}
uplink_snr={{ .MAC.UplinkSNR }}

# Reported downlink RSSI and SNR.
downlink_rssi={{ .MAC.DownlinkRSSI }}
downlink_snr={{ .MAC.DownlinkSNR }}

# TX power (dBm).
tx_power={{ .MAC.TXPower }}


# Gateway settings.
#
# The device publishes its uplinks as events of this gateway.
[gateway]
# Gateway ID (HEX encoded).
gateway_id="{{ .Gateway.GatewayIDString }}"

  # Gateway backend.
  [gateway.backend]
  # Backend type (mqtt or amqp).
  type="{{ .Gateway.Backend.Type }}"

  # Payload marshaler (json, protobuf or v2_json).
  marshaler="{{ .Gateway.Backend.Marshaler }}"

    [gateway.backend.mqtt]
    # Event topic template.
    event_topic_template="{{ .Gateway.Backend.MQTT.EventTopicTemplate }}"

    # Command topic template.
    command_topic_template="{{ .Gateway.Backend.MQTT.CommandTopicTemplate }}"

    # MQTT server (e.g. scheme://host:port where scheme is tcp, ssl or ws)
    server="{{ .Gateway.Backend.MQTT.Server }}"

    # Connect with the given username (optional)
    username="{{ .Gateway.Backend.MQTT.Username }}"

    # Connect with the given password (optional)
    password="{{ .Gateway.Backend.MQTT.Password }}"

    # Maximum interval that will be waited between reconnection attempts when connection is lost.
    max_reconnect_interval="{{ .Gateway.Backend.MQTT.MaxReconnectInterval }}"

    # Quality of service level
    #
    # 0: at most once
    # 1: at least once
    # 2: exactly once
    qos={{ .Gateway.Backend.MQTT.QOS }}

    # Clean session
    clean_session={{ .Gateway.Backend.MQTT.CleanSession }}

    # Client ID (optional)
    client_id="{{ .Gateway.Backend.MQTT.ClientID }}"

    # CA certificate file (optional)
    ca_cert="{{ .Gateway.Backend.MQTT.CACert }}"

    # TLS certificate file (optional)
    tls_cert="{{ .Gateway.Backend.MQTT.TLSCert }}"

    # TLS key file (optional)
    tls_key="{{ .Gateway.Backend.MQTT.TLSKey }}"

    [gateway.backend.amqp]
    # Server URL.
    url="{{ .Gateway.Backend.AMQP.URL }}"

    # Event routing key template.
    event_routing_key_template="{{ .Gateway.Backend.AMQP.EventRoutingKeyTemplate }}"

    # Command routing key and queue name templates.
    command_routing_key_template="{{ .Gateway.Backend.AMQP.CommandRoutingKey }}"
    command_queue_name_template="{{ .Gateway.Backend.AMQP.CommandQueueName }}"

    # Channel pool size.
    channel_pool_size={{ .Gateway.Backend.AMQP.ChannelPoolSize }}


# Device-context storage.
[storage]
# Storage type (memory or redis).
type="{{ .Storage.Type }}"

  [storage.redis]
  # Server address or addresses.
  servers=[{{ range $index, $elm := .Storage.Redis.Servers }}
    "{{ $elm }}",{{ end }}
  ]

  # Redis Cluster.
  cluster={{ .Storage.Redis.Cluster }}

  # Master name (Redis Sentinel).
  master_name="{{ .Storage.Redis.MasterName }}"

  # Connection pool size (0 = default).
  pool_size={{ .Storage.Redis.PoolSize }}

  # Password (optional).
  password="{{ .Storage.Redis.Password }}"

  # Database index.
  database={{ .Storage.Redis.Database }}

  # TLS.
  tls_enabled={{ .Storage.Redis.TLSEnabled }}

  # Key prefix.
  key_prefix="{{ .Storage.Redis.KeyPrefix }}"


# Monitoring settings.
[monitoring]
# IP:port to bind the monitoring endpoint to.
#
# When left blank, the monitoring endpoint is disabled.
bind="{{ .Monitoring.Bind }}"

# Prometheus metrics endpoint (/metrics).
prometheus_endpoint={{ .Monitoring.PrometheusEndpoint }}

# Healthcheck endpoint (/health).
healthcheck_endpoint={{ .Monitoring.HealthcheckEndpoint }}
`

var configCmd = &cobra.Command{
	Use:   "configfile",
	Short: "Print the ChirpStack End Device configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		t := template.Must(template.New("config").Parse(configTemplate))
		err := t.Execute(os.Stdout, &config.C)
		if err != nil {
			return errors.Wrap(err, "execute config template error")
		}
		return nil
	},
}
