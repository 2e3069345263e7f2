package config

import (
	"time"

	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"

	"github.com/brocaar/chirpstack-end-device/internal/mac"
)

// Version defines the ChirpStack End Device version.
var Version string

// Config defines the configuration structure.
type Config struct {
	General struct {
		LogLevel    int  `mapstructure:"log_level"`
		LogToSyslog bool `mapstructure:"log_to_syslog"`
	} `mapstructure:"general"`

	Device struct {
		DevEUIString     string `mapstructure:"dev_eui"`
		DevEUIFromChipID bool   `mapstructure:"dev_eui_from_chip_id"`
		JoinEUIString    string `mapstructure:"join_eui"`
		AppKeyString     string `mapstructure:"app_key"`
		OTAA             bool   `mapstructure:"otaa"`
		DevAddrString    string `mapstructure:"dev_addr"`
		NetIDString      string `mapstructure:"net_id"`
		NwkSKeyString    string `mapstructure:"nwk_s_key"`
		AppSKeyString    string `mapstructure:"app_s_key"`
		ClassString      string `mapstructure:"class"`

		DevEUI  lorawan.EUI64     `mapstructure:"-"`
		JoinEUI lorawan.EUI64     `mapstructure:"-"`
		AppKey  lorawan.AES128Key `mapstructure:"-"`
		DevAddr lorawan.DevAddr   `mapstructure:"-"`
		NetID   lorawan.NetID     `mapstructure:"-"`
		NwkSKey lorawan.AES128Key `mapstructure:"-"`
		AppSKey lorawan.AES128Key `mapstructure:"-"`
		Class   mac.DeviceClass   `mapstructure:"-"`
	} `mapstructure:"device"`

	LoRaWAN struct {
		Band struct {
			Name                 band.Name `mapstructure:"name"`
			UplinkDwellTime400ms bool      `mapstructure:"uplink_dwell_time_400ms"`
			RepeaterCompatible   bool      `mapstructure:"repeater_compatible"`
		} `mapstructure:"band"`

		ADR               bool     `mapstructure:"adr"`
		PublicNetwork     bool     `mapstructure:"public_network"`
		Confirmed         bool     `mapstructure:"confirmed"`
		ConfirmedNbTrials int      `mapstructure:"confirmed_nb_trials"`
		DataRate          int      `mapstructure:"data_rate"`
		ChannelsMask      []uint16 `mapstructure:"channels_mask"`

		ExtraChannels []struct {
			Index     int    `mapstructure:"index"`
			Frequency uint32 `mapstructure:"frequency"`
			MinDR     int    `mapstructure:"min_dr"`
			MaxDR     int    `mapstructure:"max_dr"`
		} `mapstructure:"extra_channels"`

		RejoinDelay time.Duration `mapstructure:"rejoin_delay"`
	} `mapstructure:"lorawan"`

	Application struct {
		FPort                 uint8         `mapstructure:"f_port"`
		Payload               string        `mapstructure:"payload"`
		TxDutyCycle           time.Duration `mapstructure:"tx_duty_cycle"`
		TxDutyCycleRandom     time.Duration `mapstructure:"tx_duty_cycle_random"`
		DeviceTimeReqInterval int           `mapstructure:"device_time_req_interval"`
		LinkCheckReqInterval  int           `mapstructure:"link_check_req_interval"`
		BatteryLevel          uint8         `mapstructure:"battery_level"`
	} `mapstructure:"application"`

	MAC struct {
		RXWindowTimeout   time.Duration `mapstructure:"rx_window_timeout"`
		JoinAcceptTimeout time.Duration `mapstructure:"join_accept_timeout"`
		UplinkRSSI        int32         `mapstructure:"uplink_rssi"`
		UplinkSNR         float64       `mapstructure:"uplink_snr"`
		DownlinkRSSI      int16         `mapstructure:"downlink_rssi"`
		DownlinkSNR       int8          `mapstructure:"downlink_snr"`
		TXPower           int           `mapstructure:"tx_power"`
	} `mapstructure:"mac"`

	Gateway struct {
		GatewayIDString string         `mapstructure:"gateway_id"`
		GatewayID       lorawan.EUI64  `mapstructure:"-"`
		Backend         GatewayBackend `mapstructure:"backend"`
	} `mapstructure:"gateway"`

	Storage struct {
		Type  string `mapstructure:"type"`
		Redis struct {
			Servers    []string `mapstructure:"servers"`
			Cluster    bool     `mapstructure:"cluster"`
			MasterName string   `mapstructure:"master_name"`
			PoolSize   int      `mapstructure:"pool_size"`
			Password   string   `mapstructure:"password"`
			Database   int      `mapstructure:"database"`
			TLSEnabled bool     `mapstructure:"tls_enabled"`
			KeyPrefix  string   `mapstructure:"key_prefix"`
		} `mapstructure:"redis"`
	} `mapstructure:"storage"`

	Monitoring struct {
		Bind                string `mapstructure:"bind"`
		PrometheusEndpoint  bool   `mapstructure:"prometheus_endpoint"`
		HealthcheckEndpoint bool   `mapstructure:"healthcheck_endpoint"`
	} `mapstructure:"monitoring"`
}

// GatewayBackend holds the gateway-bridge backend configuration.
type GatewayBackend struct {
	Type      string `mapstructure:"type"`
	Marshaler string `mapstructure:"marshaler"`

	MQTT struct {
		Server               string        `mapstructure:"server"`
		Username             string        `mapstructure:"username"`
		Password             string        `mapstructure:"password"`
		MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
		QOS                  uint8         `mapstructure:"qos"`
		CleanSession         bool          `mapstructure:"clean_session"`
		ClientID             string        `mapstructure:"client_id"`
		CACert               string        `mapstructure:"ca_cert"`
		TLSCert              string        `mapstructure:"tls_cert"`
		TLSKey               string        `mapstructure:"tls_key"`
		EventTopicTemplate   string        `mapstructure:"event_topic_template"`
		CommandTopicTemplate string        `mapstructure:"command_topic_template"`
	} `mapstructure:"mqtt"`

	AMQP struct {
		URL                     string `mapstructure:"url"`
		EventRoutingKeyTemplate string `mapstructure:"event_routing_key_template"`
		CommandRoutingKey       string `mapstructure:"command_routing_key_template"`
		CommandQueueName        string `mapstructure:"command_queue_name_template"`
		ChannelPoolSize         int    `mapstructure:"channel_pool_size"`
	} `mapstructure:"amqp"`
}

// C holds the global configuration.
var C Config
