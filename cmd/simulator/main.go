package main

import (
	"encoding/json"
	"math/rand"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/config"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/logging"
)

type Reading struct {
	SupplyTemperatureC float64   `json:"supply_temperature_c"`
	ReturnTemperatureC float64   `json:"return_temperature_c"`
	PowerW             float64   `json:"power_w"`
	FlowLPS            float64   `json:"flow_lps"`
	COP                float64   `json:"cop"`
	Timestamp          time.Time `json:"timestamp"`
	Meta               Meta      `json:"meta"`
}

type Meta struct {
	Source string `json:"source"`
	Seq    int    `json:"seq"`
}

func main() {
	pflag.String("mqtt-url", "tcp://localhost:1883", "telemetry broker URL")
	site := pflag.String("site", "SITE-001", "site external id")
	device := pflag.String("device", "HP-001", "device external id")
	count := pflag.Int("count", 100, "messages to publish")
	every := pflag.Duration("every", 500*time.Millisecond, "publish interval")
	pflag.Parse()

	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if err := config.BindFlags(pflag.CommandLine); err != nil {
		log.Fatal().Err(err).Msg("flag binding failed")
	}
	logging.Setup(viper.GetString("LOG_LEVEL"), viper.GetBool("LOG_PRETTY"))

	opts := mqtt.NewClientOptions().AddBroker(config.MQTTURL()).SetClientID("greenbro-simulator")
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Msg("mqtt connect")
	}
	defer client.Disconnect(250)

	topic := config.MQTTTopicRoot() + "/" + *site + "/" + *device + "/telemetry"
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < *count; i++ {
		supply := 40 + rng.Float64()*15
		r := Reading{
			SupplyTemperatureC: supply,
			ReturnTemperatureC: supply - 5 - rng.Float64()*3,
			PowerW:             1500 + rng.Float64()*1500,
			FlowLPS:            0.3 + rng.Float64()*0.2,
			COP:                2.8 + rng.Float64()*1.4,
			Timestamp:          time.Now().UTC(),
			Meta:               Meta{Source: "simulator", Seq: i},
		}
		payload, _ := json.Marshal(r)
		token := client.Publish(topic, 0, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Error().Err(err).Msg("publish failed")
		}
		time.Sleep(*every)
	}
	log.Info().Str("topic", topic).Int("count", *count).Msg("simulation done")
}
