/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package control owns the MQTT session with the operator's broker:
// command intake, status publishing, and the retained last-will that
// marks the device offline when the session dies with it.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_display/internal/config"
	"github.com/friendsincode/grimnir_display/internal/telemetry"
)

const publishTimeout = 5 * time.Second

// MessageHandler receives inbound command payloads. It runs on the paho
// callback goroutine; handlers must enqueue, not block.
type MessageHandler func(topic string, payload []byte)

// Publisher is the outbound half of the control channel. Status reporting
// depends on this rather than on the concrete client.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
}

// Client maintains the broker session. Reconnection is driven here with
// exponential backoff rather than by paho, so connectivity transitions
// flow through the mode hooks exactly once per edge.
type Client struct {
	cfg    *config.Config
	will   []byte
	logger zerolog.Logger

	onMessage    MessageHandler
	onConnect    func()
	onDisconnect func(err error)

	// mu guards client: the Run goroutine swaps it across reconnects
	// while Publish reads it from reporter callers.
	mu     sync.RWMutex
	client mqtt.Client
	lost   chan struct{}
}

// NewClient builds a control client. will is published retained on the
// status topic by the broker if the session dies uncleanly.
func NewClient(cfg *config.Config, will []byte, onMessage MessageHandler, onConnect func(), onDisconnect func(error), logger zerolog.Logger) *Client {
	return &Client{
		cfg:          cfg,
		will:         will,
		logger:       logger.With().Str("component", "control").Logger(),
		onMessage:    onMessage,
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
		lost:         make(chan struct{}, 1),
	}
}

// Run connects and keeps the session alive until ctx is done. Connection
// failures back off exponentially up to the configured ceiling; the
// backoff resets after every successful connect.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectMinInterval
	bo.MaxInterval = c.cfg.ReconnectMaxInterval
	bo.MaxElapsedTime = 0

	for {
		if err := c.connect(); err != nil {
			wait := bo.NextBackOff()
			c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("broker connect failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}
		bo.Reset()

		select {
		case <-ctx.Done():
			c.disconnect()
			return ctx.Err()
		case <-c.lost:
			// Loop back into the connect path.
		}
	}
}

func (c *Client) connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(c.cfg.DeviceID)
	if c.cfg.BrokerUsername != "" {
		opts.SetUsername(c.cfg.BrokerUsername)
		opts.SetPassword(c.cfg.BrokerPassword)
	}
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetWill(c.cfg.StatusTopic(), string(c.will), 1, true)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.Warn().Err(err).Msg("broker connection lost")
		telemetry.ObserveBrokerReconnect()
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
		select {
		case c.lost <- struct{}{}:
		default:
		}
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("connect to %s: timeout", c.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", c.cfg.BrokerURL, err)
	}

	cmdTopic := c.cfg.CmdTopic()
	subToken := client.Subscribe(cmdTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		if c.onMessage != nil {
			c.onMessage(msg.Topic(), msg.Payload())
		}
	})
	if !subToken.WaitTimeout(publishTimeout) || subToken.Error() != nil {
		client.Disconnect(250)
		return fmt.Errorf("subscribe %s: %v", cmdTopic, subToken.Error())
	}

	c.setClient(client)
	c.logger.Info().Str("broker", c.cfg.BrokerURL).Str("cmd_topic", cmdTopic).Msg("broker connected")
	if c.onConnect != nil {
		c.onConnect()
	}
	return nil
}

func (c *Client) setClient(client mqtt.Client) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
}

func (c *Client) currentClient() mqtt.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *Client) disconnect() {
	if client := c.currentClient(); client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}

// Publish sends a payload at QoS 1. Failures are returned, not retried;
// status traffic is best effort by contract.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	client := c.currentClient()
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("publish %s: not connected", topic)
	}
	token := client.Publish(topic, 1, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
