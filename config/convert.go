package config

import (
	"github.com/vinayprograms/dcn/agent"
	"github.com/vinayprograms/dcn/client"
	"github.com/vinayprograms/dcn/control"
	"github.com/vinayprograms/dcn/dispatcher"
	"github.com/vinayprograms/dcn/queue"
	"github.com/vinayprograms/dcn/telemetry"
)

// DispatcherConfig returns the dispatcher settings.
func (c *Config) DispatcherConfig() dispatcher.Config {
	d := c.Dispatcher
	return dispatcher.Config{
		FirstAgentID:      d.FirstAgentID,
		PollInterval:      d.PollInterval.Duration,
		LivenessInterval:  d.LivenessInterval.Duration,
		BrokerHost:        d.BrokerHost,
		ReconnectAttempts: d.ReconnectAttempts,
		ReconnectDelay:    d.ReconnectDelay.Duration,
		Exchange:          c.Broker.Exchange,
	}
}

// AgentConfig returns the agent settings.
func (c *Config) AgentConfig() agent.Config {
	return agent.Config{
		Name:           c.Agent.Name,
		Token:          c.Agent.Token,
		Period:         c.Agent.Period.Duration,
		Inactivity:     c.Broker.InactivityTimeout.Duration,
		BrokerAttempts: c.Broker.ConnectAttempts,
		BrokerDelay:    c.Broker.ReconnectDelay.Duration,
	}
}

// ClientConfig returns the client settings.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		Name:           c.Client.Name,
		Token:          c.Client.Token,
		Inactivity:     c.Broker.InactivityTimeout.Duration,
		BrokerAttempts: c.Broker.ConnectAttempts,
		BrokerDelay:    c.Broker.ReconnectDelay.Duration,
	}
}

// QueueConfig returns broker connection settings for a participant named
// name. URL is left empty; it is filled from the host the dispatcher hands
// out.
func (c *Config) QueueConfig(name string) queue.Config {
	b := c.Broker
	return queue.Config{
		Name:              name,
		Exchange:          b.Exchange,
		ConnectAttempts:   b.ConnectAttempts,
		ReconnectDelay:    b.ReconnectDelay.Duration,
		ConnectTimeout:    b.ConnectTimeout.Duration,
		InactivityTimeout: b.InactivityTimeout.Duration,
		AckWait:           b.AckWait.Duration,
	}
}

// ControlConfig returns the request settings.
func (c *Config) ControlConfig() control.Config {
	return control.Config{RequestTimeout: c.Control.RequestTimeout.Duration}
}

// NATSConfig returns the NATS control settings for a connection named
// name. Credentials are applied by the caller.
func (c *Config) NATSConfig(name string) control.NATSConfig {
	cfg := control.DefaultNATSConfig()
	cfg.URL = c.Control.URL
	cfg.Subject = c.Control.Subject
	cfg.Name = name
	return cfg
}

// WebSocketConfig returns the websocket control settings.
func (c *Config) WebSocketConfig() control.WebSocketConfig {
	return control.DefaultWebSocketConfig()
}

// ProviderConfig returns the tracing settings for one process. The service
// name is suffixed with the role; instance tells processes of one role apart.
func (c *Config) ProviderConfig(role, instance, version string) telemetry.ProviderConfig {
	t := c.Telemetry
	name := t.ServiceName
	if role != "" {
		name = t.ServiceName + "-" + role
	}
	return telemetry.ProviderConfig{
		ServiceName:    name,
		ServiceVersion: version,
		Role:           role,
		Instance:       instance,
		Endpoint:       t.Endpoint,
		Protocol:       t.Protocol,
		Insecure:       t.Insecure,
		SampleRatio:    t.SampleRatio,
		Debug:          t.Debug,
	}
}
