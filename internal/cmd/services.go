package main

import (
	"fmt"

	"github.com/goalmate/realtime/clients/feedapi"
	"github.com/goalmate/realtime/internal/coordinator"
	"github.com/goalmate/realtime/internal/models"
	"github.com/goalmate/realtime/internal/session"
	"github.com/goalmate/realtime/internal/transport"
)

type Services struct {
	Sessions    *session.Stream
	API         *feedapi.Client
	Coordinator *coordinator.Coordinator
}

func setupServices(config *Config) (*Services, error) {
	// Wire up the chain: session stream → transport → coordinator,
	// with the REST client shared between history loads and callers.
	channel, err := setupTransport(config)
	if err != nil {
		return nil, err
	}

	api := feedapi.NewClient(config.API.BaseURL)
	if config.API.Timeout > 0 {
		api.SetTimeout(config.API.Timeout)
	}

	coordinatorConfig := coordinator.DefaultConfig()
	if config.DialTimeout > 0 {
		coordinatorConfig.DialTimeout = config.DialTimeout
	}

	sessions := session.NewStream(nil)

	// The REST bearer token follows the session.
	sessions.Subscribe(func(sess models.Session) {
		api.SetToken(sess.Token)
	})

	coord := coordinator.New(channel, api, coordinatorConfig)
	coord.Bind(sessions)

	return &Services{
		Sessions:    sessions,
		API:         api,
		Coordinator: coord,
	}, nil
}

func setupTransport(config *Config) (transport.Transport, error) {
	switch config.Transport.Kind {
	case "websocket":
		return transport.NewWebSocketTransport(
			transport.DefaultWebSocketConfig(config.Transport.WebSocket.URL),
		), nil
	case "nats":
		natsConfig := transport.DefaultNATSConfig(config.Transport.NATS.URL)
		if config.Transport.NATS.SubjectPrefix != "" {
			natsConfig.SubjectPrefix = config.Transport.NATS.SubjectPrefix
		}
		return transport.NewNATSTransport(natsConfig), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", config.Transport.Kind)
	}
}
