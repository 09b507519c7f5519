package main

import (
	"os"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/chat"
)

// chatAdapterOpt builds one ChatAdapter, or returns nil if its required
// environment/config is absent — a missing adapter is a configuration gap,
// not a fatal error, since chat bindings for that platform simply never
// route (adapters are optional build-time collaborators per §9).
type chatAdapterOpt func(log *logger.Logger) chat.ChatAdapter

func withSlackFromEnv() chatAdapterOpt {
	return func(log *logger.Logger) chat.ChatAdapter {
		botToken := os.Getenv("SLACK_BOT_TOKEN")
		appToken := os.Getenv("SLACK_APP_TOKEN")
		if botToken == "" || appToken == "" {
			log.Warn("slack chat binding present but SLACK_BOT_TOKEN/SLACK_APP_TOKEN not set; slack adapter disabled")
			return nil
		}
		return chat.NewSlackAdapter(botToken, appToken, log)
	}
}

func resolveChatAdapters(opts []chatAdapterOpt, log *logger.Logger) []chat.ChatAdapter {
	adapters := make([]chat.ChatAdapter, 0, len(opts))
	for _, opt := range opts {
		if a := opt(log); a != nil {
			adapters = append(adapters, a)
		}
	}
	return adapters
}
