// Package server wires the relay services together.
package server

import (
	"context"

	"github.com/mailgram/mailgram/pkg/config"
	"github.com/mailgram/mailgram/pkg/message"
	"github.com/mailgram/mailgram/pkg/msghub"
	"github.com/mailgram/mailgram/pkg/policy"
	"github.com/mailgram/mailgram/pkg/relay"
	"github.com/mailgram/mailgram/pkg/server/smtp"
	"github.com/mailgram/mailgram/pkg/server/web"
	"github.com/mailgram/mailgram/pkg/stats"
	"github.com/mailgram/mailgram/pkg/telegram"
)

// Services holds the configured and started services.
type Services struct {
	MsgHub     *msghub.Hub
	Stats      *stats.Aggregator
	SMTPServer *smtp.Server
	WebServer  *web.Server
}

// Prod wires up the production mailgram environment.
func Prod(rootCtx context.Context, conf *config.Root) (*Services, error) {
	aliases, err := config.LoadAliases(conf.Relay.AliasFile)
	if err != nil {
		return nil, err
	}
	addrPolicy := &policy.Addressing{
		LocalDomains: conf.Relay.LocalDomains,
		Aliases:      aliases,
	}

	msgHub := msghub.New(conf.Relay.HistorySize)
	go msgHub.Start(rootCtx)

	transport := telegram.New(conf.Telegram)
	deliverer := &relay.Deliverer{
		Transport: transport,
		Policy: relay.Policy{
			MaxAttempts: conf.Relay.MaxAttempts,
			BaseDelay:   conf.Relay.RetryBaseDelay,
			MaxDelay:    conf.Relay.RetryMaxDelay,
		},
	}
	aggregator := stats.NewAggregator()
	mmanager := &message.RelayManager{
		AddrPolicy: addrPolicy,
		Deliverer:  deliverer,
		Hub:        msgHub,
		Stats:      aggregator,
	}

	// Start statistics reporter.
	reporter := stats.NewReporter(aggregator, transport, conf.Stats.AdminChatID, conf.Stats.Interval)
	go reporter.Start(rootCtx)

	// Start status web server.
	var webServer *web.Server
	if conf.Web.Enabled {
		webServer = web.NewServer(conf.Web, msgHub, aggregator)
		go webServer.Start(rootCtx)
	}

	// Start SMTP server.
	smtpServer := smtp.NewServer(conf.SMTP, mmanager, addrPolicy)
	go smtpServer.Start(rootCtx)

	return &Services{
		MsgHub:     msgHub,
		Stats:      aggregator,
		SMTPServer: smtpServer,
		WebServer:  webServer,
	}, nil
}
