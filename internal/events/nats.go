package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/obs"
)

// NATSPublisher publishes events on <prefix>.<topic> subjects.
type NATSPublisher struct {
	Conn          *nats.Conn
	SubjectPrefix string
}

// ConnectNATS dials the server with reconnect handling logged through logger.
func ConnectNATS(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("events: NATS_URL is required")
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats_disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats_reconnected")
		}),
	)
}

// Subject returns the subject an event with the given topic is published on.
func (p NATSPublisher) Subject(topic string) string {
	prefix := strings.Trim(strings.TrimSpace(p.SubjectPrefix), ".")
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

// Publish implements Publisher. The event id travels in the Nats-Msg-Id
// header so JetStream consumers can deduplicate.
func (p NATSPublisher) Publish(ctx context.Context, event Event) error {
	if p.Conn == nil {
		return errors.New("events: nats connection not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode message: %w", err)
	}
	msg := nats.NewMsg(p.Subject(event.Topic))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	if err := p.Conn.PublishMsg(msg); err != nil {
		obs.CountInc(obs.EventPublishTotal, "nats", "error")
		return fmt.Errorf("nats publish: %w", err)
	}
	if _, ok := ctx.Deadline(); ok {
		err = p.Conn.FlushWithContext(ctx)
	} else {
		err = p.Conn.FlushTimeout(2 * time.Second)
	}
	if err != nil {
		obs.CountInc(obs.EventPublishTotal, "nats", "error")
		return fmt.Errorf("nats flush: %w", err)
	}
	obs.CountInc(obs.EventPublishTotal, "nats", "ok")
	return nil
}
