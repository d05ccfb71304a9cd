/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package natsutil publishes fleet events to NATS JetStream as CloudEvents.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/fleetpower/pkg/logger"
	"github.com/carverauto/fleetpower/pkg/models"
)

const (
	eventSource        = "fleetpower/fleetd"
	defaultPrefix      = "fleet.events"
	commandSubjectPart = "command"
	stateSubjectPart   = "state"
)

// Publisher is the slice of jetstream.JetStream the publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// EventPublisher sends fleet command and state events. Publishing is best
// effort; callers log failures and carry on.
type EventPublisher struct {
	js     Publisher
	stream string
	prefix string
	now    func() time.Time
	logger logger.Logger
}

// NewEventPublisher creates an EventPublisher writing under subjectPrefix.
func NewEventPublisher(js Publisher, streamName, subjectPrefix string, log logger.Logger) *EventPublisher {
	if subjectPrefix == "" {
		subjectPrefix = defaultPrefix
	}

	return &EventPublisher{
		js:     js,
		stream: streamName,
		prefix: strings.TrimSuffix(subjectPrefix, "."),
		now:    time.Now,
		logger: log,
	}
}

func (p *EventPublisher) CommandSubject() string { return p.prefix + "." + commandSubjectPart }

func (p *EventPublisher) StateSubject() string { return p.prefix + "." + stateSubjectPart }

// CommandLogged publishes a command audit entry.
func (p *EventPublisher) CommandLogged(ctx context.Context, entry models.CommandLogEntry) error {
	at := entry.Timestamp

	return p.publish(ctx, models.CloudEvent{
		Type:    models.EventTypeCommand,
		Subject: p.CommandSubject(),
		Time:    &at,
		Data:    entry,
	})
}

// StateChanged publishes a fleet state transition.
func (p *EventPublisher) StateChanged(ctx context.Context, change models.StateChange) error {
	at := change.At

	return p.publish(ctx, models.CloudEvent{
		Type:    models.EventTypeStateChange,
		Subject: p.StateSubject(),
		Time:    &at,
		Data:    change,
	})
}

func (p *EventPublisher) publish(ctx context.Context, event models.CloudEvent) error {
	event.SpecVersion = "1.0"
	event.ID = uuid.New().String()
	event.Source = eventSource
	event.DataContentType = "application/json"

	if event.Time == nil || event.Time.IsZero() {
		at := p.now()
		event.Time = &at
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}

	ack, err := p.js.Publish(ctx, event.Subject, eventBytes, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	p.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", event.Subject).
		Uint64("seq", ack.Sequence).
		Msg("Published fleet event")

	return nil
}

// ConnectWithEventPublisher connects to cfg.URL, ensures the stream covers
// the fleet subjects and returns a publisher on it.
func ConnectWithEventPublisher(
	ctx context.Context,
	cfg *models.NATSConfig,
	log logger.Logger,
	extraOpts ...nats.Option,
) (*EventPublisher, *nats.Conn, error) {
	opts, err := connectOptions(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	nc, err := nats.Connect(cfg.URL, append(opts, extraOpts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := NewEventPublisher(js, cfg.Stream, cfg.SubjectPrefix, log)

	if err := ensureStream(ctx, js, cfg.Stream, publisher.prefix+".>"); err != nil {
		nc.Close()
		return nil, nil, err
	}

	return publisher, nc, nil
}

func connectOptions(cfg *models.NATSConfig, log logger.Logger) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name("fleetd"),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	if cfg.TLS != nil {
		tlsConf, err := TLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build NATS TLS config: %w", err)
		}

		opts = append(opts, nats.Secure(tlsConf))
	}

	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	return opts, nil
}

// ensureStream creates the stream when it is missing and adds subject to an
// existing stream that does not cover it yet.
func ensureStream(ctx context.Context, js jetstream.JetStream, name, subject string) error {
	stream, err := js.Stream(ctx, name)
	if err != nil && !isStreamMissingErr(err) {
		return fmt.Errorf("failed to look up stream %s: %w", name, err)
	}

	var subjects []string

	if stream != nil {
		info, infoErr := stream.Info(ctx)
		if infoErr != nil {
			return fmt.Errorf("failed to read stream %s: %w", name, infoErr)
		}

		subjects = info.Config.Subjects

		for _, s := range subjects {
			if matchesSubject(s, subject) {
				return nil
			}
		}

		cfg := info.Config
		cfg.Subjects = ensureSubjectList(subjects, subject)

		if _, err := js.UpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", name, err)
		}

		return nil
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: ensureSubjectList(nil, subject),
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}

	return nil
}

func ensureSubjectList(subjects []string, subject string) []string {
	for _, s := range subjects {
		if matchesSubject(s, subject) {
			return subjects
		}
	}

	return append(subjects, subject)
}

// matchesSubject reports whether pattern covers subject using NATS token
// wildcards. A ">" pattern token also covers a ">" subject token.
func matchesSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}

		if i >= len(st) {
			return false
		}

		if tok != "*" && tok != st[i] {
			return false
		}
	}

	return len(pt) == len(st)
}

func isStreamMissingErr(err error) bool {
	return errors.Is(err, jetstream.ErrStreamNotFound) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrStreamNotFound) ||
		errors.Is(err, nats.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrNoResponders)
}
