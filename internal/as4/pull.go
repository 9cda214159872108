// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package as4

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/receiver"
)

// ErrPullRefused is returned when a partner answers a pull request with an
// ebMS error other than the empty partition warning
var ErrPullRefused = errors.New("pull request refused")

// Pull sends a pull request for mpc to the partner named by the pull bound
// P-Mode of mpc. It returns nil when nothing is waiting.
func (m *MSH) Pull(ctx context.Context, mpc string) (*receiver.ReceivedMessage, error) {
	pm := m.pullPMode(mpc)
	if pm == nil {
		return nil, fmt.Errorf("%w: no pull pmode for mpc %q", ErrUnknownPMode, mpc)
	}
	if pm.Protocol == nil || pm.Protocol.Address == "" {
		return nil, fmt.Errorf("%w: pmode %s has no address to pull from", pmode.ErrInvalidPMode, pm.ID)
	}

	pr, err := message.NewPullRequest(message.NewMessageID(m.cfg.Node.Host), mpcOf(mpc))
	if err != nil {
		return nil, err
	}
	req := message.New()
	if err := req.AddMessageUnit(pr); err != nil {
		return nil, err
	}
	if pm.SignsMessages() {
		sig, err := m.policies.signature(pm)
		if err != nil {
			return nil, err
		}
		if err := m.coordinator.Sign(req, sig); err != nil {
			return nil, fmt.Errorf("signing pull request: %w", err)
		}
	}
	var body bytes.Buffer
	if err := m.serializer.Serialize(ctx, &body, req); err != nil {
		return nil, err
	}

	resp, err := m.client.Send(ctx, pm.Protocol.Address, body.Bytes(), req.ContentType)
	if err != nil {
		return nil, fmt.Errorf("pull on %s: %w", pr.Mpc, err)
	}
	if len(resp.Body) == 0 {
		return nil, nil
	}
	reply, err := m.serializer.Deserialize(ctx, bytes.NewReader(resp.Body), resp.ContentType)
	if err != nil {
		return nil, fmt.Errorf("parsing pull response: %w", err)
	}

	if um, ok := reply.PrimaryUserMessage().Get(); ok {
		m.metrics.Message("pull", "pulled")
		return &receiver.ReceivedMessage{
			ID:          pr.ID(),
			MessageID:   um.ID(),
			ContentType: resp.ContentType,
			Body:        resp.Body,
			Origin:      pr.Mpc,
		}, nil
	}
	for _, e := range reply.Errors() {
		if e.IsPullRequestWarning() {
			continue
		}
		m.metrics.Message("pull", "refused")
		if len(e.Lines) > 0 {
			return nil, fmt.Errorf("%w: %s %s", ErrPullRefused, e.Lines[0].Code, e.Lines[0].ShortDescription)
		}
		return nil, ErrPullRefused
	}
	m.metrics.Message("pull", "empty")
	return nil, nil
}

// HandlePulled is the handler of the pull flow. A pulled user message is
// processed like a pushed one; its receipt or error signal is pushed back
// to the partner it was pulled from.
func (m *MSH) HandlePulled(ctx context.Context, in *receiver.ReceivedMessage) (receiver.Result, error) {
	res, err := m.HandleInbound(ctx, in)
	if err != nil {
		return res, err
	}
	if len(res.Body) == 0 {
		return receiver.Ack(), nil
	}
	pm := m.pullPMode(in.Origin)
	if pm == nil || pm.Protocol == nil || pm.Protocol.Address == "" {
		m.logger.Warn("no address to return the signal of a pulled message", "message_id", in.MessageID, "mpc", in.Origin)
		return receiver.Ack(), nil
	}
	if _, err := m.client.Send(ctx, pm.Protocol.Address, res.Body, res.ContentType); err != nil {
		m.logger.Warn("failed to return signal of pulled message",
			"message_id", in.MessageID, "endpoint", pm.Protocol.Address, "error", err)
	}
	return receiver.Ack(), nil
}
