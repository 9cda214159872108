// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package as4

import (
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// resolvePMode finds the P-Mode governing an inbound user message. The
// P-Mode named by the agreement reference wins; otherwise service, action
// and parties are matched. Nil means no P-Mode applies.
func (m *MSH) resolvePMode(um *message.UserMessage) *pmode.ProcessingMode {
	if ref, ok := um.CollaborationInfo.AgreementRef.Get(); ok {
		if id, ok := ref.PModeID.Get(); ok {
			if pm := m.pmodes.GetPMode(id); pm != nil {
				return pm
			}
		}
	}
	return m.pmodes.FindPMode(
		um.CollaborationInfo.Service.Value,
		um.CollaborationInfo.Action,
		um.Sender.PrimaryID(),
		um.Receiver.PrimaryID(),
	)
}

// builderOptions turns the business information of an outbound P-Mode into
// user message builder options. The local party is used as sender when the
// P-Mode names no initiator.
func (m *MSH) builderOptions(pm *pmode.ProcessingMode) []message.Option {
	opts := []message.Option{
		message.WithMessageID(message.NewMessageID(m.cfg.Node.Host)),
		message.WithService(pm.BusinessInfo.Service),
		message.WithAction(pm.BusinessInfo.Action),
	}
	if pm.BusinessInfo.ServiceType != "" {
		opts = append(opts, message.WithServiceType(pm.BusinessInfo.ServiceType))
	}
	if pm.BusinessInfo.MPC != "" {
		opts = append(opts, message.WithMpc(pm.BusinessInfo.MPC))
	}
	if pm.Agreement != nil && pm.Agreement.Name != "" {
		opts = append(opts, message.WithAgreementRef(pm.Agreement.Name, pm.ID))
	}

	from, fromType := m.cfg.Node.PartyID, m.cfg.Node.PartyType
	if pm.Initiator != nil && pm.Initiator.ID != "" {
		from, fromType = pm.Initiator.ID, pm.Initiator.Type
		if pm.Initiator.Role != "" {
			opts = append(opts, message.WithFromRole(pm.Initiator.Role))
		}
	}
	opts = append(opts, message.WithFrom(from, fromType))
	if pm.Responder != nil {
		opts = append(opts, message.WithTo(pm.Responder.ID, pm.Responder.Type))
		if pm.Responder.Role != "" {
			opts = append(opts, message.WithToRole(pm.Responder.Role))
		}
	}
	return opts
}

// pullPMode returns the pull bound P-Mode serving mpc. P-Modes naming no MPC
// serve the default one.
func (m *MSH) pullPMode(mpc string) *pmode.ProcessingMode {
	if pm := m.pmodes.FindPullPMode(mpc); pm != nil {
		return pm
	}
	if mpcOf(mpc) == message.DefaultMpc {
		return m.pmodes.FindPullPMode("")
	}
	return nil
}

func mpcOf(mpc string) string {
	if mpc == "" {
		return message.DefaultMpc
	}
	return mpc
}
