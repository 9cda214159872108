// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability provides reception awareness for AS4 messaging.

# Retry State Machine

Every message that must be retried gets a Record. The StateMachine moves it
through its statuses:

	Pending --MarkSent--> Sent --Complete--> Completed
	   ^                   |
	   +------Fail---------+  (retry+1, due LastAttempt+Interval)
	                       |
	                       +--Fail, no retry left--> Exhausted (journaled)

Completed and Exhausted are terminal. Outbound messages and inbound
exceptions use the same machine as independent records.

	sm, err := reliability.NewStateMachine(store, journal, reliability.WithLogger(logger))
	rec, err := sm.Schedule(ctx, messageID, reliability.KindOutbound, reliability.PolicyFor(pm))
	...
	due, err := sm.Due(ctx, time.Now(), 50)

# Duplicate Detection

DuplicateDetector keeps received message ids in a Pebble database for the
P-Mode duplicate detection window:

	dups, err := reliability.OpenDuplicateDetector("/var/lib/msh/dups", 24*time.Hour, nil)
	if dup, _ := dups.CheckAndMark(messageID); dup {
	    // already delivered
	}

# References

  - OASIS AS4 Reception Awareness: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package reliability
