// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package receiver discovers units of work for the MSH flows.

A Receiver is configured once from a list of named settings and then blocks
in StartReceiving until its context is cancelled or StopReceiving is called:

	r := receiver.NewDatastoreReceiver(rows, receiver.WithLogger(logger))
	err := r.Configure(receiver.Settings{
	    {Key: "Table", Value: "OutMessages"},
	    {Key: "Filter", Value: "ToBeSent", Attributes: map[string]string{"field": "Operation"}},
	    {Key: "Update", Value: "Sending", Attributes: map[string]string{"field": "Operation"}},
	    {Key: "PollingInterval", Value: "2s"},
	})
	...
	err = r.StartReceiving(ctx, func(ctx context.Context, m *receiver.ReceivedMessage) (receiver.Result, error) {
	    return receiver.Ack(), send(ctx, m)
	})

Polling receivers share one loop, Poller, driven by a Strategy:

	Idle -> Polling -> Dispatching -> Polling ...
	                \-> BackingOff (nothing found) -> Polling ...
	any state -> Stopped

Candidates of one cycle are dispatched in order. A failing candidate goes to
the strategy's HandleMessageException and never ends the loop. Stopping
finishes the in-flight dispatch and releases the claimed candidates that
were not dispatched yet.

Implementations: DatastoreReceiver (atomic row claim), FileReceiver (atomic
rename, fsnotify wake-up), HTTPReceiver (push, rate limited) and
PullRequestReceiver (pull with exponential backoff per MPC).
*/
package receiver
