// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package as4

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/internal/storage/sqlite"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/receiver"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
	"github.com/sirosfoundation/go-msh/pkg/transport"
)

const (
	redEndpoint  = "https://red.test/as4"
	blueEndpoint = "https://blue.test/as4"
	pullMpc      = "urn:test:mpc:invoices"
)

// router delivers posted messages straight to the receive handler of the
// node registered for the endpoint.
type router struct {
	mu    sync.Mutex
	nodes map[string]*MSH
}

func newRouter() *router { return &router{nodes: make(map[string]*MSH)} }

func (r *router) register(endpoint string, m *MSH) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[endpoint] = m
}

func (r *router) Send(ctx context.Context, endpoint string, body []byte, contentType string) (*transport.Response, error) {
	r.mu.Lock()
	node := r.nodes[endpoint]
	r.mu.Unlock()
	if node == nil {
		return nil, fmt.Errorf("no route to %s", endpoint)
	}
	res, err := node.HandleInbound(ctx, &receiver.ReceivedMessage{ContentType: contentType, Body: body})
	if err != nil {
		return nil, err
	}
	status := 202
	if len(res.Body) > 0 {
		status = 200
	}
	return &transport.Response{StatusCode: status, ContentType: res.ContentType, Body: res.Body}, nil
}

func newNode(t *testing.T, party string, tr *router, tweak func(*config.Config), pmodes ...*pmode.ProcessingMode) *MSH {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Node.PartyID = party
	cfg.Node.Host = party + ".test"
	cfg.Reliability.Duplicates.Path = filepath.Join(dir, "duplicates")
	cfg.Flows.Deliver.Directory = filepath.Join(dir, "inbox")
	cfg.Flows.Notify.Directory = filepath.Join(dir, "exceptions")
	if tweak != nil {
		tweak(cfg)
	}

	store, err := sqlite.Open(ctx, &sqlite.Config{Path: filepath.Join(dir, "msh.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(ctx) })

	m, err := New(cfg, store, WithTransport(tr))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	for _, pm := range pmodes {
		require.NoError(t, m.PModes().AddPMode(pm))
	}
	return m
}

func pushPMode() *pmode.ProcessingMode {
	return &pmode.ProcessingMode{
		ID:           "blue-to-red",
		Initiator:    &pmode.Party{ID: "blue"},
		Responder:    &pmode.Party{ID: "red"},
		BusinessInfo: pmode.BusinessInfo{Service: "urn:test:invoicing", Action: "Deliver"},
		Protocol:     &pmode.Protocol{Address: redEndpoint},
		ReceptionAwareness: &pmode.ReceptionAwareness{
			Enabled:            true,
			Retry:              &pmode.RetryConfig{Enabled: true, MaxRetries: 2, RetryInterval: time.Minute},
			DuplicateDetection: &pmode.DuplicateDetectionConfig{Enabled: true},
		},
	}
}

func pullPModeFor(address string) *pmode.ProcessingMode {
	pm := pushPMode()
	pm.ID = "red-pulls-blue"
	pm.MEPBinding = pmode.BindingPull
	pm.BusinessInfo.MPC = pullMpc
	pm.Protocol = nil
	if address != "" {
		pm.Protocol = &pmode.Protocol{Address: address}
	}
	return pm
}

type pair struct {
	router    *router
	blue, red *MSH
}

func newPushPair(t *testing.T) *pair {
	r := newRouter()
	p := &pair{
		router: r,
		blue:   newNode(t, "blue", r, nil, pushPMode()),
		red:    newNode(t, "red", r, nil, pushPMode()),
	}
	r.register(redEndpoint, p.red)
	r.register(blueEndpoint, p.blue)
	return p
}

func invoice() *Submission {
	return &Submission{
		PModeID:        "blue-to-red",
		ConversationID: "conv-1",
		Properties:     map[string]string{"originalSender": "urn:blue"},
		Payloads: []Payload{{
			ContentType: "application/xml",
			Data:        []byte("<Invoice>42</Invoice>"),
			Properties:  map[string]string{PropertyOriginalFilename: "invoice.xml"},
		}},
	}
}

// send claims row the way the send flow does and transfers it.
func send(t *testing.T, m *MSH, row *storage.MessageRow) {
	t.Helper()
	ctx := context.Background()
	rows, err := m.store.ClaimMessages(ctx, storage.ClaimRequest{
		Table: storage.TableOutMessages,
		From:  storage.OperationToBeSent,
		To:    storage.OperationSending,
		Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, row.ID, rows[0].ID)
	res, err := m.HandleSend(ctx, &receiver.ReceivedMessage{ID: row.ID})
	require.NoError(t, err)
	assert.Equal(t, receiver.Ack(), res)
}

func serialize(t *testing.T, m *MSH, msg *message.Message) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, m.serializer.Serialize(context.Background(), &buf, msg))
	return buf.Bytes(), msg.ContentType
}

func replyErrorCode(t *testing.T, m *MSH, res receiver.Result) string {
	t.Helper()
	require.NotEmpty(t, res.Body)
	reply, err := m.serializer.Deserialize(context.Background(), bytes.NewReader(res.Body), res.ContentType)
	require.NoError(t, err)
	require.Len(t, reply.Errors(), 1)
	require.NotEmpty(t, reply.Errors()[0].Lines)
	return reply.Errors()[0].Lines[0].Code
}

func TestNew_RequiresConfigAndStore(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestSubmit_QueuesAndSchedules(t *testing.T) {
	ctx := context.Background()
	p := newPushPair(t)

	row, err := p.blue.Submit(ctx, invoice())
	require.NoError(t, err)
	assert.Equal(t, storage.OperationToBeSent, row.Operation)
	assert.Equal(t, "blue-to-red", row.PModeID)
	assert.Equal(t, message.DefaultMpc, row.Mpc)

	stored, err := p.blue.store.FindMessage(ctx, storage.TableOutMessages, row.EbmsMessageID)
	require.NoError(t, err)
	assert.Equal(t, row.ID, stored.ID)

	rec, err := p.blue.machine.ForMessage(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, reliability.StatusPending, rec.Status)
	assert.Equal(t, reliability.KindOutbound, rec.Kind)
	assert.Equal(t, 2, rec.MaxRetry)

	msg, err := p.blue.serializer.Deserialize(ctx, bytes.NewReader(stored.Body), stored.ContentType)
	require.NoError(t, err)
	um, ok := msg.PrimaryUserMessage().Get()
	require.True(t, ok)
	assert.Equal(t, "blue", um.Sender.PrimaryID())
	assert.Equal(t, "red", um.Receiver.PrimaryID())
	assert.Equal(t, "conv-1", um.CollaborationInfo.ConversationID)
	assert.Equal(t, "urn:blue", um.Property("originalSender").GetOrElse(""))
	require.Len(t, msg.Attachments(), 1)
	assert.Equal(t, []byte("<Invoice>42</Invoice>"), msg.Attachments()[0].Content)
}

func TestSubmit_UnknownPMode(t *testing.T) {
	p := newPushPair(t)
	_, err := p.blue.Submit(context.Background(), &Submission{PModeID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownPMode)
}

func TestHandleSubmission_UsesFlowPMode(t *testing.T) {
	ctx := context.Background()
	r := newRouter()
	blue := newNode(t, "blue", r, func(c *config.Config) { c.Flows.Submit.PMode = "blue-to-red" }, pushPMode())

	res, err := blue.HandleSubmission(ctx, &receiver.ReceivedMessage{
		ID:          "/outbox/order.xml",
		ContentType: "application/xml",
		Body:        []byte("<Order/>"),
		Metadata:    map[string]string{"filename": "order.xml"},
	})
	require.NoError(t, err)
	assert.Equal(t, receiver.Ack(), res)

	rows, err := blue.store.ClaimMessages(ctx, storage.ClaimRequest{
		Table: storage.TableOutMessages, From: storage.OperationToBeSent, To: storage.OperationSending, Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	msg, err := blue.serializer.Deserialize(ctx, bytes.NewReader(rows[0].Body), rows[0].ContentType)
	require.NoError(t, err)
	um, _ := msg.PrimaryUserMessage().Get()
	meta := message.ExtractPayloadMetadata(um)
	require.Len(t, meta, 1)
	for _, md := range meta {
		assert.Equal(t, "order.xml", md.Properties[PropertyOriginalFilename])
	}
}

func TestPush_ReceiptCompletesRecord(t *testing.T) {
	ctx := context.Background()
	p := newPushPair(t)

	row, err := p.blue.Submit(ctx, invoice())
	require.NoError(t, err)
	send(t, p.blue, row)

	rec, err := p.blue.machine.ForMessage(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, reliability.StatusCompleted, rec.Status)

	in, err := p.red.store.FindMessage(ctx, storage.TableInMessages, row.EbmsMessageID)
	require.NoError(t, err)
	assert.Equal(t, storage.OperationToBeDelivered, in.Operation)
	assert.Equal(t, "blue-to-red", in.PModeID)
}

func TestDelivery_WritesPayloadsAndManifest(t *testing.T) {
	ctx := context.Background()
	p := newPushPair(t)

	row, err := p.blue.Submit(ctx, invoice())
	require.NoError(t, err)
	send(t, p.blue, row)

	rows, err := p.red.store.ClaimMessages(ctx, storage.ClaimRequest{
		Table: storage.TableInMessages, From: storage.OperationToBeDelivered, To: storage.OperationDelivering, Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	res, err := p.red.HandleDelivery(ctx, &receiver.ReceivedMessage{ID: rows[0].ID})
	require.NoError(t, err)
	assert.Equal(t, receiver.Ack(), res)

	delivered, err := p.red.store.GetMessage(ctx, storage.TableInMessages, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.OperationDelivered, delivered.Operation)

	dir := filepath.Join(p.red.cfg.Flows.Deliver.Directory, safeName(row.EbmsMessageID))
	data, err := os.ReadFile(filepath.Join(dir, "invoice.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<Invoice>42</Invoice>", string(data))

	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	require.NoError(t, err)
	var manifest DeliveryManifest
	require.NoError(t, yaml.Unmarshal(raw, &manifest))
	assert.Equal(t, row.EbmsMessageID, manifest.MessageID)
	assert.Equal(t, "blue", manifest.From)
	assert.Equal(t, "red", manifest.To)
	assert.Equal(t, "Deliver", manifest.Action)
	assert.Equal(t, "urn:blue", manifest.Properties["originalSender"])
	require.Len(t, manifest.Payloads, 1)
	assert.Equal(t, "invoice.xml", manifest.Payloads[0].File)
	assert.Equal(t, "application/xml", manifest.Payloads[0].ContentType)

	// no staging directory is left behind
	entries, err := os.ReadDir(p.red.cfg.Flows.Deliver.Directory)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDelivery_FailureKeepsRowClaimed(t *testing.T) {
	ctx := context.Background()
	p := newPushPair(t)
	row, err := p.blue.Submit(ctx, invoice())
	require.NoError(t, err)
	send(t, p.blue, row)

	// a regular file where the inbox should be
	blocked := filepath.Join(t.TempDir(), "inbox")
	require.NoError(t, os.WriteFile(blocked, nil, 0o600))
	p.red.cfg.Flows.Deliver.Directory = blocked

	rows, err := p.red.store.ClaimMessages(ctx, storage.ClaimRequest{
		Table: storage.TableInMessages, From: storage.OperationToBeDelivered, To: storage.OperationDelivering, Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = p.red.HandleDelivery(ctx, &receiver.ReceivedMessage{ID: rows[0].ID})
	require.Error(t, err)

	got, err := p.red.store.GetMessage(ctx, storage.TableInMessages, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.OperationDelivering, got.Operation)
}

func TestInbound_DuplicateIsStoredOnceButAcknowledged(t *testing.T) {
	ctx := context.Background()
	p := newPushPair(t)

	row, err := p.blue.Submit(ctx, invoice())
	require.NoError(t, err)
	stored, err := p.blue.store.GetMessage(ctx, storage.TableOutMessages, row.ID)
	require.NoError(t, err)

	for range 2 {
		res, err := p.red.HandleInbound(ctx, &receiver.ReceivedMessage{ContentType: stored.ContentType, Body: stored.Body})
		require.NoError(t, err)
		reply, err := p.red.serializer.Deserialize(ctx, bytes.NewReader(res.Body), res.ContentType)
		require.NoError(t, err)
		require.Len(t, reply.Receipts(), 1)
		assert.Equal(t, row.EbmsMessageID, reply.Receipts()[0].RefToMessageID().GetOrElse(""))
	}

	rows, err := p.red.store.ClaimMessages(ctx, storage.ClaimRequest{
		Table: storage.TableInMessages, From: storage.OperationToBeDelivered, To: storage.OperationDelivering, Limit: 5,
	})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestInbound_ConcurrentDuplicatesAreStoredOnce(t *testing.T) {
	ctx := context.Background()
	p := newPushPair(t)

	row, err := p.blue.Submit(ctx, invoice())
	require.NoError(t, err)
	stored, err := p.blue.store.GetMessage(ctx, storage.TableOutMessages, row.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]receiver.Result, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = p.red.HandleInbound(ctx, &receiver.ReceivedMessage{ContentType: stored.ContentType, Body: stored.Body})
		}()
	}
	wg.Wait()

	for i, res := range results {
		require.NoError(t, errs[i])
		reply, err := p.red.serializer.Deserialize(ctx, bytes.NewReader(res.Body), res.ContentType)
		require.NoError(t, err)
		require.Len(t, reply.Receipts(), 1)
	}

	rows, err := p.red.store.ClaimMessages(ctx, storage.ClaimRequest{
		Table: storage.TableInMessages, From: storage.OperationToBeDelivered, To: storage.OperationDelivering, Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestInbound_FailedStoreIsNotADuplicate(t *testing.T) {
	ctx := context.Background()
	p := newPushPair(t)

	row, err := p.blue.Submit(ctx, invoice())
	require.NoError(t, err)
	stored, err := p.blue.store.GetMessage(ctx, storage.TableOutMessages, row.ID)
	require.NoError(t, err)
	in := &receiver.ReceivedMessage{ContentType: stored.ContentType, Body: stored.Body}

	healthy := p.red.store
	p.red.store = failingInserts{healthy}
	_, err = p.red.HandleInbound(ctx, in)
	require.Error(t, err)

	p.red.store = healthy
	_, err = p.red.HandleInbound(ctx, in)
	require.NoError(t, err)
	_, err = p.red.store.FindMessage(ctx, storage.TableInMessages, row.EbmsMessageID)
	assert.NoError(t, err)
}

// failingInserts refuses to store inbound messages.
type failingInserts struct{ storage.Store }

func (failingInserts) InsertInMessage(context.Context, *storage.MessageRow) error {
	return errors.New("disk full")
}

func TestInbound_UnknownPModeIsRefused(t *testing.T) {
	ctx := context.Background()
	p := newPushPair(t)

	msg, err := message.NewUserMessage(
		message.WithMessageID(message.NewMessageID("blue.test")),
		message.WithFrom("blue", ""),
		message.WithTo("red", ""),
		message.WithService("urn:test:unknown"),
		message.WithAction("Deliver"),
	).Build()
	require.NoError(t, err)
	body, ct := serialize(t, p.blue, msg)

	res, err := p.red.HandleInbound(ctx, &receiver.ReceivedMessage{ContentType: ct, Body: body})
	require.NoError(t, err)
	assert.Equal(t, reliability.ErrorProcessingModeMismatch.Code, replyErrorCode(t, p.red, res))

	excs, err := p.red.store.ListExceptions(ctx, storage.TableInExceptions, 10)
	require.NoError(t, err)
	require.Len(t, excs, 1)
	assert.Equal(t, msg.PrimaryMessageID(), excs[0].EbmsRefToMessageID)
	assert.Equal(t, storage.OperationToBeNotified, excs[0].Operation)
	assert.Contains(t, excs[0].Exception, "EBMS:0010")

	rec, err := p.red.machine.ForMessage(ctx, excs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, reliability.KindInboundException, rec.Kind)
	assert.Equal(t, notifyPolicy.MaxRetries, rec.MaxRetry)
}

func TestInbound_MultihopSignalsCarryRoutingInput(t *testing.T) {
	ctx := context.Background()
	p := newPushPair(t)

	build := func(service string, multihop bool) *message.Message {
		opts := []message.Option{
			message.WithMessageID(message.NewMessageID("blue.test")),
			message.WithFrom("blue", ""),
			message.WithTo("red", ""),
			message.WithService(service),
			message.WithAction("Deliver"),
		}
		if multihop {
			opts = append(opts, message.WithMultihop())
		}
		msg, err := message.NewUserMessage(opts...).Build()
		require.NoError(t, err)
		return msg
	}
	exchange := func(msg *message.Message) *message.Message {
		body, ct := serialize(t, p.blue, msg)
		res, err := p.red.HandleInbound(ctx, &receiver.ReceivedMessage{ContentType: ct, Body: body})
		require.NoError(t, err)
		require.NotEmpty(t, res.Body)
		reply, err := p.red.serializer.Deserialize(ctx, bytes.NewReader(res.Body), res.ContentType)
		require.NoError(t, err)
		return reply
	}

	t.Run("receipt", func(t *testing.T) {
		msg := build("urn:test:invoicing", true)
		reply := exchange(msg)
		assert.True(t, reply.Multihop)
		require.Len(t, reply.Receipts(), 1)
		ri, ok := reply.Receipts()[0].RoutingInput.Get()
		require.True(t, ok)
		assert.Equal(t, msg.PrimaryMessageID(), ri.ID())
		assert.Equal(t, "red", ri.Sender.PrimaryID())
		assert.Equal(t, "blue", ri.Receiver.PrimaryID())
		assert.Equal(t, "Deliver.receipt", ri.CollaborationInfo.Action)
	})

	t.Run("error", func(t *testing.T) {
		msg := build("urn:test:unknown", true)
		reply := exchange(msg)
		assert.True(t, reply.Multihop)
		require.Len(t, reply.Errors(), 1)
		ri, ok := reply.Errors()[0].RoutingInput.Get()
		require.True(t, ok)
		assert.Equal(t, msg.PrimaryMessageID(), ri.ID())
		assert.Equal(t, "Deliver.error", ri.CollaborationInfo.Action)
	})

	t.Run("single hop", func(t *testing.T) {
		reply := exchange(build("urn:test:invoicing", false))
		assert.False(t, reply.Multihop)
		require.Len(t, reply.Receipts(), 1)
		assert.False(t, reply.Receipts()[0].RoutingInput.IsPresent())
	})
}

func TestInbound_GarbageIsRefused(t *testing.T) {
	p := newPushPair(t)
	res, err := p.red.HandleInbound(context.Background(), &receiver.ReceivedMessage{
		ContentType: "application/soap+xml",
		Body:        []byte("not an envelope"),
	})
	require.NoError(t, err)
	assert.Equal(t, reliability.ErrorValueNotRecognized.Code, replyErrorCode(t, p.red, res))
}

func TestInbound_UnsignedRefusedWhenSignatureRequired(t *testing.T) {
	ctx := context.Background()
	r := newRouter()
	blue := newNode(t, "blue", r, nil, pushPMode())
	red := newNode(t, "red", r, func(c *config.Config) { c.Security.RequireSignature = true }, pushPMode())

	row, err := blue.Submit(ctx, invoice())
	require.NoError(t, err)
	stored, err := blue.store.GetMessage(ctx, storage.TableOutMessages, row.ID)
	require.NoError(t, err)

	res, err := red.HandleInbound(ctx, &receiver.ReceivedMessage{ContentType: stored.ContentType, Body: stored.Body})
	require.NoError(t, err)
	assert.Equal(t, reliability.ErrorFailedAuthentication.Code, replyErrorCode(t, red, res))

	_, err = red.store.FindMessage(ctx, storage.TableInMessages, row.EbmsMessageID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPush_ErrorSignalEndsRecord(t *testing.T) {
	ctx := context.Background()
	r := newRouter()
	blue := newNode(t, "blue", r, nil, pushPMode())
	red := newNode(t, "red", r, nil) // knows no pmode
	r.register(redEndpoint, red)

	row, err := blue.Submit(ctx, invoice())
	require.NoError(t, err)
	send(t, blue, row)

	rec, err := blue.machine.ForMessage(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, reliability.StatusCompleted, rec.Status)

	excs, err := blue.store.ListExceptions(ctx, storage.TableOutExceptions, 10)
	require.NoError(t, err)
	require.Len(t, excs, 1)
	assert.Contains(t, excs[0].Exception, "EBMS:0010")
}

func TestPull_RoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRouter()
	blue := newNode(t, "blue", r, nil, pullPModeFor(""))
	red := newNode(t, "red", r, nil, pullPModeFor(blueEndpoint))
	r.register(blueEndpoint, blue)

	row, err := blue.Submit(ctx, &Submission{
		PModeID:  "red-pulls-blue",
		Payloads: []Payload{{ContentType: "text/plain", Data: []byte("pulled")}},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.OperationToBePulled, row.Operation)
	assert.Equal(t, pullMpc, row.Mpc)

	pulled, err := red.Pull(ctx, pullMpc)
	require.NoError(t, err)
	require.NotNil(t, pulled)
	assert.Equal(t, row.EbmsMessageID, pulled.MessageID)
	assert.Equal(t, pullMpc, pulled.Origin)

	res, err := red.HandlePulled(ctx, pulled)
	require.NoError(t, err)
	assert.Equal(t, receiver.Ack(), res)

	in, err := red.store.FindMessage(ctx, storage.TableInMessages, row.EbmsMessageID)
	require.NoError(t, err)
	assert.Equal(t, storage.OperationToBeDelivered, in.Operation)

	// the receipt was pushed back and completed the record of blue
	rec, err := blue.machine.ForMessage(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, reliability.StatusCompleted, rec.Status)
	out, err := blue.store.GetMessage(ctx, storage.TableOutMessages, row.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.OperationSent, out.Operation)

	empty, err := red.Pull(ctx, pullMpc)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestPull_UnservedMpcIsRefused(t *testing.T) {
	ctx := context.Background()
	r := newRouter()
	blue := newNode(t, "blue", r, nil, pushPMode())
	red := newNode(t, "red", r, nil, pullPModeFor(blueEndpoint))
	r.register(blueEndpoint, blue)

	_, err := red.Pull(ctx, pullMpc)
	assert.ErrorIs(t, err, ErrPullRefused)

	_, err = red.Pull(ctx, "urn:test:mpc:other")
	assert.ErrorIs(t, err, ErrUnknownPMode)
}

func TestResolvePMode_AgreementWins(t *testing.T) {
	r := newRouter()
	byAgreement := pushPMode()
	byAgreement.ID = "by-agreement"
	byAgreement.BusinessInfo.Action = "Other"
	m := newNode(t, "red", r, nil, pushPMode(), byAgreement)

	msg, err := message.NewUserMessage(
		message.WithMessageID(message.NewMessageID("blue.test")),
		message.WithFrom("blue", ""),
		message.WithTo("red", ""),
		message.WithService("urn:test:invoicing"),
		message.WithAction("Deliver"),
		message.WithAgreementRef("urn:agreement", "by-agreement"),
	).Build()
	require.NoError(t, err)
	um, _ := msg.PrimaryUserMessage().Get()
	assert.Equal(t, "by-agreement", m.resolvePMode(um).ID)

	um.CollaborationInfo.AgreementRef = message.Nothing[message.AgreementReference]()
	assert.Equal(t, "blue-to-red", m.resolvePMode(um).ID)

	um.Sender.PartyIDs[0].Value = "green"
	assert.Nil(t, m.resolvePMode(um))
}

func TestReloadPModes(t *testing.T) {
	r := newRouter()
	m := newNode(t, "red", r, nil, pushPMode())
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pull.yaml"), []byte(`
id: fresh
mepBinding: http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pull
businessInfo:
  service: urn:test:invoicing
  action: Deliver
  mpc: urn:test:mpc:fresh
`), 0o600))

	require.NoError(t, m.ReloadPModes(dir))
	assert.Equal(t, []string{"fresh"}, m.PModes().IDs())
	assert.NotNil(t, m.pullPMode("urn:test:mpc:fresh"))
}

func TestRun_NoFlows(t *testing.T) {
	m := newNode(t, "red", newRouter(), nil)
	assert.ErrorIs(t, m.Run(context.Background()), ErrNoFlows)
}

func TestRun_StopsOnStop(t *testing.T) {
	m := newNode(t, "red", newRouter(), func(c *config.Config) {
		c.Flows.Deliver.Enabled = true
	})
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.cancel != nil
	}, 5*time.Second, 10*time.Millisecond)
	m.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "abc@host.test", safeName("abc@host.test"))
	assert.Equal(t, "passwd", safeName("../../etc/passwd"))
	assert.Equal(t, "a_b", safeName("a b"))
	assert.Equal(t, "", safeName(""))
	assert.Equal(t, "", safeName(".."))
}

func TestPayloadFile(t *testing.T) {
	used := map[string]bool{manifestFile: true}
	assert.Equal(t, "doc.pdf", payloadFile(0, DeliveredPart{ContentID: "x", Properties: map[string]string{PropertyOriginalFilename: "doc.pdf"}}, used))
	used["doc.pdf"] = true
	assert.Equal(t, "payload-2.pdf", payloadFile(1, DeliveredPart{ContentID: "y", Properties: map[string]string{PropertyOriginalFilename: "doc.pdf"}}, used))
	assert.True(t, strings.HasPrefix(payloadFile(2, DeliveredPart{ContentID: "part-1@blue.test", ContentType: "text/plain"}, used), "part-1@blue.test"))
}
