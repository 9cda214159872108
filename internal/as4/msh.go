// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package as4 assembles the Message Service Handler of a node.
//
// An MSH is a set of flows, each a receiver from package receiver feeding a
// handler of this package:
//
//   - submit: payload files picked up by a FileReceiver become user
//     messages queued in OutMessages (ToBeSent, or ToBePulled for pull bound
//     P-Modes)
//   - send: a DatastoreReceiver claims ToBeSent rows and the sender
//     transfers them
//   - receive: an HTTPReceiver accepts pushed messages, answers receipts,
//     error signals and pull requests
//   - deliver: a DatastoreReceiver claims ToBeDelivered rows and writes
//     their payloads for the business application
//   - pull: a PullRequestReceiver pulls messages from partners per MPC
//
// Next to the flows the sender runs the reception awareness loop and the
// duplicate elimination log is purged periodically.
//
// # Message Flow (Inbound)
//
//  1. The wire message is parsed and its P-Mode resolved
//  2. It is decrypted, verified and decompressed
//  3. Duplicates are dropped, new user messages are stored for delivery
//  4. A receipt is returned, with non-repudiation information when the
//     P-Mode asks for it
//
// A message that fails any step is answered with an ebMS error signal and
// recorded as an InExceptions row whose notification is retried like an
// outbound message.
package as4

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/internal/keystore"
	"github.com/sirosfoundation/go-msh/internal/metrics"
	"github.com/sirosfoundation/go-msh/internal/sender"
	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/internal/storage/mongodb"
	"github.com/sirosfoundation/go-msh/internal/storage/sqlite"
	"github.com/sirosfoundation/go-msh/pkg/compression"
	"github.com/sirosfoundation/go-msh/pkg/mime"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/receiver"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
	"github.com/sirosfoundation/go-msh/pkg/security"
	"github.com/sirosfoundation/go-msh/pkg/transport"
)

// ErrNoFlows is returned by Run when no flow is enabled
var ErrNoFlows = errors.New("no flow is enabled")

// MSH is one Message Service Handler node.
type MSH struct {
	cfg    *config.Config
	logger *slog.Logger

	store       storage.Store
	pmodes      *pmode.PModeManager
	keys        *keystore.Store
	policies    *Policies
	serializer  *mime.Serializer
	coordinator *security.Coordinator
	machine     *reliability.StateMachine
	duplicates  *reliability.DuplicateDetector
	accepting   singleflight.Group
	client      sender.Transport
	sender      *sender.Sender
	metrics     *metrics.Metrics
	now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Option configures an MSH
type Option func(*MSH)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *MSH) { m.logger = logger }
}

// WithMetrics sets the collectors; by default a private set is created
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *MSH) { m.metrics = mt }
}

// WithTransport replaces the HTTPS client used for sending and pulling
func WithTransport(t sender.Transport) Option {
	return func(m *MSH) { m.client = t }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *MSH) { m.now = now }
}

// OpenStore opens the storage backend selected by cfg.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "mongodb":
		return mongodb.NewStore(ctx, &mongodb.Config{
			URI:             cfg.Storage.MongoDB.URI,
			Database:        cfg.Storage.MongoDB.Database,
			BodyBucket:      cfg.Storage.MongoDB.GridFS.BucketName,
			ChunkSizeBytes:  int32(cfg.Storage.MongoDB.GridFS.ChunkSizeBytes),
			InlineBodyLimit: cfg.Storage.MongoDB.InlineBodyLimit,
		}, logger)
	case "sqlite", "":
		return sqlite.Open(ctx, &sqlite.Config{
			Path:        cfg.Storage.SQLite.Path,
			BusyTimeout: cfg.Storage.SQLite.BusyTimeout,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown storage type %q", storage.ErrInvalidArgument, cfg.Storage.Type)
	}
}

// New wires an MSH over store. The store stays owned by the caller.
func New(cfg *config.Config, store storage.Store, opts ...Option) (*MSH, error) {
	if cfg == nil || store == nil {
		return nil, fmt.Errorf("%w: msh needs a configuration and a store", storage.ErrInvalidArgument)
	}
	m := &MSH{cfg: cfg, store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}

	m.pmodes = pmode.NewPModeManager()
	if cfg.PModes.Dir != "" {
		n, err := m.pmodes.LoadDir(cfg.PModes.Dir)
		if err != nil {
			return nil, err
		}
		m.logger.Info("pmodes loaded", "dir", cfg.PModes.Dir, "count", n)
	}

	keys, err := keystore.Open(keystore.Config{
		CertificateFile: cfg.Security.CertificateFile,
		PrivateKeyFile:  cfg.Security.PrivateKeyFile,
		TrustRootsFile:  cfg.Security.TrustRootsFile,
		BaseDir:         cfg.PModes.Dir,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keystore: %w", err)
	}
	m.keys = keys
	m.policies = NewPolicies(keys,
		compression.NewCompressor(compression.WithMaxDecompressedSize(cfg.Security.MaxPayloadSize)),
		cfg.Security.RequireSignature)

	serializerOpts := []mime.Option{mime.WithIDHost(cfg.Node.Host), mime.WithLogger(m.logger)}
	if cfg.Node.MultihopRole != "" {
		serializerOpts = append(serializerOpts, mime.WithMultihopRole(cfg.Node.MultihopRole))
	}
	m.serializer = mime.NewSerializer(serializerOpts...)
	m.coordinator, err = security.NewCoordinator(
		security.NewXMLDSigProvider(security.WithProviderLogger(m.logger)),
		m.serializer,
		security.WithLogger(m.logger),
	)
	if err != nil {
		return nil, err
	}

	m.machine, err = reliability.NewStateMachine(store, store,
		reliability.WithLogger(m.logger),
		reliability.WithClock(m.now),
		reliability.WithObserver(m.metrics.TransitionObserver()),
	)
	if err != nil {
		return nil, err
	}

	m.duplicates, err = reliability.OpenDuplicateDetector(
		cfg.Reliability.Duplicates.Path,
		cfg.Reliability.Duplicates.Window,
		&reliability.DuplicateOptions{Logger: m.logger, Now: m.now},
	)
	if err != nil {
		return nil, err
	}

	if m.client == nil {
		m.client = transport.NewHTTPSClient(m.httpsConfig(), m.logger)
	}

	m.sender, err = sender.New(store, m.pmodes, m.machine, m.client, m.serializer,
		&sender.Config{PollInterval: cfg.Reliability.PollInterval, BatchSize: cfg.Reliability.BatchSize},
		sender.WithLogger(m.logger),
		sender.WithClock(m.now),
		sender.WithNotifier(m.notifier()),
		sender.WithVerifier(m.openReply),
		sender.WithObserver(m.metrics),
	)
	if err != nil {
		m.duplicates.Close()
		return nil, err
	}
	return m, nil
}

func (m *MSH) httpsConfig() *transport.HTTPSConfig {
	hc := transport.DefaultHTTPSConfig()
	hc.Timeout = m.cfg.Transport.Timeout
	hc.IdleConnTimeout = m.cfg.Transport.IdleConnTimeout
	hc.RootCAs = m.keys.Roots()
	if cred := m.keys.Credential(); m.cfg.Transport.ClientCertificate && cred != nil {
		hc.Certificates = []tls.Certificate{{
			Certificate: [][]byte{cred.Certificate.Raw},
			PrivateKey:  cred.PrivateKey,
			Leaf:        cred.Certificate,
		}}
	}
	return hc
}

func (m *MSH) notifier() sender.Notifier {
	n := m.cfg.Flows.Notify
	if n.URL != "" {
		return sender.NewHTTPNotifier(m.client, n.URL)
	}
	dir := n.Directory
	if dir == "" {
		dir = filepath.Join(filepath.Dir(m.cfg.Flows.Deliver.Directory), "exceptions")
	}
	return sender.NewDirNotifier(dir)
}

// PModes returns the P-Mode registry.
func (m *MSH) PModes() *pmode.PModeManager { return m.pmodes }

// Store returns the store the MSH runs on.
func (m *MSH) Store() storage.Store { return m.store }

// Metrics returns the collectors.
func (m *MSH) Metrics() *metrics.Metrics { return m.metrics }

// ReloadPModes replaces the P-Mode registry content with the files of dir.
// P-Modes that disappeared from dir are removed.
func (m *MSH) ReloadPModes(dir string) error {
	fresh := pmode.NewPModeManager()
	n, err := fresh.LoadDir(dir)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, n)
	for _, id := range fresh.IDs() {
		keep[id] = true
		if err := m.pmodes.AddPMode(fresh.GetPMode(id)); err != nil {
			return err
		}
	}
	for _, id := range m.pmodes.IDs() {
		if !keep[id] {
			m.pmodes.RemovePMode(id)
		}
	}
	m.logger.Info("pmodes reloaded", "dir", dir, "count", n)
	return nil
}

type flow struct {
	name     string
	receiver receiver.Receiver
	settings receiver.Settings
	handler  receiver.MessageHandler
}

func (m *MSH) flows() []flow {
	f := m.cfg.Flows
	var flows []flow
	add := func(name string, enabled bool, settings receiver.Settings, build func(...receiver.Option) receiver.Receiver, handler receiver.MessageHandler) {
		if !enabled {
			return
		}
		r := build(
			receiver.WithLogger(m.logger.With("flow", name)),
			receiver.WithStateObserver(m.metrics.StateObserver(name)),
		)
		flows = append(flows, flow{name: name, receiver: r, settings: settings, handler: handler})
	}
	rows := storage.RowSource(m.store)

	add("submit", f.Submit.Enabled, f.Submit.Settings, func(o ...receiver.Option) receiver.Receiver {
		return receiver.NewFileReceiver(o...)
	}, m.HandleSubmission)
	add("send", f.Send.Enabled, f.Send.Settings, func(o ...receiver.Option) receiver.Receiver {
		return receiver.NewDatastoreReceiver(rows, o...)
	}, m.HandleSend)
	add("receive", f.Receive.Enabled, f.Receive.Settings, func(o ...receiver.Option) receiver.Receiver {
		return receiver.NewHTTPReceiver(o...)
	}, m.HandleInbound)
	add("deliver", f.Deliver.Enabled, f.Deliver.Settings, func(o ...receiver.Option) receiver.Receiver {
		return receiver.NewDatastoreReceiver(rows, o...)
	}, m.HandleDelivery)
	add("pull", f.Pull.Enabled, f.Pull.Settings, func(o ...receiver.Option) receiver.Receiver {
		return receiver.NewPullRequestReceiver(m, o...)
	}, m.HandlePulled)
	return flows
}

// Run configures every enabled flow and runs them together with the
// reception awareness loop until ctx is cancelled, Stop is called or a flow
// fails.
func (m *MSH) Run(ctx context.Context) error {
	flows := m.flows()
	if len(flows) == 0 {
		return ErrNoFlows
	}
	for _, f := range flows {
		if err := f.receiver.Configure(f.settings); err != nil {
			return fmt.Errorf("flow %s: %w", f.name, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range flows {
		g.Go(func() error {
			if err := f.receiver.StartReceiving(gctx, f.handler); err != nil {
				return fmt.Errorf("flow %s: %w", f.name, err)
			}
			return nil
		})
	}
	g.Go(func() error { return m.sender.Run(gctx) })
	g.Go(func() error {
		m.purgeDuplicates(gctx)
		return nil
	})
	m.logger.Info("msh started", "flows", len(flows), "pmodes", len(m.pmodes.IDs()))
	err := g.Wait()
	m.logger.Info("msh stopped")
	return err
}

// Stop ends a Run; in-flight items are finished first.
func (m *MSH) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *MSH) purgeDuplicates(ctx context.Context) {
	if m.cfg.Reliability.Duplicates.PurgeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.Reliability.Duplicates.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.duplicates.Purge()
			if err != nil {
				m.logger.Warn("duplicate log purge failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Debug("duplicate log purged", "entries", n)
			}
		}
	}
}

// Close releases the duplicate elimination log.
func (m *MSH) Close() error {
	return m.duplicates.Close()
}
