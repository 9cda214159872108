// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MSH_TEST_PARTY", "blue")
	path := filepath.Join(dir, "msh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  partyId: ${MSH_TEST_PARTY}
pmodes:
  dir: pmodes
flows:
  submit:
    enabled: true
    pmode: invoice
    settings:
      - {key: FilePath, value: /var/spool/outbox}
  send:
    enabled: true
    settings:
      - {key: PollingInterval, value: 1s}
reliability:
  duplicates:
    window: 1h
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "blue", cfg.Node.PartyID)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, filepath.Join(dir, "data/msh.db"), cfg.Storage.SQLite.Path)
	assert.Equal(t, filepath.Join(dir, "pmodes"), cfg.PModes.Dir)
	assert.Equal(t, time.Hour, cfg.Reliability.Duplicates.Window)
	assert.Equal(t, 30*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, "invoice", cfg.Flows.Submit.PMode)

	interval, ok := cfg.Flows.Send.Settings.Lookup("PollingInterval")
	require.True(t, ok)
	assert.Equal(t, "1s", interval.Value)
	table, ok := cfg.Flows.Send.Settings.Lookup("Table")
	require.True(t, ok)
	assert.Equal(t, "OutMessages", table.Value)
	update, _ := cfg.Flows.Send.Settings.Lookup("Update")
	field, _ := update.Attr("field")
	assert.Equal(t, "Operation", field)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown storage", "storage: {type: redis}", "storage.type"},
		{"mongodb without uri", "storage: {type: mongodb}", "storage.mongodb.uri"},
		{"half a credential", "security: {certificateFile: a.crt}", "must be set together"},
		{"client cert without credential", "transport: {clientCertificate: true}", "clientCertificate"},
		{"submit without pmode", "flows: {submit: {enabled: true}}", "flows.submit.pmode"},
		{"pull without pmodes", "flows: {pull: {enabled: true}}", "pmodes.dir"},
		{"bad level", "logging: {level: loud}", "logging.level"},
		{"bad format", "logging: {format: xml}", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 5*time.Second, cfg.Reliability.PollInterval)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
	assert.Equal(t, ":8081", cfg.Admin.Address)
	assert.Equal(t, int64(64<<20), cfg.Security.MaxPayloadSize)
	filter, ok := cfg.Flows.Deliver.Settings.Lookup("Filter")
	require.True(t, ok)
	assert.Equal(t, "ToBeDelivered", filter.Value)
	assert.NoError(t, cfg.validate())
}
