// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package receiver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_Lookup(t *testing.T) {
	ss := Settings{
		{Key: "Table", Value: "OutMessages"},
		{Key: "filter", Value: "ToBeSent", Attributes: map[string]string{"Field": "Operation"}},
		{Key: "Mpc", Value: "a"},
		{Key: "MPC", Value: "b"},
	}

	s, ok := ss.Lookup("table")
	require.True(t, ok)
	assert.Equal(t, "OutMessages", s.Value)

	f, err := ss.Required("Filter")
	require.NoError(t, err)
	field, ok := f.Attr("field")
	assert.True(t, ok)
	assert.Equal(t, "Operation", field)

	assert.Len(t, ss.All("mpc"), 2)
	assert.Equal(t, "fallback", ss.String("Missing", "fallback"))

	_, err = ss.Required("Update")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSettings_Coercion(t *testing.T) {
	ss := Settings{
		{Key: "BatchSize", Value: " 10 "},
		{Key: "Bad", Value: "ten"},
		{Key: "Rate", Value: "2.5"},
		{Key: "Go", Value: "1500ms"},
		{Key: "Span", Value: "00:01:30"},
		{Key: "Bare", Value: "5"},
	}

	n, err := ss.Int("BatchSize", 1)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = ss.Int("Absent", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = ss.Int("Bad", 1)
	assert.ErrorIs(t, err, ErrConfiguration)

	f, err := ss.Float("Rate", 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, f, 1e-9)

	tests := []struct {
		key     string
		want    time.Duration
		wantErr bool
	}{
		{"Go", 1500 * time.Millisecond, false},
		{"Span", 90 * time.Second, false},
		{"Bare", 0, true},
		{"Bad", 0, true},
		{"Absent", 3 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			d, err := ss.Duration(tt.key, 3*time.Second)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}
