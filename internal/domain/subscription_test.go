package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionRunnable(t *testing.T) {
	sub := Subscription{ID: "sub-1", Active: true, ParserURL: "http://analyzer.local/boe"}
	require.NoError(t, sub.Runnable())

	noParser := sub
	noParser.ParserURL = ""
	assert.ErrorIs(t, noParser.Runnable(), ErrNoParserURL)

	inactive := noParser
	inactive.Active = false
	assert.ErrorIs(t, inactive.Runnable(), ErrSubscriptionInactive, "inactive wins over a missing parser")
}

func TestCadencesFallback(t *testing.T) {
	assert.Equal(t, time.Hour, DefaultCadences().For(FrequencyHourly))
	assert.Equal(t, 24*time.Hour, DefaultCadences().For("monthly"))
	assert.Equal(t, 12*time.Hour, Cadences{FrequencyDaily: 12 * time.Hour}.For(FrequencyWeekly))
	assert.Equal(t, 24*time.Hour, Cadences{}.For(FrequencyWeekly))
}
