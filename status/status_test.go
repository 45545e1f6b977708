package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-behavior/alerts"
	"github.com/nvr-ai/go-behavior/logger"
	"github.com/nvr-ai/go-behavior/verdict"
)

func TestExporterReadsCell(t *testing.T) {
	cell := verdict.NewCell()
	e := New("throwing", cell, nil)

	assert.Equal(t, "throwing", e.Key())
	assert.False(t, e.Alert())
	assert.True(t, e.Current().Placeholder)
	assert.Equal(t, map[string]bool{"throwing": false}, e.Flag())

	cell.Store(verdict.Verdict{Label: "THROWING_WASTE", Confidence: 0.8, Alert: true})
	assert.True(t, e.Alert())
	assert.Equal(t, "THROWING_WASTE", e.Current().Label)
	assert.Equal(t, map[string]bool{"throwing": true}, e.Flag())
}

func TestExporterSubscribe(t *testing.T) {
	hub := alerts.NewHub(1, logger.Nop())
	defer hub.Close()

	e := New("violence", verdict.NewCell(), hub)

	// Published before anyone listens: gone.
	hub.Publish(alerts.Event{Message: "early"})

	ch, cancel, err := e.Subscribe("page")
	require.NoError(t, err)
	defer cancel()

	hub.Publish(alerts.Event{Message: "Violence Detected!"})
	got := <-ch
	assert.Equal(t, "Violence Detected!", got.Message)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %q", extra.Message)
	default:
	}
}

func TestExporterWithoutHub(t *testing.T) {
	_, _, err := New("x", verdict.NewCell(), nil).Subscribe("a")
	assert.ErrorIs(t, err, alerts.ErrHubClosed)
}
