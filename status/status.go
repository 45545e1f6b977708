// Package status - Read model over a detector's verdict cell and alert hub.
package status

import (
	"github.com/nvr-ai/go-behavior/alerts"
	"github.com/nvr-ai/go-behavior/verdict"
)

// Exporter exposes the current verdict of one detector and the alert
// stream. It never writes to the cell.
type Exporter struct {
	key  string
	cell *verdict.Cell
	hub  *alerts.Hub
}

// New returns an exporter for the verdict in cell.
//
// Arguments:
//   - key: The boolean status key, e.g. "throwing".
//   - cell: The cell written by the detector's pipeline.
//   - hub: The alert hub, may be nil.
//
// Returns:
//   - *Exporter: The exporter.
func New(key string, cell *verdict.Cell, hub *alerts.Hub) *Exporter {
	return &Exporter{key: key, cell: cell, hub: hub}
}

// Key returns the status key.
func (e *Exporter) Key() string {
	return e.key
}

// Alert reports whether the current verdict is an alert. The placeholder is
// never an alert.
func (e *Exporter) Alert() bool {
	return e.cell.Alert()
}

// Current returns the complete current verdict.
func (e *Exporter) Current() verdict.Verdict {
	return e.cell.Load()
}

// Flag returns the {key: alert} document served to pollers.
func (e *Exporter) Flag() map[string]bool {
	return map[string]bool{e.key: e.Alert()}
}

// Subscribe attaches a push listener. Events published while no listener
// is attached are not replayed.
func (e *Exporter) Subscribe(id string) (<-chan alerts.Event, func(), error) {
	if e.hub == nil {
		return nil, nil, alerts.ErrHubClosed
	}
	return e.hub.Subscribe(id)
}
