// Package reconcile implements C6: it pulls desired-state projections out
// of C4 and pushes them into C3, and pulls observed-handshake evidence back
// out of C3 into C4. The driver itself (spec §4.3) is responsible for
// idempotency; this loop simply always asks for the latest desired state.
package reconcile

import (
	"log/slog"
	"time"

	"github.com/wgnetmanager/wgnetmanager/internal/netiface"
	"github.com/wgnetmanager/wgnetmanager/internal/peerdb"
)

// Loop drives C3 from C4's desired-state projections (spec §4.6) and feeds
// C3's handshake evidence back into C4's lifecycle state machine (§4.5).
type Loop struct {
	DB     *peerdb.DB
	Driver netiface.Driver
	Log    *slog.Logger
}

func New(db *peerdb.DB, driver netiface.Driver, log *slog.Logger) *Loop {
	return &Loop{DB: db, Driver: driver, Log: log}
}

// Reconcile applies the database's current desired peer and route state to
// the network interface driver.
func (l *Loop) Reconcile() error {
	if err := l.Driver.SetPeers(l.DB.DesiredWgPeers()); err != nil {
		return err
	}
	if err := l.Driver.SetRoutes(l.DB.DesiredRoutes()); err != nil {
		return err
	}
	return nil
}

// ApplyObservations polls the driver for fresh WireGuard handshakes and
// promotes the corresponding peers in the database (spec §4.5).
func (l *Loop) ApplyObservations(now time.Time, freshness time.Duration) (peerdb.ChangeSet, error) {
	obs, err := l.Driver.QueryObservedEndpoints(now, freshness)
	if err != nil {
		return peerdb.ChangeSet{}, err
	}
	var merged peerdb.ChangeSet
	for _, o := range obs {
		cs := l.DB.ObserveHandshake(o.WgIp, o.LastHandshake)
		if cs.RoutesChanged {
			merged.RoutesChanged = true
		}
	}
	return merged, nil
}
