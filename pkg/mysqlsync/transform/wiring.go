package transform

import (
	"context"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/hub"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/model"
)

// Register wires the Stage's two call sites (§4.D) onto the hub:
// "local-change" fans a captured change out to every configured peer
// except the one it must not echo to, and "remote-change" prepares an
// inbound change for apply.
func (s *Stage) Register(h *hub.Hub, self string, peers []string, db Querier, bus Publisher) {
	h.On(hub.LocalChange, func(ctx context.Context, payload interface{}) error {
		change, ok := payload.(model.LocalChange)
		if !ok {
			return nil
		}
		for _, peer := range peers {
			if peer == change.Except {
				continue
			}
			transformed, err := s.Outbound(ctx, change.Table, self, peer, change.Entity, db, bus)
			if err != nil {
				return err
			}
			send := model.RemoteSendChange{
				Table:  change.Table,
				ID:     change.ID,
				Entity: transformed,
				Peer:   peer,
			}
			if err := h.Emit(ctx, hub.RemoteSendChange, send); err != nil {
				return err
			}
		}
		return nil
	})

	h.On(hub.RemoteChange, func(ctx context.Context, payload interface{}) error {
		change, ok := payload.(model.Change)
		if !ok {
			return nil
		}
		transformed, err := s.Inbound(ctx, change.Table, change.Sender, self, change.Entity, db, bus)
		if err != nil {
			return err
		}
		toSave := change
		toSave.Entity = transformed
		return h.Emit(ctx, hub.LocalSaveChange, toSave)
	})
}
