// Package reconcile merges polled conversation snapshots into local
// state.
//
// Poll-driven consumers call Merge on every fetch cycle instead of
// relying on push events. The merge is a union keyed by canonical ID:
// entries only the remote knows are inserted by timestamp, entries
// both sides know keep the later status, and locally authored entries
// the remote has not echoed back yet are preserved untouched.
package reconcile

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/store"
)

// Merger reconciles fetched snapshots against the message store.
type Merger struct {
	store *store.Store
}

// New creates a merger over the given store.
func New(st *store.Store) *Merger {
	return &Merger{store: st}
}

// Merge folds a fetched snapshot into the conversation and returns the
// resulting newest-first sequence. The snapshot may be a superset,
// subset, or disjoint set relative to local state (first poll after a
// cold start included); no call produces duplicates or drops
// unconfirmed local entries. Merging the same snapshot twice is a
// no-op the second time.
func (mg *Merger) Merge(conversationID string, snapshot []message.Message) ([]message.Message, error) {
	mg.store.Ensure(conversationID)

	// Oldest-first so inserts of previously unseen history land in
	// timestamp order behind anything newer we already hold.
	for i := len(snapshot) - 1; i >= 0; i-- {
		m := snapshot[i]
		if m.Provisional {
			// A remote snapshot carries canonical records only; a
			// provisional flag here is a sender bug.
			logrus.WithFields(logrus.Fields{
				"function":        "Merge",
				"conversation_id": conversationID,
				"message_id":      m.ID,
			}).Warn("provisional entry in remote snapshot, skipped")
			continue
		}
		m.ConversationID = conversationID

		added, err := mg.store.Insert(conversationID, m)
		if err != nil {
			return nil, err
		}
		if added {
			continue
		}
		// Known entry: adopt the later status. Regressions are the
		// remote lagging behind local progression and are absorbed.
		if _, err := mg.store.UpdateStatus(conversationID, m.ID, m.Status); err != nil {
			if errors.Is(err, message.ErrInvalidTransition) {
				continue
			}
			return nil, err
		}
	}
	return mg.store.Messages(conversationID)
}
