package registry

import (
	"encoding/json"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/carelink-protocol/carelink/pkg/a2a"
)

var snapshotBucket = []byte("agent_cards")

// SaveSnapshot writes every registered card to a bolt database at path,
// replacing any previous snapshot. Persistence is a convenience for restart
// continuity, not required for correctness.
func (r *Registry) SaveSnapshot(path string) error {
	cards := r.ListAll()

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(snapshotBucket) != nil {
			if err := tx.DeleteBucket(snapshotBucket); err != nil {
				return err
			}
		}
		bucket, err := tx.CreateBucket(snapshotBucket)
		if err != nil {
			return err
		}
		for _, card := range cards {
			data, err := json.Marshal(card)
			if err != nil {
				return fmt.Errorf("failed to encode card %s: %w", card.AgentID, err)
			}
			if err := bucket.Put([]byte(card.AgentID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSnapshot registers every card found in a bolt snapshot. Cards that no
// longer validate are skipped rather than failing the whole load.
func (r *Registry) LoadSnapshot(path string) (int, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer db.Close()

	loaded := 0
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(snapshotBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var card a2a.AgentCard
			if err := json.Unmarshal(v, &card); err != nil {
				return nil
			}
			if err := r.Register(&card); err != nil {
				return nil
			}
			loaded++
			return nil
		})
	})
	return loaded, err
}
