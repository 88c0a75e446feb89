package knowledge

import (
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quantfold/tradecore/internal/database"
)

// snapshotBlob is the msgpack wire form of one persisted snapshot.
type snapshotBlob struct {
	Stats   map[string]Stats `msgpack:"stats"`
	TakenAt int64            `msgpack:"taken_at"`
}

// Store persists knowledge snapshots into the state database so boot
// can skip replaying the full ledger history.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a snapshot store over the state database.
func NewStore(db *database.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "knowledge_store").Logger(),
	}
}

// Save writes the base's current contents as a new snapshot row.
func (s *Store) Save(b *Base) error {
	stats, lastSeq := b.Export()

	payload, err := msgpack.Marshal(snapshotBlob{
		Stats:   stats,
		TakenAt: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO knowledge_snapshots (last_seq, payload, taken_at) VALUES (?, ?, ?)`,
		int64(lastSeq), payload, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return err
	}

	s.log.Debug().Uint64("last_seq", lastSeq).Int("patterns", len(stats)).
		Msg("Knowledge snapshot saved")
	return nil
}

// Load returns the newest persisted snapshot. A missing snapshot is
// not an error; it returns an empty map and seq 0 so boot replays from
// the start of the ledger.
func (s *Store) Load() (map[string]Stats, uint64, error) {
	var (
		lastSeq int64
		payload []byte
	)
	err := s.db.QueryRow(
		`SELECT last_seq, payload FROM knowledge_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&lastSeq, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]Stats{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	var blob snapshotBlob
	if err := msgpack.Unmarshal(payload, &blob); err != nil {
		// A corrupt snapshot is recoverable: replay rebuilds everything.
		s.log.Warn().Err(err).Msg("Discarding undecodable knowledge snapshot")
		return map[string]Stats{}, 0, nil
	}
	if blob.Stats == nil {
		blob.Stats = map[string]Stats{}
	}
	return blob.Stats, uint64(lastSeq), nil
}

// Prune deletes all but the newest keep rows.
func (s *Store) Prune(keep int) error {
	if keep < 1 {
		keep = 1
	}
	_, err := s.db.Exec(
		`DELETE FROM knowledge_snapshots WHERE id NOT IN (
			SELECT id FROM knowledge_snapshots ORDER BY id DESC LIMIT ?
		)`, keep,
	)
	return err
}
