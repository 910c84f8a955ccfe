package storage

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/ride-realtime/model"
)

// PostgresStore keeps the full status event history per ride; latest
// status is resolved by logical timestamp, matching the client's
// last-writer-wins reducer.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveStatus(rec model.RideStatus) error {
	_, err := p.db.Exec(
		`INSERT INTO ride_status_events(id, ride_id, status, updated_at, meta) VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.RideID, rec.Status, rec.UpdatedAt, []byte(rec.Meta))
	return err
}

func (p *PostgresStore) LatestStatus(rideID string) (model.RideStatus, bool, error) {
	row := p.db.QueryRow(
		`SELECT id, ride_id, status, updated_at, meta FROM ride_status_events
		 WHERE ride_id=$1 ORDER BY updated_at DESC LIMIT 1`, rideID)
	var rec model.RideStatus
	var meta []byte
	if err := row.Scan(&rec.ID, &rec.RideID, &rec.Status, &rec.UpdatedAt, &meta); err != nil {
		if err == sql.ErrNoRows {
			return model.RideStatus{}, false, nil
		}
		return model.RideStatus{}, false, err
	}
	rec.Meta = meta
	return rec, true, nil
}

func (p *PostgresStore) History(rideID string) ([]model.RideStatus, error) {
	rows, err := p.db.Query(
		`SELECT id, ride_id, status, updated_at, meta FROM ride_status_events
		 WHERE ride_id=$1 ORDER BY updated_at ASC`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RideStatus
	for rows.Next() {
		var rec model.RideStatus
		var meta []byte
		if err := rows.Scan(&rec.ID, &rec.RideID, &rec.Status, &rec.UpdatedAt, &meta); err != nil {
			return nil, err
		}
		rec.Meta = meta
		out = append(out, rec)
	}
	return out, rows.Err()
}
