package route

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"backend-routetrack/internal/db"

	"github.com/google/uuid"
)

var (
	// ErrPersistence wraps every failed read or write against the durable route.
	ErrPersistence = errors.New("route persistence failed")
	// ErrUnavailable is returned when the store has no database behind it.
	ErrUnavailable = errors.New("route store unavailable")
)

// Store is the durable, append-only route. Appends and clears are separate
// statements: an Append racing a Clear may land on either side of it, and
// callers must not assume an order between the two.
type Store struct {
	db db.Querier
}

func NewStore(q db.Querier) *Store {
	return &Store{db: q}
}

// Append assigns an id to p and writes it. A zero timestamp is set to now.
func (s *Store) Append(ctx context.Context, p LocationPoint) (LocationPoint, error) {
	if s.db == nil {
		return LocationPoint{}, ErrUnavailable
	}
	p.ID = uuid.NewString()
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO location_points (id, latitude, longitude, recorded_at_ms, address)
		VALUES ($1,$2,$3,$4,NULLIF($5,''))
	`, p.ID, p.Latitude, p.Longitude, p.Timestamp, p.Address)
	if err != nil {
		return LocationPoint{}, fmt.Errorf("%w: append: %v", ErrPersistence, err)
	}
	return p, nil
}

// ReadAll yields every stored point in ascending timestamp order. Each range
// over the returned sequence runs a fresh query, so it can be restarted. On
// failure a single zero point with the error is yielded and iteration ends.
func (s *Store) ReadAll(ctx context.Context) iter.Seq2[LocationPoint, error] {
	return func(yield func(LocationPoint, error) bool) {
		if s.db == nil {
			yield(LocationPoint{}, ErrUnavailable)
			return
		}
		rows, err := s.db.Query(ctx, `
			SELECT id, latitude, longitude, recorded_at_ms, COALESCE(address,'')
			FROM location_points
			ORDER BY recorded_at_ms, seq
		`)
		if err != nil {
			yield(LocationPoint{}, fmt.Errorf("%w: read: %v", ErrPersistence, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var p LocationPoint
			if err := rows.Scan(&p.ID, &p.Latitude, &p.Longitude, &p.Timestamp, &p.Address); err != nil {
				yield(LocationPoint{}, fmt.Errorf("%w: scan: %v", ErrPersistence, err))
				return
			}
			if !yield(p, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(LocationPoint{}, fmt.Errorf("%w: read: %v", ErrPersistence, err))
		}
	}
}

// Points collects ReadAll into a slice.
func (s *Store) Points(ctx context.Context) ([]LocationPoint, error) {
	var points []LocationPoint
	for p, err := range s.ReadAll(ctx) {
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// Clear removes every point in one statement.
func (s *Store) Clear(ctx context.Context) error {
	if s.db == nil {
		return ErrUnavailable
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM location_points`); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrPersistence, err)
	}
	return nil
}
