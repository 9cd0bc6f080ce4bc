package route

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
)

var errStore = errors.New("store error")

func pointRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "latitude", "longitude", "recorded_at_ms", "address"})
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO location_points`).
		WithArgs(pgxmock.AnyArg(), 0.0, 0.001, pgxmock.AnyArg(), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewStore(mock)
	p, err := store.Append(context.Background(), LocationPoint{Latitude: 0, Longitude: 0.001})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if p.ID == "" {
		t.Fatalf("expected id assigned")
	}
	if p.Timestamp == 0 {
		t.Fatalf("expected timestamp assigned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendKeepsTimestampAndAddress(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO location_points`).
		WithArgs(pgxmock.AnyArg(), 48.8584, 2.2945, int64(1700000000000), "Champ de Mars").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewStore(mock)
	p, err := store.Append(context.Background(), LocationPoint{
		Latitude: 48.8584, Longitude: 2.2945, Timestamp: 1700000000000, Address: "Champ de Mars",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if p.Timestamp != 1700000000000 {
		t.Fatalf("timestamp rewritten")
	}
}

func TestAppendError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO location_points`).WillReturnError(errStore)

	_, err = NewStore(mock).Append(context.Background(), LocationPoint{Latitude: 1, Longitude: 1, Timestamp: 1})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestReadAllOrderedAndRestartable(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`SELECT id, latitude, longitude, recorded_at_ms, COALESCE\(address,''\)\s+FROM location_points\s+ORDER BY recorded_at_ms, seq`).
			WillReturnRows(pointRows().
				AddRow("a", 0.0, 0.0, int64(1000), "").
				AddRow("b", 0.0, 0.001, int64(2000), "Somewhere"))
	}

	store := NewStore(mock)
	seq := store.ReadAll(context.Background())
	for round := 0; round < 2; round++ {
		var got []LocationPoint
		for p, err := range seq {
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			got = append(got, p)
		}
		if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
			t.Fatalf("round %d: unexpected points %+v", round, got)
		}
		if got[0].Timestamp > got[1].Timestamp {
			t.Fatalf("points out of order")
		}
		if got[1].Address != "Somewhere" {
			t.Fatalf("address not read")
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReadAllStopsEarly(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, latitude, longitude`).
		WillReturnRows(pointRows().
			AddRow("a", 0.0, 0.0, int64(1000), "").
			AddRow("b", 0.0, 0.001, int64(2000), ""))

	count := 0
	for _, err := range NewStore(mock).ReadAll(context.Background()) {
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		count++
		break
	}
	if count != 1 {
		t.Fatalf("expected early stop")
	}
}

func TestReadAllQueryError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, latitude, longitude`).WillReturnError(errStore)

	_, err = NewStore(mock).Points(context.Background())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestReadAllRowError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, latitude, longitude`).
		WillReturnRows(pointRows().
			AddRow("a", 0.0, 0.0, int64(1000), "").
			AddRow("b", 0.0, 0.001, int64(2000), "").
			RowError(1, errStore))

	_, err = NewStore(mock).Points(context.Background())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestClear(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`DELETE FROM location_points`).WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectQuery(`SELECT id, latitude, longitude`).WillReturnRows(pointRows())

	store := NewStore(mock)
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	points, err := store.Points(context.Background())
	if err != nil {
		t.Fatalf("points: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("expected empty route after clear")
	}
}

func TestClearError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`DELETE FROM location_points`).WillReturnError(errStore)
	if err := NewStore(mock).Clear(context.Background()); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestStoreWithoutDatabase(t *testing.T) {
	store := NewStore(nil)
	if _, err := store.Append(context.Background(), LocationPoint{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable on append")
	}
	if err := store.Clear(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable on clear")
	}
	if _, err := store.Points(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable on read")
	}
}
