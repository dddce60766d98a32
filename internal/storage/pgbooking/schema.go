package pgbooking

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  full_name TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS clients (
  id BIGSERIAL PRIMARY KEY,
  full_name TEXT NOT NULL DEFAULT '',
  phone TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS buses (
  id BIGSERIAL PRIMARY KEY,
  plate TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS routes (
  id BIGSERIAL PRIMARY KEY,
  origin TEXT NOT NULL DEFAULT '',
  destination TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS seats (
  id BIGSERIAL PRIMARY KEY,
  bus_id BIGINT NOT NULL REFERENCES buses(id),
  seat_number INT NOT NULL,
  deck INT NOT NULL DEFAULT 1,
  row_no INT NOT NULL DEFAULT 0,
  col_no INT NOT NULL DEFAULT 0,
  CONSTRAINT uq_seats_bus_deck_number UNIQUE (bus_id, deck, seat_number)
)`,
		`
CREATE TABLE IF NOT EXISTS trips (
  id BIGSERIAL PRIMARY KEY,
  trip_datetime TIMESTAMPTZ NOT NULL,
  status TEXT NOT NULL,
  driver_id BIGINT NULL REFERENCES users(id),
  bus_id BIGINT NOT NULL REFERENCES buses(id),
  assistant_id BIGINT NULL REFERENCES users(id),
  route_id BIGINT NOT NULL REFERENCES routes(id),
  secretary_id BIGINT NOT NULL REFERENCES users(id),
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// Exact-tuple guard; nullable references compare as IS NULL through COALESCE.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_trips_tuple ON trips (trip_datetime, bus_id, route_id, COALESCE(driver_id, 0), COALESCE(assistant_id, 0))`,
		`CREATE INDEX IF NOT EXISTS idx_trips_driver_datetime ON trips(driver_id, trip_datetime)`,
		`CREATE INDEX IF NOT EXISTS idx_trips_bus_datetime ON trips(bus_id, trip_datetime)`,
		`CREATE INDEX IF NOT EXISTS idx_trips_assistant_datetime ON trips(assistant_id, trip_datetime)`,
		`
CREATE TABLE IF NOT EXISTS tickets (
  id BIGSERIAL PRIMARY KEY,
  state TEXT NOT NULL,
  seat_id BIGINT NOT NULL REFERENCES seats(id),
  client_id BIGINT NOT NULL REFERENCES clients(id),
  trip_id BIGINT NOT NULL REFERENCES trips(id),
  secretary_id BIGINT NOT NULL REFERENCES users(id),
  price NUMERIC(12,2) NOT NULL,
  payment_method TEXT NOT NULL,
  destination TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// Authoritative occupancy guards: at most one active ticket per (trip, seat) and per (trip, client).
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_tickets_active_seat ON tickets (trip_id, seat_id) WHERE state IN ('pending', 'confirmed')`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_tickets_active_client ON tickets (trip_id, client_id) WHERE state IN ('pending', 'confirmed')`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_seat_id ON tickets(seat_id)`,
		`
CREATE TABLE IF NOT EXISTS packages (
  id BIGSERIAL PRIMARY KEY,
  tracking_number TEXT NOT NULL,
  status TEXT NOT NULL,
  trip_id BIGINT NULL REFERENCES trips(id),
  sender_id BIGINT NOT NULL REFERENCES clients(id),
  recipient_id BIGINT NOT NULL REFERENCES clients(id),
  description TEXT NOT NULL DEFAULT '',
  payment_type TEXT NOT NULL,
  delivery_payment_method TEXT NULL,
  registered_by BIGINT NOT NULL REFERENCES users(id),
  delivered_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT uq_packages_tracking_number UNIQUE (tracking_number),
  CONSTRAINT ck_packages_registered_unassigned CHECK (status <> 'registered_at_office' OR trip_id IS NULL),
  CONSTRAINT ck_packages_assigned_has_trip CHECK (status <> 'assigned_to_trip' OR trip_id IS NOT NULL)
)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_trip_id ON packages(trip_id)`,
		`
CREATE TABLE IF NOT EXISTS package_items (
  id BIGSERIAL PRIMARY KEY,
  package_id BIGINT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
  description TEXT NOT NULL DEFAULT '',
  quantity INT NOT NULL CHECK (quantity > 0),
  unit_price NUMERIC(12,2) NOT NULL CHECK (unit_price >= 0)
)`,
		`
CREATE TABLE IF NOT EXISTS state_history (
  id BIGSERIAL PRIMARY KEY,
  subject_type TEXT NOT NULL,
  subject_id BIGINT NOT NULL,
  field TEXT NOT NULL DEFAULT 'state',
  old_value TEXT NULL,
  new_value TEXT NOT NULL,
  changed_at TIMESTAMPTZ NOT NULL,
  actor_id BIGINT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_state_history_subject ON state_history(subject_type, subject_id, changed_at DESC, id DESC)`,
		// The ledger is append-only.
		`
CREATE OR REPLACE FUNCTION state_history_append_only() RETURNS trigger AS $$
BEGIN
  RAISE EXCEPTION 'state_history is append-only';
END;
$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_state_history_append_only ON state_history`,
		`CREATE TRIGGER trg_state_history_append_only BEFORE UPDATE OR DELETE ON state_history FOR EACH ROW EXECUTE FUNCTION state_history_append_only()`,
		`
CREATE TABLE IF NOT EXISTS outbox_events (
  id BIGSERIAL PRIMARY KEY,
  event_id TEXT NOT NULL UNIQUE,
  topic TEXT NOT NULL,
  key TEXT NOT NULL,
  payload JSONB NOT NULL,
  attempts INT NOT NULL DEFAULT 0,
  next_attempt_at TIMESTAMPTZ NOT NULL,
  published_at TIMESTAMPTZ NULL,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_events_due ON outbox_events(next_attempt_at) WHERE published_at IS NULL`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
