package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/site-logistics/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const changeChannel = "ticket_changes"

const ticketColumns = `id, code, project_id, material, quantity, division, vehicle_class, requires_equipment,
	dest_lat, dest_lng, status, driver_lat, driver_lng, alerts, anticipated_time, claimed_by,
	created_at, claimed_at, arrived_at, last_update`

type PostgresStore struct {
	db     *sql.DB
	dsn    string
	logger *slog.Logger
}

func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, dsn: dsn, logger: logger}, nil
}

// Migrate applies the embedded schema files in lexical order.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		p.logger.Info("migration applied", "file", name)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateProject(ctx context.Context, pr *models.Project) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO projects(id, name, address, dest_lat, dest_lng, timezone, created_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		pr.ID, pr.Name, pr.Address, pr.Destination.Lat, pr.Destination.Lng, pr.Timezone, pr.CreatedAt)
	return err
}

func (p *PostgresStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var pr models.Project
	err := p.db.QueryRowContext(ctx, `SELECT id, name, address, dest_lat, dest_lng, timezone, created_at FROM projects WHERE id=$1`, id).
		Scan(&pr.ID, &pr.Name, &pr.Address, &pr.Destination.Lat, &pr.Destination.Lng, &pr.Timezone, &pr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (p *PostgresStore) CreateTicket(ctx context.Context, t *models.Ticket) error {
	alerts, err := json.Marshal(alertsOrEmpty(t.Alerts))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO tickets(`+ticketColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		t.ID, nullString(t.Code), t.ProjectID, t.Material, t.Quantity, t.Division, string(t.VehicleClass), t.RequiresEquipment,
		t.Destination.Lat, t.Destination.Lng, string(t.Status), latPtr(t.DriverLocation), lngPtr(t.DriverLocation), alerts,
		timeOfDayString(t.AnticipatedTime), t.ClaimedBy, t.CreatedAt, t.ClaimedAt, t.ArrivedAt, t.LastUpdate)
	return mapPQError(err)
}

func (p *PostgresStore) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=$1`, id)
	return scanTicket(row)
}

func (p *PostgresStore) GetTicketByCode(ctx context.Context, code string) (*models.Ticket, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE code=$1`, code)
	return scanTicket(row)
}

// UpdateTicket locks the row, applies the patch in Go and writes every mutable column back.
func (p *PostgresStore) UpdateTicket(ctx context.Context, id string, patch Patch) (*models.Ticket, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTicket(tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := patch.Apply(t); err != nil {
		return nil, err
	}
	alerts, err := json.Marshal(alertsOrEmpty(t.Alerts))
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tickets SET status=$1, driver_lat=$2, driver_lng=$3, alerts=$4, claimed_by=$5,
		claimed_at=$6, arrived_at=$7, last_update=$8 WHERE id=$9`,
		string(t.Status), latPtr(t.DriverLocation), lngPtr(t.DriverLocation), alerts, t.ClaimedBy,
		t.ClaimedAt, t.ArrivedAt, t.LastUpdate, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) ListTickets(ctx context.Context, q Query) ([]models.Ticket, error) {
	statuses := make([]string, 0, len(q.Statuses))
	for _, s := range q.Statuses {
		statuses = append(statuses, string(s))
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+ticketColumns+` FROM tickets
		WHERE ($1 = '' OR project_id = $1) AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at, id`, q.ProjectID, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Ticket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Subscribe listens on the ticket_changes channel and re-runs q whenever a row of
// the queried project changes. Listener reconnects also trigger a refresh.
func (p *PostgresStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	listener := pq.NewListener(p.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Warn("ticket listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(changeChannel); err != nil {
		_ = listener.Close()
		return nil, err
	}

	ch := make(chan Snapshot, 1)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	refresh := func() {
		tickets, err := p.ListTickets(ctx, q)
		if ctx.Err() != nil {
			return
		}
		offer(ch, Snapshot{Tickets: tickets, Err: err, At: time.Now()})
	}

	go func() {
		defer close(done)
		defer close(ch)
		defer listener.Close()
		refresh()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				// nil after a reconnect: state may have changed while disconnected
				if n != nil && q.ProjectID != "" && n.Extra != q.ProjectID {
					continue
				}
				refresh()
			case <-ping.C:
				if err := listener.Ping(); err != nil {
					offer(ch, Snapshot{Err: fmt.Errorf("change feed: %w", err), At: time.Now()})
				}
			}
		}
	}()

	return &Subscription{C: ch, close: func() {
		cancel()
		<-done
	}}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(r rowScanner) (*models.Ticket, error) {
	var (
		t                    models.Ticket
		code, anticipated    sql.NullString
		vehicle, status      string
		driverLat, driverLng sql.NullFloat64
		alerts               []byte
		claimedAt, arrivedAt sql.NullTime
		lastUpdate           sql.NullTime
	)
	err := r.Scan(&t.ID, &code, &t.ProjectID, &t.Material, &t.Quantity, &t.Division, &vehicle, &t.RequiresEquipment,
		&t.Destination.Lat, &t.Destination.Lng, &status, &driverLat, &driverLng, &alerts, &anticipated, &t.ClaimedBy,
		&t.CreatedAt, &claimedAt, &arrivedAt, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Code = code.String
	t.VehicleClass = models.VehicleClass(vehicle)
	t.Status = models.Status(status)
	if driverLat.Valid && driverLng.Valid {
		t.DriverLocation = &models.Coordinate{Lat: driverLat.Float64, Lng: driverLng.Float64}
	}
	t.Alerts = models.AlertLog{}
	if len(alerts) > 0 {
		if err := json.Unmarshal(alerts, &t.Alerts); err != nil {
			return nil, fmt.Errorf("decode alerts for %s: %w", t.ID, err)
		}
	}
	if anticipated.Valid && anticipated.String != "" {
		tod, err := models.ParseTimeOfDay(anticipated.String)
		if err != nil {
			return nil, err
		}
		t.AnticipatedTime = &tod
	}
	t.ClaimedAt = nullTimePtr(claimedAt)
	t.ArrivedAt = nullTimePtr(arrivedAt)
	t.LastUpdate = nullTimePtr(lastUpdate)
	return &t, nil
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return ErrDuplicateCode
		case "23503":
			return ErrProjectNotFound
		}
	}
	return err
}

func alertsOrEmpty(l models.AlertLog) models.AlertLog {
	if l == nil {
		return models.AlertLog{}
	}
	return l
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func timeOfDayString(t *models.TimeOfDay) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.String(), Valid: true}
}

func latPtr(c *models.Coordinate) *float64 {
	if c == nil {
		return nil
	}
	v := c.Lat
	return &v
}

func lngPtr(c *models.Coordinate) *float64 {
	if c == nil {
		return nil
	}
	v := c.Lng
	return &v
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
