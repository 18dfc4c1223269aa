package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const tripCols = `id, requester_id, worker_id, status,
	pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
	vehicle_type, estimated_fare, final_fare, currency, payment_method, hold_id, scheduled_at,
	searching_at, assigned_at, arrived_at, started_at, completed_at, cancelled_at,
	cancel_reason, created_at, updated_at`

func activeStatusArray() pq.StringArray {
	out := make(pq.StringArray, 0, len(models.ActiveStatuses))
	for _, s := range models.ActiveStatuses {
		out = append(out, string(s))
	}
	return out
}

func (p *PostgresStore) CreateTripWithHold(ctx context.Context, trip *models.Trip, holdRef string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM trips WHERE requester_id = $1 AND status = ANY($2) LIMIT 1`,
		trip.RequesterID, activeStatusArray()).Scan(&existing)
	if err == nil {
		err = ErrActiveTripExists
		return err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return mapPQError(err)
	}
	err = nil

	if trip.PaymentMethod != models.PayCash {
		var balance int64
		if err = tx.QueryRowContext(ctx, balanceQuery, trip.RequesterID).Scan(&balance); err != nil {
			return mapPQError(err)
		}
		if balance < trip.EstimatedFare {
			err = ErrInsufficientBalance
			return err
		}
	}

	now := time.Now().UTC()
	if trip.ID == "" {
		trip.ID = uuid.NewString()
	}
	trip.CreatedAt = now
	trip.UpdatedAt = now
	var searchingAt *time.Time
	if trip.Status == models.StatusSearching {
		trip.SearchingAt = &now
		searchingAt = &now
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trips (id, requester_id, status,
			pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
			vehicle_type, estimated_fare, currency, payment_method, scheduled_at, searching_at,
			cancel_reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,'',$16,$16)`,
		trip.ID, trip.RequesterID, string(trip.Status),
		trip.Pickup.Lat, trip.Pickup.Lng, trip.PickupAddress,
		trip.Dropoff.Lat, trip.Dropoff.Lng, trip.DropoffAddress,
		trip.VehicleType, trip.EstimatedFare, trip.Currency, string(trip.PaymentMethod),
		trip.ScheduledAt, searchingAt, now)
	if err != nil {
		return mapPQError(err)
	}

	if trip.PaymentMethod != models.PayCash {
		holdID := uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, account_id, trip_id, type, amount, currency, status, reference, created_at)
			VALUES ($1,$2,$3,'hold',$4,$5,'posted',$6,$7)`,
			holdID, trip.RequesterID, trip.ID, trip.EstimatedFare, trip.Currency, holdRef, now)
		if err != nil {
			return mapPQError(err)
		}
		if _, err = tx.ExecContext(ctx, `UPDATE trips SET hold_id=$1 WHERE id=$2`, holdID, trip.ID); err != nil {
			return mapPQError(err)
		}
		trip.HoldID = &holdID
	}

	if err = tx.Commit(); err != nil {
		return mapPQError(err)
	}
	return nil
}

const balanceQuery = `
	SELECT COALESCE(SUM(CASE WHEN type IN ('credit','refund') THEN amount ELSE -amount END), 0)
	FROM ledger_entries WHERE account_id = $1 AND status = 'posted'`

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripCols+` FROM trips WHERE id = $1`, id)
	return scanTrip(row)
}

func (p *PostgresStore) TransitionTrip(ctx context.Context, id string, from, to models.TripStatus, actor, note string, at time.Time) (*models.Trip, error) {
	col := milestoneColumn(to)
	q := `UPDATE trips SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`
	if col != "" {
		q = `UPDATE trips SET status=$1, updated_at=$2, ` + col + `=$2 WHERE id=$3 AND status=$4`
	}
	res, err := p.db.ExecContext(ctx, q, string(to), at, id, string(from))
	if err != nil {
		return nil, mapPQError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetTrip(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	if err := p.appendHistory(ctx, id, from, to, actor, note, at); err != nil {
		return nil, err
	}
	return p.GetTrip(ctx, id)
}

func (p *PostgresStore) CancelTrip(ctx context.Context, id, actor, reason string, at time.Time) (*models.Trip, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT status FROM trips WHERE id=$1 FOR UPDATE`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrTripNotFound
		return nil, false, err
	}
	if err != nil {
		return nil, false, mapPQError(err)
	}
	if models.TripStatus(from).Terminal() {
		_ = tx.Rollback()
		t, gerr := p.GetTrip(ctx, id)
		return t, false, gerr
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE trips SET status='cancelled', cancelled_at=$2, cancel_reason=$3, updated_at=$2 WHERE id=$1`,
		id, at, reason)
	if err != nil {
		return nil, false, mapPQError(err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE dispatch_offers SET status='cancelled', responded_at=$2 WHERE trip_id=$1 AND status='pending'`, id, at)
	if err != nil {
		return nil, false, mapPQError(err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO trip_status_history (trip_id, from_status, to_status, actor, note, at) VALUES ($1,$2,'cancelled',$3,$4,$5)`,
		id, from, actor, reason, at)
	if err != nil {
		return nil, false, mapPQError(err)
	}
	if err = tx.Commit(); err != nil {
		return nil, false, mapPQError(err)
	}
	t, err := p.GetTrip(ctx, id)
	return t, true, err
}

func (p *PostgresStore) AvailableBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, balanceQuery, accountID).Scan(&balance)
	return balance, mapPQError(err)
}

func (p *PostgresStore) InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = models.EntryPosted
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, trip_id, type, amount, currency, status, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.AccountID, e.TripID, string(e.Type), e.Amount, e.Currency, e.Status, e.Reference, e.CreatedAt)
	return mapPQError(err)
}

func (p *PostgresStore) HoldEntry(ctx context.Context, tripID string) (*models.LedgerEntry, error) {
	e := &models.LedgerEntry{}
	var tid sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, trip_id, type, amount, currency, status, reference, created_at
		FROM ledger_entries WHERE trip_id=$1 AND type='hold'`, tripID).
		Scan(&e.ID, &e.AccountID, &tid, &e.Type, &e.Amount, &e.Currency, &e.Status, &e.Reference, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPQError(err)
	}
	if tid.Valid {
		e.TripID = &tid.String
	}
	return e, nil
}

func (p *PostgresStore) ConvertHoldToDebit(ctx context.Context, trip *models.Trip, finalFare int64) (*models.LedgerEntry, error) {
	return p.resolveHold(ctx, trip, models.EntryDebit, finalFare)
}

func (p *PostgresStore) RefundHold(ctx context.Context, trip *models.Trip) (*models.LedgerEntry, error) {
	return p.resolveHold(ctx, trip, models.EntryRefund, 0)
}

// resolveHold finishes a trip's hold exactly once: debit voids the hold
// and posts the final fare, refund posts the held amount back. Calling
// it again returns the previously posted entry.
func (p *PostgresStore) resolveHold(ctx context.Context, trip *models.Trip, typ models.EntryType, amount int64) (*models.LedgerEntry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var hold models.LedgerEntry
	err = tx.QueryRowContext(ctx, `
		SELECT id, account_id, amount, currency, status FROM ledger_entries
		WHERE trip_id=$1 AND type='hold' FOR UPDATE`, trip.ID).
		Scan(&hold.ID, &hold.AccountID, &hold.Amount, &hold.Currency, &hold.Status)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		// Cash trip, nothing held. A debit still records the fare the
		// trip settled at.
		if typ == models.EntryDebit {
			if _, err = tx.ExecContext(ctx, `UPDATE trips SET final_fare=$2, updated_at=$3 WHERE id=$1`,
				trip.ID, amount, time.Now().UTC()); err != nil {
				return nil, mapPQError(err)
			}
			if err = tx.Commit(); err != nil {
				return nil, mapPQError(err)
			}
			trip.FinalFare = &amount
			return nil, nil
		}
		_ = tx.Rollback()
		return nil, nil
	}
	if err != nil {
		return nil, mapPQError(err)
	}

	prev := &models.LedgerEntry{}
	err = tx.QueryRowContext(ctx, `
		SELECT id, account_id, type, amount, currency, status, reference, created_at FROM ledger_entries
		WHERE reference=$1 AND type=$2`, hold.ID, string(typ)).
		Scan(&prev.ID, &prev.AccountID, &prev.Type, &prev.Amount, &prev.Currency, &prev.Status, &prev.Reference, &prev.CreatedAt)
	if err == nil {
		_ = tx.Rollback()
		return prev, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, mapPQError(err)
	}
	err = nil

	if typ == models.EntryDebit {
		if _, err = tx.ExecContext(ctx, `UPDATE ledger_entries SET status='void' WHERE id=$1`, hold.ID); err != nil {
			return nil, mapPQError(err)
		}
		if _, err = tx.ExecContext(ctx, `UPDATE trips SET final_fare=$2, updated_at=$3 WHERE id=$1`,
			trip.ID, amount, time.Now().UTC()); err != nil {
			return nil, mapPQError(err)
		}
	} else {
		amount = hold.Amount
	}

	entry := &models.LedgerEntry{
		ID:        uuid.NewString(),
		AccountID: hold.AccountID,
		TripID:    &trip.ID,
		Type:      typ,
		Amount:    amount,
		Currency:  hold.Currency,
		Status:    models.EntryPosted,
		Reference: hold.ID,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, trip_id, type, amount, currency, status, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.ID, entry.AccountID, entry.TripID, string(entry.Type), entry.Amount, entry.Currency, entry.Status, entry.Reference, entry.CreatedAt)
	if err != nil {
		return nil, mapPQError(err)
	}
	if err = tx.Commit(); err != nil {
		return nil, mapPQError(err)
	}
	if typ == models.EntryDebit {
		trip.FinalFare = &entry.Amount
	}
	return entry, nil
}

func (p *PostgresStore) CreateOffers(ctx context.Context, offers []*models.DispatchOffer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, o := range offers {
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dispatch_offers (id, trip_id, worker_id, status, batch, distance_km, eta_seconds, sent_at, expires_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			o.ID, o.TripID, o.WorkerID, string(o.Status), o.Batch, o.DistanceKm, o.EtaSeconds, o.SentAt, o.ExpiresAt)
		if err != nil {
			_ = tx.Rollback()
			return mapPQError(err)
		}
	}
	return mapPQError(tx.Commit())
}

func (p *PostgresStore) GetOffer(ctx context.Context, tripID, workerID string) (*models.DispatchOffer, error) {
	o := &models.DispatchOffer{}
	var responded sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, trip_id, worker_id, status, batch, distance_km, eta_seconds, sent_at, responded_at, expires_at
		FROM dispatch_offers WHERE trip_id=$1 AND worker_id=$2 ORDER BY batch DESC LIMIT 1`,
		tripID, workerID).
		Scan(&o.ID, &o.TripID, &o.WorkerID, &o.Status, &o.Batch, &o.DistanceKm, &o.EtaSeconds, &o.SentAt, &responded, &o.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, mapPQError(err)
	}
	if responded.Valid {
		o.RespondedAt = &responded.Time
	}
	return o, nil
}

func (p *PostgresStore) AcceptOffer(ctx context.Context, tripID, workerID string, at time.Time) (*models.Trip, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var offerID, offerStatus string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT id, status, expires_at FROM dispatch_offers
		WHERE trip_id=$1 AND worker_id=$2 ORDER BY batch DESC LIMIT 1 FOR UPDATE`,
		tripID, workerID).Scan(&offerID, &offerStatus, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrOfferNotFound
		return nil, err
	}
	if err != nil {
		return nil, mapPQError(err)
	}

	var boundWorker sql.NullString
	var tripStatus string
	err = tx.QueryRowContext(ctx, `SELECT worker_id, status FROM trips WHERE id=$1 FOR UPDATE`, tripID).
		Scan(&boundWorker, &tripStatus)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrTripNotFound
		return nil, err
	}
	if err != nil {
		return nil, mapPQError(err)
	}

	// Duplicate accept from the winner is a no-op success.
	if offerStatus == string(models.OfferAccepted) && boundWorker.Valid && boundWorker.String == workerID {
		_ = tx.Rollback()
		err = nil
		return p.GetTrip(ctx, tripID)
	}
	if offerStatus != string(models.OfferPending) || at.After(expiresAt) {
		if boundWorker.Valid {
			err = ErrAlreadyAssigned
		} else {
			err = ErrOfferExpired
		}
		return nil, err
	}
	if boundWorker.Valid {
		err = ErrAlreadyAssigned
		return nil, err
	}
	if tripStatus != string(models.StatusSearching) {
		err = ErrOfferExpired
		return nil, err
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE dispatch_offers SET status='accepted', responded_at=$2 WHERE id=$1`, offerID, at); err != nil {
		return nil, mapPQError(err)
	}
	// The worker_id IS NULL guard is the cross-instance arbiter.
	var res sql.Result
	res, err = tx.ExecContext(ctx, `
		UPDATE trips SET worker_id=$2, status='assigned', assigned_at=$3, updated_at=$3
		WHERE id=$1 AND worker_id IS NULL AND status='searching'`, tripID, workerID, at)
	if err != nil {
		return nil, mapPQError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrConflict
		return nil, err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE dispatch_offers SET status='cancelled', responded_at=$2 WHERE trip_id=$1 AND status='pending'`, tripID, at); err != nil {
		return nil, mapPQError(err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO trip_status_history (trip_id, from_status, to_status, actor, note, at) VALUES ($1,'searching','assigned',$2,'',$3)`,
		tripID, workerID, at); err != nil {
		return nil, mapPQError(err)
	}
	if err = tx.Commit(); err != nil {
		return nil, mapPQError(err)
	}
	return p.GetTrip(ctx, tripID)
}

func (p *PostgresStore) DeclineOffer(ctx context.Context, tripID, workerID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_offers SET status='declined', responded_at=$3
		WHERE trip_id=$1 AND worker_id=$2 AND status='pending'
		AND batch = (SELECT COALESCE(MAX(batch),0) FROM dispatch_offers WHERE trip_id=$1 AND worker_id=$2)`,
		tripID, workerID, at)
	if err != nil {
		return mapPQError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetOffer(ctx, tripID, workerID); err != nil {
			return err
		}
		return nil // already resolved, idempotent
	}
	return nil
}

func (p *PostgresStore) ExpireBatch(ctx context.Context, tripID string, batch int, at time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_offers SET status='expired', responded_at=$3
		WHERE trip_id=$1 AND batch=$2 AND status='pending'`, tripID, batch, at)
	if err != nil {
		return 0, mapPQError(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) SweepExpiredOffers(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_offers SET status='expired', responded_at=$1
		WHERE status='pending' AND expires_at < $1`, now)
	if err != nil {
		return 0, mapPQError(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) PendingOfferCount(ctx context.Context, workerID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM dispatch_offers WHERE worker_id=$1 AND status='pending'`, workerID).Scan(&n)
	return n, mapPQError(err)
}

func (p *PostgresStore) PendingOffersForTrip(ctx context.Context, tripID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM dispatch_offers WHERE trip_id=$1 AND status='pending'`, tripID).Scan(&n)
	return n, mapPQError(err)
}

func (p *PostgresStore) OfferedWorkers(ctx context.Context, tripID string) (map[string]bool, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT worker_id FROM dispatch_offers WHERE trip_id=$1`, tripID)
	if err != nil {
		return nil, mapPQError(err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		out[w] = true
	}
	return out, rows.Err()
}

func (p *PostgresStore) SearchingTrips(ctx context.Context) ([]*models.Trip, error) {
	return p.queryTrips(ctx, `SELECT `+tripCols+` FROM trips WHERE status='searching' ORDER BY created_at`)
}

func (p *PostgresStore) MaxBatch(ctx context.Context, tripID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(batch),0) FROM dispatch_offers WHERE trip_id=$1`, tripID).Scan(&n)
	return n, mapPQError(err)
}

func (p *PostgresStore) DueScheduledTrips(ctx context.Context, now time.Time, limit int) ([]*models.Trip, error) {
	return p.queryTrips(ctx, `SELECT `+tripCols+` FROM trips
		WHERE status='scheduled' AND scheduled_at <= $1 ORDER BY scheduled_at LIMIT $2`, now, limit)
}

func (p *PostgresStore) AppendLocation(ctx context.Context, loc *models.WorkerLocation) error {
	if loc.CapturedAt.IsZero() {
		loc.CapturedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO worker_locations (worker_id, lat, lng, heading, speed_mps, accuracy_m, online, available, vehicle_type, captured_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		loc.WorkerID, loc.Loc.Lat, loc.Loc.Lng, loc.Heading, loc.SpeedMps, loc.AccuracyM, loc.Online, loc.Available, loc.VehicleType, loc.CapturedAt)
	return mapPQError(err)
}

func (p *PostgresStore) LatestLocation(ctx context.Context, workerID string) (*models.WorkerLocation, error) {
	loc := &models.WorkerLocation{}
	err := p.db.QueryRowContext(ctx, `
		SELECT worker_id, lat, lng, heading, speed_mps, accuracy_m, online, available, vehicle_type, captured_at
		FROM worker_locations WHERE worker_id=$1 ORDER BY captured_at DESC LIMIT 1`, workerID).
		Scan(&loc.WorkerID, &loc.Loc.Lat, &loc.Loc.Lng, &loc.Heading, &loc.SpeedMps, &loc.AccuracyM, &loc.Online, &loc.Available, &loc.VehicleType, &loc.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return loc, mapPQError(err)
}

func (p *PostgresStore) StatusHistory(ctx context.Context, tripID string) ([]models.StatusChange, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT trip_id, from_status, to_status, actor, note, at FROM trip_status_history
		WHERE trip_id=$1 ORDER BY at`, tripID)
	if err != nil {
		return nil, mapPQError(err)
	}
	defer rows.Close()
	var out []models.StatusChange
	for rows.Next() {
		var c models.StatusChange
		if err := rows.Scan(&c.TripID, &c.From, &c.To, &c.Actor, &c.Note, &c.At); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateTrackingToken(ctx context.Context, tripID string) (string, error) {
	var token string
	err := p.db.QueryRowContext(ctx, `SELECT token FROM tracking_tokens WHERE trip_id=$1`, tripID).Scan(&token)
	if err == nil {
		return token, nil // one active token per trip
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", mapPQError(err)
	}
	if _, err := p.GetTrip(ctx, tripID); err != nil {
		return "", err
	}
	token = newToken()
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO tracking_tokens (token, trip_id, created_at) VALUES ($1,$2,$3)`, token, tripID, time.Now().UTC())
	return token, mapPQError(err)
}

func (p *PostgresStore) TripByTrackingToken(ctx context.Context, token string) (*models.Trip, error) {
	var tripID string
	err := p.db.QueryRowContext(ctx, `SELECT trip_id FROM tracking_tokens WHERE token=$1`, token).Scan(&tripID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, mapPQError(err)
	}
	return p.GetTrip(ctx, tripID)
}

func (p *PostgresStore) appendHistory(ctx context.Context, tripID string, from, to models.TripStatus, actor, note string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trip_status_history (trip_id, from_status, to_status, actor, note, at) VALUES ($1,$2,$3,$4,$5,$6)`,
		tripID, string(from), string(to), actor, note, at)
	return mapPQError(err)
}

func (p *PostgresStore) queryTrips(ctx context.Context, q string, args ...any) ([]*models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapPQError(err)
	}
	defer rows.Close()
	var out []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	t := &models.Trip{}
	var workerID, holdID sql.NullString
	var finalFare sql.NullInt64
	var scheduledAt, searchingAt, assignedAt, arrivedAt, startedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(&t.ID, &t.RequesterID, &workerID, &t.Status,
		&t.Pickup.Lat, &t.Pickup.Lng, &t.PickupAddress, &t.Dropoff.Lat, &t.Dropoff.Lng, &t.DropoffAddress,
		&t.VehicleType, &t.EstimatedFare, &finalFare, &t.Currency, &t.PaymentMethod, &holdID, &scheduledAt,
		&searchingAt, &assignedAt, &arrivedAt, &startedAt, &completedAt, &cancelledAt,
		&t.CancelReason, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, mapPQError(err)
	}
	if workerID.Valid {
		t.WorkerID = &workerID.String
	}
	if holdID.Valid {
		t.HoldID = &holdID.String
	}
	if finalFare.Valid {
		t.FinalFare = &finalFare.Int64
	}
	t.ScheduledAt = nullTimePtr(scheduledAt)
	t.SearchingAt = nullTimePtr(searchingAt)
	t.AssignedAt = nullTimePtr(assignedAt)
	t.ArrivedAt = nullTimePtr(arrivedAt)
	t.StartedAt = nullTimePtr(startedAt)
	t.CompletedAt = nullTimePtr(completedAt)
	t.CancelledAt = nullTimePtr(cancelledAt)
	return t, nil
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := v.Time
	return &ts
}

func milestoneColumn(to models.TripStatus) string {
	switch to {
	case models.StatusSearching:
		return "searching_at"
	case models.StatusAssigned:
		return "assigned_at"
	case models.StatusArrivedPickup:
		return "arrived_at"
	case models.StatusInProgress:
		return "started_at"
	case models.StatusCompleted:
		return "completed_at"
	case models.StatusCancelled:
		return "cancelled_at"
	}
	return ""
}

// mapPQError folds serialization and deadlock failures into ErrConflict
// so callers can retry them uniformly.
func mapPQError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return ErrConflict
		}
	}
	return err
}
