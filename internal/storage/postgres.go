package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements DispatchStore on database/sql + lib/pq.
// Every multi-record operation runs in one transaction with
// WHERE-guarded updates, so a lost optimistic race surfaces as zero
// rows affected rather than a partial write.
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

func (p *PostgresStore) Close() error { return p.db.Close() }

const tripColumns = `id, rider_id, rider_name, pickup_lat, pickup_lon, drop_lat, drop_lon,
	vehicle_class, payment_intent_id, status, driver_id, round, round_deadline, radius_m,
	fare_estimate, final_fare, cancel_fee, verification_code, verification_expiry,
	verification_used, scheduled_at, cancel_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var t models.Trip
	var driverID, paymentIntent, cancelReason sql.NullString
	var roundDeadline, scheduledAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.RiderID, &t.RiderName, &t.Pickup.Lat, &t.Pickup.Lon, &t.Drop.Lat, &t.Drop.Lon,
		&t.VehicleClass, &paymentIntent, &t.Status, &driverID, &t.Round, &roundDeadline, &t.RadiusM,
		&t.FareEstimate, &t.FinalFare, &t.CancelFee, &t.VerificationCode, &t.VerificationExpiry,
		&t.VerificationUsed, &scheduledAt, &cancelReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.DriverID = driverID.String
	t.PaymentIntentID = paymentIntent.String
	t.CancelReason = cancelReason.String
	if roundDeadline.Valid {
		t.RoundDeadline = &roundDeadline.Time
	}
	if scheduledAt.Valid {
		t.ScheduledAt = &scheduledAt.Time
	}
	return &t, nil
}

func nullStr(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trips (`+tripColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		t.ID, t.RiderID, t.RiderName, t.Pickup.Lat, t.Pickup.Lon, t.Drop.Lat, t.Drop.Lon,
		t.VehicleClass, nullStr(t.PaymentIntentID), t.Status, nullStr(t.DriverID), t.Round,
		nullTime(t.RoundDeadline), t.RadiusM, t.FareEstimate, t.FinalFare, t.CancelFee,
		t.VerificationCode, t.VerificationExpiry, t.VerificationUsed, nullTime(t.ScheduledAt),
		nullStr(t.CancelReason), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id)
	return scanTrip(row)
}

func (p *PostgresStore) MarkSearching(ctx context.Context, tripID string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE trips SET status=$1, updated_at=now()
		WHERE id=$2 AND status IN ($3,$4)
		RETURNING `+tripColumns,
		models.TripSearching, tripID, models.TripInitiated, models.TripScheduled)
	t, err := scanTrip(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidState
	}
	return t, err
}

func (p *PostgresStore) OpenRound(ctx context.Context, tripID string, round int, radiusM float64, deadline, offerExpiry time.Time, driverIDs []string) ([]models.Offer, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE trips SET round=$1, radius_m=$2, round_deadline=$3, updated_at=now()
		WHERE id=$4 AND status=$5 AND round=$6`,
		round, radiusM, deadline, tripID, models.TripSearching, round-1)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrRoundMoved
	}

	created := make([]models.Offer, 0, len(driverIDs))
	now := time.Now()
	for _, driverID := range driverIDs {
		// (trip_id, driver_id) primary key keeps retried rounds from
		// re-offering to a driver that already responded
		res, err := tx.ExecContext(ctx, `
			INSERT INTO offers (trip_id, driver_id, round, status, expires_at, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (trip_id, driver_id) DO NOTHING`,
			tripID, driverID, round, models.OfferPending, offerExpiry, now)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created = append(created, models.Offer{
				TripID: tripID, DriverID: driverID, Round: round,
				Status: models.OfferPending, ExpiresAt: offerExpiry, CreatedAt: now,
			})
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func (p *PostgresStore) AcceptOffer(ctx context.Context, tripID, driverID string, lockTTL time.Duration, now time.Time) (*AcceptResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// the trip row is written first so every accept for a trip queues on
	// the same row lock before touching any offer rows; rival
	// transactions can never hold each other's offers in a cycle
	res, err := tx.ExecContext(ctx, `
		UPDATE trips SET status=$1, driver_id=$2, round_deadline=NULL, updated_at=$3
		WHERE id=$4 AND status=$5`,
		models.TripDriverAssigned, driverID, now, tripID, models.TripSearching)
	if err != nil {
		return nil, mapConcurrencyErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, p.classifyAcceptFailure(ctx, tripID, driverID, now)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE offers SET status=$1, responded_at=$2
		WHERE trip_id=$3 AND driver_id=$4 AND status=$5 AND expires_at > $2`,
		models.OfferAccepted, now, tripID, driverID, models.OfferPending)
	if err != nil {
		return nil, mapConcurrencyErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// rollback drops the assignment; the offer was gone or expired
		return nil, p.classifyAcceptFailure(ctx, tripID, driverID, now)
	}

	until := now.Add(lockTTL)
	res, err = tx.ExecContext(ctx, `
		UPDATE drivers SET is_locked=true, locked_until=$1, availability=$2, current_trip_id=$3, updated=$4
		WHERE id=$5 AND is_locked=false AND online=true AND availability=$6`,
		until, models.DriverOnTrip, tripID, now, driverID, models.DriverAvailable)
	if err != nil {
		return nil, mapConcurrencyErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrDriverUnavailable
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE offers SET status=$1
		WHERE trip_id=$2 AND driver_id<>$3 AND status=$4
		RETURNING driver_id`,
		models.OfferSuperseded, tripID, driverID, models.OfferPending)
	if err != nil {
		return nil, mapConcurrencyErr(err)
	}
	superseded, err := collectStrings(rows)
	if err != nil {
		return nil, err
	}

	trip, err := scanTrip(tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, tripID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}
	return &AcceptResult{Trip: trip, SupersededDriverIDs: superseded}, nil
}

// mapConcurrencyErr resolves serialization aborts (40001) and deadlocks
// (40P01) as a lost auction: if postgres killed this transaction, a
// rival accept held the rows it wanted.
func mapConcurrencyErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01") {
		return ErrAlreadyTaken
	}
	return err
}

// classifyAcceptFailure turns a zero-row accept into the outcome the
// driver's UI needs: distinguish a vanished/expired offer from a lost
// auction. Read-only, runs outside the aborted transaction.
func (p *PostgresStore) classifyAcceptFailure(ctx context.Context, tripID, driverID string, now time.Time) error {
	var status models.OfferStatus
	var expiresAt time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT status, expires_at FROM offers WHERE trip_id=$1 AND driver_id=$2`,
		tripID, driverID).Scan(&status, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == models.OfferExpired || (status == models.OfferPending && now.After(expiresAt)) {
		return ErrOfferExpired
	}
	return ErrAlreadyTaken
}

func (p *PostgresStore) RejectOffer(ctx context.Context, tripID, driverID string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status=$1, responded_at=$2
		WHERE trip_id=$3 AND driver_id=$4 AND status=$5`,
		models.OfferRejected, now, tripID, driverID, models.OfferPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM offers WHERE trip_id=$1 AND driver_id=$2)`,
			tripID, driverID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		// response already recorded one way or another
	}
	return nil
}

func (p *PostgresStore) OffersByTrip(ctx context.Context, tripID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT trip_id, driver_id, round, status, expires_at, responded_at, created_at
		FROM offers WHERE trip_id=$1`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		var o models.Offer
		var respondedAt sql.NullTime
		if err := rows.Scan(&o.TripID, &o.DriverID, &o.Round, &o.Status, &o.ExpiresAt, &respondedAt, &o.CreatedAt); err != nil {
			return nil, err
		}
		if respondedAt.Valid {
			o.RespondedAt = &respondedAt.Time
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CancelTrip(ctx context.Context, tripID, actor string, feePct float64, reason string, now time.Time) (*CancelResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// the CASE reads the status this UPDATE locks, so an accept that
	// committed after the caller last looked still produces a fee
	row := tx.QueryRowContext(ctx, `
		UPDATE trips SET status=$1,
			cancel_fee=CASE WHEN $2 AND status=$3 THEN ROUND(fare_estimate * $4 / 100.0)::bigint ELSE 0 END,
			cancel_reason=$5, round_deadline=NULL, updated_at=$6
		WHERE id=$7 AND status IN ($8,$9,$10)
		RETURNING `+tripColumns,
		models.TripCancelled, actor == "rider", models.TripDriverAssigned, feePct,
		nullStr(reason), now, tripID,
		models.TripInitiated, models.TripSearching, models.TripDriverAssigned)
	trip, err := scanTrip(row)
	if errors.Is(err, ErrNotFound) {
		// distinguish a missing trip from an uncancellable one
		if _, gerr := scanTrip(tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, tripID)); gerr != nil {
			return nil, gerr
		}
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, err
	}

	res := &CancelResult{Trip: trip}
	if trip.DriverID != "" {
		var releasedID string
		err := tx.QueryRowContext(ctx, `
			UPDATE drivers SET is_locked=false, locked_until=NULL, current_trip_id=NULL,
				availability=CASE WHEN online THEN $1 ELSE $2 END, updated=$3
			WHERE id=$4 AND is_locked=true AND current_trip_id=$5
			RETURNING id`,
			models.DriverAvailable, models.DriverOffline, now, trip.DriverID, tripID).Scan(&releasedID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		res.ReleasedDriverID = releasedID
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE offers SET status=$1 WHERE trip_id=$2 AND status=$3 RETURNING driver_id`,
		models.OfferCancelled, tripID, models.OfferPending)
	if err != nil {
		return nil, err
	}
	res.NotifiedDriverIDs, err = collectStrings(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *PostgresStore) MarkArrived(ctx context.Context, tripID, driverID string, now time.Time) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE trips SET status=$1, updated_at=$2
		WHERE id=$3 AND status=$4 AND driver_id=$5
		RETURNING `+tripColumns,
		models.TripArrived, now, tripID, models.TripDriverAssigned, driverID)
	t, err := scanTrip(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidState
	}
	return t, err
}

func (p *PostgresStore) StartTrip(ctx context.Context, tripID, driverID, code string, now time.Time) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE trips SET status=$1, verification_used=true, updated_at=$2
		WHERE id=$3 AND status=$4 AND driver_id=$5
		  AND verification_code=$6 AND verification_used=false AND verification_expiry > $2
		RETURNING `+tripColumns,
		models.TripInProgress, now, tripID, models.TripArrived, driverID, code)
	t, err := scanTrip(row)
	if !errors.Is(err, ErrNotFound) {
		return t, err
	}
	// zero rows: classify for the caller
	cur, gerr := p.GetTrip(ctx, tripID)
	if gerr != nil {
		return nil, gerr
	}
	switch {
	case cur.Status != models.TripArrived || cur.DriverID != driverID:
		return nil, ErrInvalidState
	case cur.VerificationUsed || now.After(cur.VerificationExpiry):
		return nil, ErrCodeExpired
	default:
		return nil, ErrCodeMismatch
	}
}

func (p *PostgresStore) CompleteTrip(ctx context.Context, tripID, driverID string, finalFare int64, now time.Time) (*models.Trip, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE trips SET status=$1, final_fare=$2, updated_at=$3
		WHERE id=$4 AND status=$5 AND driver_id=$6
		RETURNING `+tripColumns,
		models.TripCompleted, finalFare, now, tripID, models.TripInProgress, driverID)
	t, err := scanTrip(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE drivers SET is_locked=false, locked_until=NULL, current_trip_id=NULL,
			availability=CASE WHEN online THEN $1 ELSE $2 END, updated=$3
		WHERE id=$4 AND is_locked=true AND current_trip_id=$5`,
		models.DriverAvailable, models.DriverOffline, now, driverID, tripID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) SettleTrip(ctx context.Context, tripID string, now time.Time) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE trips SET status=$1, updated_at=$2
		WHERE id=$3 AND status=$4
		RETURNING `+tripColumns,
		models.TripSettled, now, tripID, models.TripCompleted)
	t, err := scanTrip(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidState
	}
	return t, err
}

func (p *PostgresStore) DueSearchingTrips(ctx context.Context, now time.Time, limit int) ([]models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE status=$1 AND (round_deadline IS NULL OR round_deadline < $2)
		ORDER BY round_deadline ASC NULLS FIRST LIMIT $3`,
		models.TripSearching, now, limit)
	if err != nil {
		return nil, err
	}
	return collectTrips(rows)
}

func (p *PostgresStore) DueScheduledTrips(ctx context.Context, now time.Time, lead time.Duration, limit int) ([]models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE status=$1 AND scheduled_at IS NOT NULL AND scheduled_at < $2
		ORDER BY scheduled_at ASC LIMIT $3`,
		models.TripScheduled, now.Add(lead), limit)
	if err != nil {
		return nil, err
	}
	return collectTrips(rows)
}

func (p *PostgresStore) HasLivePendingOffers(ctx context.Context, tripID string, now time.Time) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM offers WHERE trip_id=$1 AND status=$2 AND expires_at > $3)`,
		tripID, models.OfferPending, now).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ExpirePendingOffers(ctx context.Context, tripID string, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status=$1 WHERE trip_id=$2 AND status=$3 AND expires_at <= $4`,
		models.OfferExpired, tripID, models.OfferPending, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) MarkUnfulfilled(ctx context.Context, tripID string, now time.Time) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE trips SET status=$1, round_deadline=NULL, updated_at=$2
		WHERE id=$3 AND status=$4
		RETURNING `+tripColumns,
		models.TripUnfulfilled, now, tripID, models.TripSearching)
	t, err := scanTrip(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrRoundMoved
	}
	return t, err
}

func (p *PostgresStore) DeleteStaleOffers(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM offers WHERE status <> $1 AND created_at < $2`,
		models.OfferAccepted, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) ReleaseStaleLocks(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE drivers SET is_locked=false, locked_until=NULL, current_trip_id=NULL,
			availability=CASE WHEN online THEN $1 ELSE $2 END, updated=$3
		WHERE is_locked=true AND (
			locked_until < $3
			OR current_trip_id IN (SELECT id FROM trips WHERE status IN ($4,$5,$6))
		)
		RETURNING id`,
		models.DriverAvailable, models.DriverOffline, now,
		models.TripSettled, models.TripCancelled, models.TripUnfulfilled)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func (p *PostgresStore) UpsertDriverHeartbeat(ctx context.Context, hb models.Heartbeat, now time.Time) (*models.DriverState, error) {
	availability := models.DriverOffline
	if hb.Online {
		availability = models.DriverAvailable
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO drivers (id, lat, lon, vehicle_class, online, approved, availability, is_locked, updated)
		VALUES ($1,$2,$3,$4,$5,true,$6,false,$7)
		ON CONFLICT (id) DO UPDATE SET
			lat=EXCLUDED.lat, lon=EXCLUDED.lon, vehicle_class=EXCLUDED.vehicle_class,
			online=EXCLUDED.online, updated=EXCLUDED.updated,
			availability=CASE WHEN drivers.is_locked THEN drivers.availability ELSE EXCLUDED.availability END
		RETURNING id, lat, lon, vehicle_class, online, approved, availability, is_locked, locked_until, current_trip_id, updated`,
		hb.DriverID, hb.Loc.Lat, hb.Loc.Lon, hb.VehicleClass, hb.Online, availability, now)
	return scanDriver(row)
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.DriverState, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, lat, lon, vehicle_class, online, approved, availability, is_locked, locked_until, current_trip_id, updated
		FROM drivers WHERE id=$1`, id)
	return scanDriver(row)
}

func (p *PostgresStore) FilterEligible(ctx context.Context, ids []string, class models.VehicleClass) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM drivers
		WHERE id = ANY($1) AND online=true AND approved=true AND is_locked=false
		  AND availability=$2 AND vehicle_class=$3`,
		pq.Array(ids), models.DriverAvailable, class)
	if err != nil {
		return nil, err
	}
	matched, err := collectStrings(rows)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(matched))
	for _, id := range matched {
		set[id] = true
	}
	// keep the geo index's nearest-first ordering
	out := make([]string, 0, len(matched))
	for _, id := range ids {
		if set[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (p *PostgresStore) SetDriverApproval(ctx context.Context, id string, approved bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET approved=$1 WHERE id=$2`, approved, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetRate(ctx context.Context, class models.VehicleClass) (fare.Rate, error) {
	var r fare.Rate
	err := p.db.QueryRowContext(ctx, `
		SELECT vehicle_class, base_fare, per_km, commission_pct FROM pricing_rates WHERE vehicle_class=$1`,
		class).Scan(&r.Class, &r.BaseFare, &r.PerKm, &r.CommissionPct)
	if errors.Is(err, sql.ErrNoRows) {
		return fare.Rate{}, fare.ErrNoRate
	}
	return r, err
}

func (p *PostgresStore) PutRate(ctx context.Context, r fare.Rate) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pricing_rates (vehicle_class, base_fare, per_km, commission_pct)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (vehicle_class) DO UPDATE SET
			base_fare=EXCLUDED.base_fare, per_km=EXCLUDED.per_km, commission_pct=EXCLUDED.commission_pct`,
		r.Class, r.BaseFare, r.PerKm, r.CommissionPct)
	return err
}

func scanDriver(row rowScanner) (*models.DriverState, error) {
	var d models.DriverState
	var lockedUntil sql.NullTime
	var currentTrip sql.NullString
	err := row.Scan(&d.ID, &d.Loc.Lat, &d.Loc.Lon, &d.VehicleClass, &d.Online, &d.Approved,
		&d.Availability, &d.Locked, &lockedUntil, &currentTrip, &d.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		d.LockedUntil = &lockedUntil.Time
	}
	d.CurrentTripID = currentTrip.String
	return &d, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func collectTrips(rows *sql.Rows) ([]models.Trip, error) {
	defer rows.Close()
	var out []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
