// Package profiles is the durable account collaborator. The presence
// core never touches it; the API layer reads profiles here to seed
// go-online requests and writes payout linkage back.
package profiles

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/driver-presence/internal/models"
)

// Store defines the persistence operations for driver profiles.
type Store interface {
	Upsert(ctx context.Context, p models.DriverProfile) error
	Get(ctx context.Context, driverID string) (models.DriverProfile, bool, error)
	SetPayoutLink(ctx context.Context, driverID, stripeID, linkURL string) error
}

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

func (p *PostgresStore) Upsert(ctx context.Context, d models.DriverProfile) error {
	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO driver_profiles(driver_id, driver_number, name, email, vehicle_model, vehicle_number, driver_photo, rating, cancelled_rides, stripe_id, stripe_link_url, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		ON CONFLICT (driver_id) DO UPDATE SET
			driver_number = EXCLUDED.driver_number,
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			vehicle_model = EXCLUDED.vehicle_model,
			vehicle_number = EXCLUDED.vehicle_number,
			driver_photo = EXCLUDED.driver_photo,
			rating = EXCLUDED.rating,
			cancelled_rides = EXCLUDED.cancelled_rides,
			updated_at = EXCLUDED.updated_at`,
		d.DriverID, d.DriverNumber, d.Name, d.Email, d.VehicleModel, d.VehicleNumber,
		d.DriverPhoto, d.Rating, d.CancelledRides, d.StripeID, d.StripeLinkURL, now)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, driverID string) (models.DriverProfile, bool, error) {
	var d models.DriverProfile
	err := p.db.QueryRowContext(ctx, `
		SELECT driver_id, driver_number, name, email, vehicle_model, vehicle_number, driver_photo, rating, cancelled_rides, COALESCE(stripe_id, ''), COALESCE(stripe_link_url, ''), created_at, updated_at
		FROM driver_profiles WHERE driver_id = $1`, driverID).
		Scan(&d.DriverID, &d.DriverNumber, &d.Name, &d.Email, &d.VehicleModel, &d.VehicleNumber,
			&d.DriverPhoto, &d.Rating, &d.CancelledRides, &d.StripeID, &d.StripeLinkURL, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.DriverProfile{}, false, nil
	}
	if err != nil {
		return models.DriverProfile{}, false, err
	}
	return d, true, nil
}

func (p *PostgresStore) SetPayoutLink(ctx context.Context, driverID, stripeID, linkURL string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE driver_profiles SET stripe_id=$1, stripe_link_url=$2, updated_at=$3 WHERE driver_id=$4`,
		stripeID, linkURL, time.Now(), driverID)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
