package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-presence/internal/models"
)

const recordKeyPrefix = "onlineDriver:details:"

// RecordStore holds per-driver presence metadata. Records are scoped to
// the current calendar day: an upsert always re-arms the expiry to local
// midnight so abandoned sessions age out on their own.
type RecordStore interface {
	Upsert(ctx context.Context, p models.DriverPresence) error
	Get(ctx context.Context, driverID string) (models.DriverPresence, bool, error)
	Remove(ctx context.Context, driverID string) error
}

// RedisRecords stores each presence record as a hash with typed fields.
type RedisRecords struct {
	client *redis.Client
	loc    *time.Location
	now    func() time.Time
}

func NewRedisRecords(client *redis.Client, loc *time.Location) *RedisRecords {
	if loc == nil {
		loc = time.Local
	}
	return &RedisRecords{client: client, loc: loc, now: time.Now}
}

func recordKey(driverID string) string { return recordKeyPrefix + driverID }

// Upsert fully replaces the record and sets its expiry to the end of the
// current calendar day. DEL, HSET and EXPIRE run in one MULTI/EXEC so a
// reader never observes a half-written record.
func (r *RedisRecords) Upsert(ctx context.Context, p models.DriverPresence) error {
	key := recordKey(p.DriverID)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, encodeRecord(p))
	pipe.Expire(ctx, key, r.untilMidnight())
	if _, err := pipe.Exec(ctx); err != nil {
		return WrapErr(err)
	}
	return nil
}

func (r *RedisRecords) Get(ctx context.Context, driverID string) (models.DriverPresence, bool, error) {
	data, err := r.client.HGetAll(ctx, recordKey(driverID)).Result()
	if err != nil {
		return models.DriverPresence{}, false, WrapErr(err)
	}
	if len(data) == 0 {
		return models.DriverPresence{}, false, nil
	}
	p, err := decodeRecord(data)
	if err != nil {
		return models.DriverPresence{}, false, err
	}
	return p, true, nil
}

func (r *RedisRecords) Remove(ctx context.Context, driverID string) error {
	if err := r.client.Del(ctx, recordKey(driverID)).Err(); err != nil {
		return WrapErr(err)
	}
	return nil
}

func (r *RedisRecords) untilMidnight() time.Duration {
	now := r.now().In(r.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.loc).AddDate(0, 0, 1)
	return midnight.Sub(now)
}

func encodeRecord(p models.DriverPresence) map[string]interface{} {
	return map[string]interface{}{
		"driverId":       p.DriverID,
		"driverNumber":   p.DriverNumber,
		"name":           p.Name,
		"vehicleModel":   p.VehicleModel,
		"vehicleNumber":  p.VehicleNumber,
		"driverPhoto":    p.DriverPhoto,
		"rating":         strconv.FormatFloat(p.Rating, 'f', -1, 64),
		"cancelledRides": strconv.Itoa(p.CancelledRides),
		"stripeId":       p.StripeID,
		"stripeLinkUrl":  p.StripeLinkURL,
		"sessionStart":   strconv.FormatInt(p.SessionStart.Unix(), 10),
		"lastSeen":       strconv.FormatInt(p.LastSeen.Unix(), 10),
	}
}

// decodeRecord parses the stored hash back into a typed record. Fields
// that fail to parse mark the whole record corrupt; callers must not see
// a half-trusted presence.
func decodeRecord(data map[string]string) (models.DriverPresence, error) {
	id := data["driverId"]
	if id == "" {
		return models.DriverPresence{}, fmt.Errorf("%w: missing driverId", ErrCorruptRecord)
	}
	rating, err := strconv.ParseFloat(data["rating"], 64)
	if err != nil {
		return models.DriverPresence{}, fmt.Errorf("%w: rating %q", ErrCorruptRecord, data["rating"])
	}
	cancelled, err := strconv.Atoi(data["cancelledRides"])
	if err != nil {
		return models.DriverPresence{}, fmt.Errorf("%w: cancelledRides %q", ErrCorruptRecord, data["cancelledRides"])
	}
	sessionStart, err := strconv.ParseInt(data["sessionStart"], 10, 64)
	if err != nil {
		return models.DriverPresence{}, fmt.Errorf("%w: sessionStart %q", ErrCorruptRecord, data["sessionStart"])
	}
	lastSeen, err := strconv.ParseInt(data["lastSeen"], 10, 64)
	if err != nil {
		return models.DriverPresence{}, fmt.Errorf("%w: lastSeen %q", ErrCorruptRecord, data["lastSeen"])
	}
	return models.DriverPresence{
		DriverID:       id,
		DriverNumber:   data["driverNumber"],
		Name:           data["name"],
		VehicleModel:   data["vehicleModel"],
		VehicleNumber:  data["vehicleNumber"],
		DriverPhoto:    data["driverPhoto"],
		Rating:         rating,
		CancelledRides: cancelled,
		StripeID:       data["stripeId"],
		StripeLinkURL:  data["stripeLinkUrl"],
		SessionStart:   time.Unix(sessionStart, 0),
		LastSeen:       time.Unix(lastSeen, 0),
	}, nil
}
