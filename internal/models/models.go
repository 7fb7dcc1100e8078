package models

import "time"

// Coordinates is a WGS84 position in degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DriverPresence is the ephemeral record describing a currently online
// driver. It is created on go-online, expires at the end of the calendar
// day, and is deleted on go-offline.
type DriverPresence struct {
	DriverID       string    `json:"driver_id"`
	DriverNumber   string    `json:"driver_number"`
	Name           string    `json:"name"`
	VehicleModel   string    `json:"vehicle_model"`
	VehicleNumber  string    `json:"vehicle_number"`
	DriverPhoto    string    `json:"driver_photo"`
	Rating         float64   `json:"rating"` // 0..5
	CancelledRides int       `json:"cancelled_rides"`
	StripeID       string    `json:"stripe_id,omitempty"`
	StripeLinkURL  string    `json:"stripe_link_url,omitempty"`
	SessionStart   time.Time `json:"session_start"`
	LastSeen       time.Time `json:"last_seen"`
}

// NearbyDriver is one row of a radius search against a spatial pool.
type NearbyDriver struct {
	DriverID   string      `json:"driver_id"`
	DistanceKm float64     `json:"distance_km"`
	Location   Coordinates `json:"location"`
}

// DriverPreview joins a nearby search hit with its presence metadata
// into a dispatch-ready shape.
type DriverPreview struct {
	DriverID      string      `json:"driver_id"`
	Name          string      `json:"name"`
	DistanceKm    float64     `json:"distance_km"`
	Location      Coordinates `json:"location"`
	VehicleModel  string      `json:"vehicle_model"`
	VehicleNumber string      `json:"vehicle_number"`
	Rating        float64     `json:"rating"`
}

// DriverProfile is the durable account/profile document. Presence records
// are the daily ephemeral projection of it.
type DriverProfile struct {
	DriverID       string    `json:"driver_id"`
	DriverNumber   string    `json:"driver_number"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	VehicleModel   string    `json:"vehicle_model"`
	VehicleNumber  string    `json:"vehicle_number"`
	DriverPhoto    string    `json:"driver_photo"`
	Rating         float64   `json:"rating"`
	CancelledRides int       `json:"cancelled_rides"`
	StripeID       string    `json:"stripe_id,omitempty"`
	StripeLinkURL  string    `json:"stripe_link_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
