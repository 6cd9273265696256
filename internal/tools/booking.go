// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skyguard-dev/skyguard/internal/agent"
	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const (
	BookingConfirmed = "confirmed"
	BookingCancelled = "cancelled"
	BookingPending   = "pending"
)

var (
	cabins    = []string{"economy", "premium_economy", "business", "first"}
	fareTypes = []string{"basic", "standard", "flexible"}
)

// BookingStatus tracks the lifecycle of a booking.
type BookingStatus struct {
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FlightBooking is one flight inside a booking.
type FlightBooking struct {
	FlightID         string   `json:"flight_id"`
	Cabin            string   `json:"cabin"`
	FareType         string   `json:"fare_type"`
	BasePrice        float64  `json:"base_price"`
	Currency         string   `json:"currency"`
	IncludedServices []string `json:"included_services"`
	PriceTotal       float64  `json:"price_total"`
}

// Booking is a reservation of one or more flights.
type Booking struct {
	BookingID  string          `json:"booking_id"`
	Flights    []FlightBooking `json:"flights"`
	Currency   string          `json:"currency"`
	Status     BookingStatus   `json:"status"`
	TotalPrice float64         `json:"total_price"`
}

// FareDetails describes one fare on a flight.
type FareDetails struct {
	FlightID         string        `json:"flight_id"`
	Cabin            string        `json:"cabin"`
	FareType         string        `json:"fare_type"`
	Price            float64       `json:"price"`
	Currency         string        `json:"currency"`
	SeatsAvailable   int           `json:"seats_available"`
	IncludedServices []string      `json:"included_services"`
	AvailableAddOns  []AddOnOption `json:"available_add_ons"`
}

// FlightStatus is the operational view of a flight.
type FlightStatus struct {
	FlightID           string  `json:"flight_id"`
	FlightNumber       string  `json:"flight_number"`
	Origin             string  `json:"origin"`
	Destination        string  `json:"destination"`
	Status             string  `json:"status"`
	DelayMinutes       int     `json:"delay_minutes"`
	DepartureTerminal  string  `json:"departure_terminal,omitempty"`
	DepartureGate      string  `json:"departure_gate,omitempty"`
	ArrivalTerminal    string  `json:"arrival_terminal,omitempty"`
	ArrivalGate        string  `json:"arrival_gate,omitempty"`
	ScheduledDeparture string  `json:"scheduled_departure"`
	ScheduledArrival   string  `json:"scheduled_arrival"`
	EstimatedDeparture *string `json:"estimated_departure"`
	Carrier            string  `json:"carrier"`
}

// Bookings implements the flight search and reservation tools.
type Bookings struct {
	catalog *Catalog
	store   store.BookingStore
	now     func() time.Time

	// mu serialises seat accounting across concurrent book_flights calls.
	mu    sync.Mutex
	taken map[string]int
}

// NewBookings creates the booking tools over a flight catalog and a
// booking store. now may be nil.
func NewBookings(catalog *Catalog, bookings store.BookingStore, now func() time.Time) *Bookings {
	if now == nil {
		now = time.Now
	}
	return &Bookings{catalog: catalog, store: bookings, now: now, taken: make(map[string]int)}
}

// Tools returns every booking tool.
func (b *Bookings) Tools() []agent.Tool {
	return []agent.Tool{
		define("search_flights",
			"Search available flights by route and date.",
			object([]string{"origin", "destination", "departure_date"}, map[string]any{
				"origin":         str(`IATA airport code (e.g., "SFO", "JFK")`),
				"destination":    str(`IATA airport code (e.g., "SFO", "JFK")`),
				"departure_date": str("Date in YYYY-MM-DD format"),
			}),
			func(_ context.Context, args struct {
				Origin        string `json:"origin"`
				Destination   string `json:"destination"`
				DepartureDate string `json:"departure_date"`
			}) (any, error) {
				return b.SearchFlights(args.Origin, args.Destination, args.DepartureDate)
			}),
		define("get_fare_details",
			"Get detailed fare information including what's included and available add-ons.",
			object([]string{"flight_id", "cabin"}, map[string]any{
				"flight_id": str("The flight ID"),
				"cabin":     enum("Cabin class", cabins...),
				"fare_type": enum("Fare type", fareTypes...),
			}),
			func(_ context.Context, args struct {
				FlightID string `json:"flight_id"`
				Cabin    string `json:"cabin"`
				FareType string `json:"fare_type"`
			}) (any, error) {
				return b.FareDetails(args.FlightID, args.Cabin, args.FareType)
			}),
		define("book_flights",
			"Book one or more flights for the current user.",
			object([]string{"flight_ids"}, map[string]any{
				"flight_ids": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "List of flight IDs to book",
				},
				"cabin":     enum("Cabin class. Defaults to economy.", cabins...),
				"fare_type": enum("Fare type. Defaults to basic.", fareTypes...),
			}),
			func(ctx context.Context, args struct {
				FlightIDs []string `json:"flight_ids"`
				Cabin     string   `json:"cabin"`
				FareType  string   `json:"fare_type"`
			}) (any, error) {
				return b.BookFlights(ctx, args.FlightIDs, args.Cabin, args.FareType)
			}),
		define("get_booking",
			"Retrieve a booking by its booking ID.",
			object([]string{"booking_id"}, map[string]any{
				"booking_id": str(`The booking ID (e.g., "BK-12345678")`),
			}),
			func(ctx context.Context, args struct {
				BookingID string `json:"booking_id"`
			}) (any, error) {
				return b.GetBooking(ctx, args.BookingID)
			}),
		define("get_my_bookings",
			"Retrieve all confirmed bookings for the current user.",
			object(nil, map[string]any{}),
			func(ctx context.Context, _ struct{}) (any, error) {
				return b.MyBookings(ctx)
			}),
		define("get_flight_status",
			"Get current flight status including gates, terminals, delays, etc.",
			object([]string{"flight_id"}, map[string]any{
				"flight_id": str("The flight ID"),
			}),
			func(_ context.Context, args struct {
				FlightID string `json:"flight_id"`
			}) (any, error) {
				return b.FlightStatus(args.FlightID)
			}),
		define("get_current_date",
			"Get the current date and time.",
			object(nil, map[string]any{}),
			func(_ context.Context, _ struct{}) (any, error) {
				now := b.now()
				return map[string]string{
					"date":     now.Format(time.DateOnly),
					"datetime": now.Format(time.RFC3339),
				}, nil
			}),
	}
}

// SearchFlights lists flights on a route for a YYYY-MM-DD date.
func (b *Bookings) SearchFlights(origin, destination, departureDate string) ([]*Flight, error) {
	date, err := time.Parse(time.DateOnly, departureDate)
	if err != nil {
		return nil, skyerr.New(skyerr.CodeAgentToolInvalidArgs, "Invalid departure_date: "+departureDate)
	}
	return b.catalog.Search(strings.ToUpper(origin), strings.ToUpper(destination), date), nil
}

// FareDetails describes one fare and the add-ons sold on its flight.
func (b *Bookings) FareDetails(flightID, cabin, fareType string) (*FareDetails, error) {
	if fareType == "" {
		fareType = "basic"
	}
	flight, fare, err := b.lookupFare(flightID, cabin, fareType)
	if err != nil {
		return nil, err
	}
	addOns := flight.AddOns
	if addOns == nil {
		addOns = []AddOnOption{}
	}
	return &FareDetails{
		FlightID:         flightID,
		Cabin:            cabin,
		FareType:         fareType,
		Price:            fare.PriceTotal,
		Currency:         fare.Currency,
		SeatsAvailable:   fare.SeatsAvailable - b.seatsTaken(flightID, cabin, fareType),
		IncludedServices: includedServices(fare),
		AvailableAddOns:  addOns,
	}, nil
}

// BookFlights reserves every flight in one confirmed booking. Either all
// flights are booked or none are.
func (b *Bookings) BookFlights(ctx context.Context, flightIDs []string, cabin, fareType string) (*Booking, error) {
	if len(flightIDs) == 0 {
		return nil, skyerr.New(skyerr.CodeAgentToolInvalidArgs, "At least one flight ID must be provided")
	}
	if cabin == "" {
		cabin = "economy"
	}
	if fareType == "" {
		fareType = "basic"
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	booking := &Booking{
		BookingID: "BK-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8]),
		Currency:  "USD",
		Status:    BookingStatus{Status: BookingConfirmed, CreatedAt: now, UpdatedAt: now},
	}
	for _, id := range flightIDs {
		_, fare, err := b.lookupFare(id, cabin, fareType)
		if err != nil {
			return nil, err
		}
		if fare.SeatsAvailable-b.taken[seatKey(id, cabin, fareType)] <= 0 {
			return nil, skyerr.New(skyerr.CodeAgentToolFailure,
				fmt.Sprintf("No seats available for fare '%s' in %s cabin for flight %s", fareType, cabin, id))
		}
		booking.Flights = append(booking.Flights, FlightBooking{
			FlightID:         id,
			Cabin:            cabin,
			FareType:         fareType,
			BasePrice:        fare.PriceTotal,
			Currency:         fare.Currency,
			IncludedServices: includedServices(fare),
			PriceTotal:       fare.PriceTotal,
		})
		booking.TotalPrice += fare.PriceTotal
		booking.Currency = fare.Currency
	}

	payload, err := json.Marshal(booking)
	if err != nil {
		return nil, skyerr.Wrap(err, skyerr.CodeAgentToolFailure, "encoding booking")
	}
	if err := b.store.PutBooking(ctx, &store.Booking{
		ID:        booking.BookingID,
		Status:    BookingConfirmed,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	for _, fb := range booking.Flights {
		b.taken[seatKey(fb.FlightID, cabin, fareType)]++
	}
	return booking, nil
}

// Reset removes every booking and frees all seats.
func (b *Bookings) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.store.ResetBookings(ctx); err != nil {
		return err
	}
	clear(b.taken)
	return nil
}

// GetBooking loads a booking by id.
func (b *Bookings) GetBooking(ctx context.Context, id string) (*Booking, error) {
	rec, err := b.store.GetBooking(ctx, id)
	if err != nil {
		if skyerr.IsNotFound(err) {
			return nil, skyerr.New(skyerr.CodeStoreBookingNotFound, "Booking not found: "+id)
		}
		return nil, err
	}
	return decodeBooking(rec)
}

// MyBookings lists confirmed bookings.
func (b *Bookings) MyBookings(ctx context.Context) ([]*Booking, error) {
	recs, err := b.store.ListBookings(ctx, BookingConfirmed)
	if err != nil {
		return nil, err
	}
	out := make([]*Booking, 0, len(recs))
	for _, rec := range recs {
		bk, err := decodeBooking(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, bk)
	}
	return out, nil
}

// FlightStatus derives the operational status from the clock.
func (b *Bookings) FlightStatus(flightID string) (*FlightStatus, error) {
	flight, ok := b.catalog.Get(flightID)
	if !ok {
		return nil, skyerr.New(skyerr.CodeAgentToolInvalidArgs, "Flight not found: "+flightID)
	}

	departure := flight.Departure.Add(time.Duration(flight.DelayMinutes) * time.Minute)
	untilDeparture := departure.Sub(b.now())

	status := "on_time"
	switch {
	case flight.Cancelled:
		status = "cancelled"
	case untilDeparture < 0:
		status = "departed"
	case untilDeparture < 15*time.Minute:
		status = "boarding"
	case flight.DelayMinutes > 0:
		status = "delayed"
	}

	fs := &FlightStatus{
		FlightID:           flight.ID,
		FlightNumber:       flight.FlightNumber,
		Origin:             flight.Origin,
		Destination:        flight.Destination,
		Status:             status,
		DelayMinutes:       flight.DelayMinutes,
		DepartureTerminal:  flight.DepartureTerminal,
		DepartureGate:      flight.DepartureGate,
		ArrivalTerminal:    flight.ArrivalTerminal,
		ArrivalGate:        flight.ArrivalGate,
		ScheduledDeparture: flight.Departure.Format(time.RFC3339),
		ScheduledArrival:   flight.Arrival.Format(time.RFC3339),
		Carrier:            flight.Carrier,
	}
	if flight.DelayMinutes > 0 {
		est := departure.Format(time.RFC3339)
		fs.EstimatedDeparture = &est
	}
	return fs, nil
}

func (b *Bookings) lookupFare(flightID, cabin, fareType string) (*Flight, Fare, error) {
	flight, ok := b.catalog.Get(flightID)
	if !ok {
		return nil, Fare{}, skyerr.New(skyerr.CodeAgentToolInvalidArgs, "Flight not found: "+flightID)
	}
	fare, ok := flight.fare(cabin, fareType)
	if !ok {
		return nil, Fare{}, skyerr.New(skyerr.CodeAgentToolInvalidArgs, fmt.Sprintf(
			"Fare '%s' in '%s' cabin not available for flight %s. Available fares: %v",
			fareType, cabin, flightID, flight.fareKeys()))
	}
	return flight, fare, nil
}

func (b *Bookings) seatsTaken(flightID, cabin, fareType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.taken[seatKey(flightID, cabin, fareType)]
}

func seatKey(flightID, cabin, fareType string) string {
	return flightID + "|" + cabin + "|" + fareType
}

func includedServices(f Fare) []string {
	out := []string{}
	if f.IncludedCarryOn {
		out = append(out, "carry_on")
	}
	if f.IncludedCheckedBag {
		out = append(out, "checked_bag")
	}
	return out
}

func decodeBooking(rec *store.Booking) (*Booking, error) {
	var bk Booking
	if err := json.Unmarshal(rec.Payload, &bk); err != nil {
		return nil, skyerr.Wrap(err, skyerr.CodeStoreDatabaseFailure, "decoding booking "+rec.ID)
	}
	bk.Status.Status = rec.Status
	return &bk, nil
}
