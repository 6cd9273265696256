// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package tools

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// Fare is one purchasable cabin/fare bundle on a flight.
type Fare struct {
	Cabin              string  `yaml:"cabin" json:"cabin"`
	FareType           string  `yaml:"fare_type" json:"fare_type"`
	PriceTotal         float64 `yaml:"price_total" json:"price_total"`
	Currency           string  `yaml:"currency" json:"currency"`
	SeatsAvailable     int     `yaml:"seats_available" json:"seats_available"`
	IncludedCarryOn    bool    `yaml:"included_carry_on" json:"included_carry_on"`
	IncludedCheckedBag bool    `yaml:"included_checked_bag" json:"included_checked_bag"`
}

// AddOnOption is a service that can be bought on top of a fare.
type AddOnOption struct {
	ServiceType string  `yaml:"service_type" json:"service_type"`
	Price       float64 `yaml:"price" json:"price"`
	Currency    string  `yaml:"currency" json:"currency"`
	Description string  `yaml:"description" json:"description"`
}

// Flight is one scheduled flight in the catalog.
type Flight struct {
	ID                string        `yaml:"id" json:"id"`
	Origin            string        `yaml:"origin" json:"origin"`
	Destination       string        `yaml:"destination" json:"destination"`
	Departure         time.Time     `yaml:"departure" json:"departure"`
	Arrival           time.Time     `yaml:"arrival" json:"arrival"`
	FlightNumber      string        `yaml:"flight_number" json:"flight_number"`
	Carrier           string        `yaml:"carrier" json:"carrier"`
	Fares             []Fare        `yaml:"fares" json:"fares"`
	AddOns            []AddOnOption `yaml:"add_ons" json:"add_ons"`
	DelayMinutes      int           `yaml:"delay_minutes,omitempty" json:"delay_minutes,omitempty"`
	DepartureTerminal string        `yaml:"departure_terminal,omitempty" json:"departure_terminal,omitempty"`
	DepartureGate     string        `yaml:"departure_gate,omitempty" json:"departure_gate,omitempty"`
	ArrivalTerminal   string        `yaml:"arrival_terminal,omitempty" json:"arrival_terminal,omitempty"`
	ArrivalGate       string        `yaml:"arrival_gate,omitempty" json:"arrival_gate,omitempty"`
	Cancelled         bool          `yaml:"cancelled,omitempty" json:"cancelled,omitempty"`
}

// fare returns the fare for cabin and fareType.
func (f *Flight) fare(cabin, fareType string) (Fare, bool) {
	for _, fare := range f.Fares {
		if fare.Cabin == cabin && fare.FareType == fareType {
			return fare, true
		}
	}
	return Fare{}, false
}

func (f *Flight) fareKeys() [][2]string {
	keys := make([][2]string, 0, len(f.Fares))
	for _, fare := range f.Fares {
		keys = append(keys, [2]string{fare.Cabin, fare.FareType})
	}
	return keys
}

// Catalog is an immutable set of flights indexed by id.
type Catalog struct {
	flights map[string]*Flight
	order   []string
}

type catalogFile struct {
	Flights []*Flight `yaml:"flights" json:"flights"`
}

// LoadCatalog reads a flights file, JSON when the extension is .json and
// YAML otherwise. The document has a top-level "flights" list.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, skyerr.Wrapf(err, skyerr.CodeConfigLoadReadFailure, "reading flights file %s", path)
	}
	var file catalogFile
	unmarshal := yaml.Unmarshal
	if strings.EqualFold(filepath.Ext(path), ".json") {
		unmarshal = json.Unmarshal
	}
	if err := unmarshal(data, &file); err != nil {
		return nil, skyerr.Wrapf(err, skyerr.CodeConfigParseInvalidFormat, "parsing flights file %s", path)
	}
	return NewCatalog(file.Flights...)
}

// NewCatalog builds a catalog. Flight ids must be unique.
func NewCatalog(flights ...*Flight) (*Catalog, error) {
	c := &Catalog{flights: make(map[string]*Flight, len(flights))}
	for _, f := range flights {
		if f == nil || f.ID == "" {
			return nil, skyerr.New(skyerr.CodeConfigValidateInvalidValue, "flight id is required")
		}
		if _, dup := c.flights[f.ID]; dup {
			return nil, skyerr.New(skyerr.CodeConfigValidateInvalidValue, "duplicate flight id: "+f.ID)
		}
		if f.Carrier == "" {
			f.Carrier = "F9"
		}
		for i := range f.Fares {
			if f.Fares[i].Currency == "" {
				f.Fares[i].Currency = "USD"
			}
			if f.Fares[i].FareType == "" {
				f.Fares[i].FareType = "basic"
			}
		}
		c.flights[f.ID] = f
		c.order = append(c.order, f.ID)
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		return c.flights[c.order[i]].Departure.Before(c.flights[c.order[j]].Departure)
	})
	return c, nil
}

// Get returns the flight with id.
func (c *Catalog) Get(id string) (*Flight, bool) {
	f, ok := c.flights[id]
	return f, ok
}

// Search returns flights on the route departing on date, in departure
// order. The date is compared in each flight's own time zone.
func (c *Catalog) Search(origin, destination string, date time.Time) []*Flight {
	want := date.Format(time.DateOnly)
	out := make([]*Flight, 0)
	for _, id := range c.order {
		f := c.flights[id]
		if f.Origin == origin && f.Destination == destination && f.Departure.Format(time.DateOnly) == want {
			out = append(out, f)
		}
	}
	return out
}

// Len is the number of flights in the catalog.
func (c *Catalog) Len() int { return len(c.flights) }
