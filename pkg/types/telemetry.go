package types

import (
	"errors"
	"fmt"
	"time"
)

// GasCubicMetresToKWh converts one cubic metre of metered gas into kWh using
// the standard volume correction factor (1.02264) and a calorific value of
// 39.0 MJ/m³. The coefficient is kept exactly as the retailer documents it.
const GasCubicMetresToKWh = 1.02264 * 39.0 / 3.6

// Unit is the unit a meter reports its consumption in.
type Unit string

const (
	UnitKWh         Unit = "kWh"
	UnitCubicMetres Unit = "m3"
)

// ToKWh converts a quantity in u into kWh.
func (u Unit) ToKWh(quantity float64) float64 {
	switch u {
	case UnitCubicMetres:
		return quantity * GasCubicMetresToKWh
	default:
		return quantity
	}
}

// Window is a half-open validity window [ValidFrom, ValidTo). A nil ValidTo
// means the window is open-ended.
type Window struct {
	ValidFrom time.Time  `json:"validFrom"`
	ValidTo   *time.Time `json:"validTo,omitempty"`
}

// Contains returns true if t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.ValidFrom) {
		return false
	}
	return w.ValidTo == nil || t.Before(*w.ValidTo)
}

// String formats the window for log lines.
func (w Window) String() string {
	if w.ValidTo == nil {
		return fmt.Sprintf("[%s, ∞)", w.ValidFrom.Format(time.RFC3339))
	}
	return fmt.Sprintf("[%s, %s)", w.ValidFrom.Format(time.RFC3339), w.ValidTo.Format(time.RFC3339))
}

// RateRecord is the unit price in force for a tariff over a window.
type RateRecord struct {
	Window

	// PricePerUnit is in minor currency units (pence) per kWh, VAT inclusive.
	PricePerUnit float64 `json:"pricePerUnit"`
}

// Agreement binds a metering point to a tariff code over a window.
type Agreement struct {
	Window

	TariffCode string `json:"tariffCode"`
}

// UsageInterval is a metered quantity consumed (or exported) between Start
// and End.
type UsageInterval struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Quantity float64   `json:"quantity"`
}

// Duration returns the length of the interval.
func (u UsageInterval) Duration() time.Duration {
	return u.End.Sub(u.Start)
}

// Validate ensures the interval ends after it starts.
func (u UsageInterval) Validate() error {
	if !u.End.After(u.Start) {
		return fmt.Errorf("interval end %s is not after start %s", u.End.Format(time.RFC3339), u.Start.Format(time.RFC3339))
	}
	return nil
}

// Meter identifies a single meter on a metering point.
type Meter struct {
	// PointID is the MPAN for electricity or the MPRN for gas.
	PointID  string `json:"pointID"`
	Serial   string `json:"serial"`
	Unit     Unit   `json:"unit"`
	IsExport bool   `json:"isExport"`
	IsGas    bool   `json:"isGas"`
}

// ResolvedRecord is a usage interval priced against the tariff in force at its
// start. RatePerUnit and Cost are nil when no rate covered the interval.
type ResolvedRecord struct {
	Timestamp   time.Time
	Meter       Meter
	Energy      float64
	Power       float64
	TariffCode  string
	RatePerUnit *float64
	Cost        *float64
}

// Priced returns true if a rate was found for the record.
func (r ResolvedRecord) Priced() bool {
	return r.RatePerUnit != nil
}

// ErrEmptyTariffCode is returned when an agreement carries no tariff code.
var ErrEmptyTariffCode = errors.New("agreement has an empty tariff code")
