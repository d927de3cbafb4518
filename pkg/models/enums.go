package models

import "fmt"

// Region selects which bookmakers the provider includes
type Region string

const (
	RegionUS  Region = "us"
	RegionUS2 Region = "us2"
	RegionUK  Region = "uk"
	RegionAU  Region = "au"
	RegionEU  Region = "eu"
)

// Market is a provider market key accepted by the odds endpoints
type Market string

const (
	MarketH2H       Market = "h2h"
	MarketSpreads   Market = "spreads"
	MarketTotals    Market = "totals"
	MarketOutrights Market = "outrights"
)

// OddsFormat controls how the provider quotes prices
type OddsFormat string

const (
	OddsFormatDecimal  OddsFormat = "decimal"
	OddsFormatAmerican OddsFormat = "american"
)

// DateFormat controls how the provider encodes timestamps
type DateFormat string

const (
	DateFormatISO  DateFormat = "iso"
	DateFormatUnix DateFormat = "unix"
)

// Validate reports whether r is a known region
func (r Region) Validate() error {
	switch r {
	case RegionUS, RegionUS2, RegionUK, RegionAU, RegionEU:
		return nil
	}
	return fmt.Errorf("unknown region %q", string(r))
}

// Validate reports whether m is a known market
func (m Market) Validate() error {
	switch m {
	case MarketH2H, MarketSpreads, MarketTotals, MarketOutrights:
		return nil
	}
	return fmt.Errorf("unknown market %q", string(m))
}

// Validate reports whether f is a known odds format
func (f OddsFormat) Validate() error {
	switch f {
	case OddsFormatDecimal, OddsFormatAmerican:
		return nil
	}
	return fmt.Errorf("unknown odds format %q", string(f))
}

// Validate reports whether f is a known date format
func (f DateFormat) Validate() error {
	switch f {
	case DateFormatISO, DateFormatUnix:
		return nil
	}
	return fmt.Errorf("unknown date format %q", string(f))
}

// ParseRegions converts raw strings (e.g. from config) into regions
func ParseRegions(raw []string) ([]Region, error) {
	regions := make([]Region, 0, len(raw))
	for _, s := range raw {
		r := Region(s)
		if err := r.Validate(); err != nil {
			return nil, err
		}
		regions = append(regions, r)
	}
	return regions, nil
}

// ParseMarkets converts raw strings (e.g. from config) into markets
func ParseMarkets(raw []string) ([]Market, error) {
	markets := make([]Market, 0, len(raw))
	for _, s := range raw {
		m := Market(s)
		if err := m.Validate(); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, nil
}
