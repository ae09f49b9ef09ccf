package reports

import (
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"
)

// Marketplace describes one Amazon storefront.
type Marketplace struct {
	Code         string
	ID           string
	Region       string
	Timezone     string
	SalesChannel string
}

var marketplaces = map[string]Marketplace{
	"USA": {"USA", "ATVPDKIKX0DER", "NA", "America/Los_Angeles", "Amazon.com"},
	"CA":  {"CA", "A2EUQ1WTGCTBG2", "NA", "America/Los_Angeles", "Amazon.ca"},
	"MX":  {"MX", "A1AM78C64UM0Y8", "NA", "America/Los_Angeles", "Amazon.com.mx"},
	"BR":  {"BR", "A2Q3Y263D00KWC", "NA", "America/Sao_Paulo", "Amazon.com.br"},
	"UK":  {"UK", "A1F83G8C2ARO7P", "EU", "Europe/London", "Amazon.co.uk"},
	"DE":  {"DE", "A1PA6795UKMFR9", "EU", "Europe/Berlin", "Amazon.de"},
	"FR":  {"FR", "A13V1IB3VIYZZH", "EU", "Europe/Paris", "Amazon.fr"},
	"IT":  {"IT", "APJ6JRA9NG5V4", "EU", "Europe/Rome", "Amazon.it"},
	"ES":  {"ES", "A1RKKUPIHCS9HS", "EU", "Europe/Madrid", "Amazon.es"},
	"UAE": {"UAE", "A2VIGQ35RCS4UG", "EU", "Asia/Dubai", "Amazon.ae"},
	"AU":  {"AU", "A39IBJ37TRP1C6", "FE", "Australia/Sydney", "Amazon.com.au"},
	"JP":  {"JP", "A1VC38T7YXB528", "FE", "Asia/Tokyo", "Amazon.co.jp"},
}

// regionMarketplaces is the default pull set per region, in pull order.
var regionMarketplaces = map[string][]string{
	"NA": {"USA", "CA", "MX"},
	"EU": {"UK", "DE", "FR", "IT", "ES", "UAE"},
	"FE": {"AU", "JP"},
}

var endpoints = map[string]string{
	"NA": "https://sellingpartnerapi-na.amazon.com",
	"EU": "https://sellingpartnerapi-eu.amazon.com",
	"FE": "https://sellingpartnerapi-fe.amazon.com",
}

// Regions returns the supported regions in a stable order.
func Regions() []string {
	return []string{"NA", "EU", "FE"}
}

// LookupMarketplace finds a marketplace by code, case-insensitively.
func LookupMarketplace(code string) (Marketplace, error) {
	mp, ok := marketplaces[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Marketplace{}, fmt.Errorf("unknown marketplace %q", code)
	}
	return mp, nil
}

// RegionMarketplaces returns the default marketplaces pulled for region.
func RegionMarketplaces(region string) ([]Marketplace, error) {
	codes, ok := regionMarketplaces[strings.ToUpper(region)]
	if !ok {
		return nil, fmt.Errorf("unknown region %q", region)
	}
	out := make([]Marketplace, 0, len(codes))
	for _, code := range codes {
		out = append(out, marketplaces[code])
	}
	return out, nil
}

// MarketplaceCodes lists every known marketplace code, sorted.
func MarketplaceCodes() []string {
	codes := make([]string, 0, len(marketplaces))
	for code := range marketplaces {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Endpoint returns the SP-API host for region.
func Endpoint(region string) (string, error) {
	ep, ok := endpoints[strings.ToUpper(region)]
	if !ok {
		return "", fmt.Errorf("unknown region %q", region)
	}
	return ep, nil
}

// Location loads the marketplace timezone, falling back to UTC.
func (m Marketplace) Location() *time.Location {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LocalDate returns the calendar date daysAgo days before now in the
// marketplace timezone, as midnight UTC.
func (m Marketplace) LocalDate(now time.Time, daysAgo int) time.Time {
	local := now.In(m.Location()).AddDate(0, 0, -daysAgo)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
