package reporter

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"

	"hyperion/pkg/api"
)

// Locator supplies the ip_location attached to node rows.
type Locator interface {
	Locate() api.Location
}

// StaticLocator returns a configured location.
type StaticLocator api.Location

func (l StaticLocator) Locate() api.Location { return api.Location(l) }

type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// LookupCity resolves ip in a MaxMind or DB-IP city database.
func LookupCity(dbPath, ip string) (api.Location, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return api.Location{}, fmt.Errorf("invalid public ip %q", ip)
	}
	db, err := maxminddb.Open(dbPath)
	if err != nil {
		return api.Location{}, fmt.Errorf("failed to open geoip database: %w", err)
	}
	defer db.Close()

	var rec cityRecord
	if err := db.Lookup(addr, &rec); err != nil {
		return api.Location{}, fmt.Errorf("failed to look up %s: %w", ip, err)
	}
	return api.Location{
		City: rec.City.Names["en"],
		Lat:  rec.Location.Latitude,
		Lng:  rec.Location.Longitude,
	}, nil
}

// ResolveLocator looks the public ip up once at startup. Any lookup failure
// falls back to the static location.
func ResolveLocator(dbPath, ip string, fallback api.Location, logger *zap.Logger) Locator {
	if dbPath == "" || ip == "" {
		return StaticLocator(fallback)
	}
	loc, err := LookupCity(dbPath, ip)
	if err != nil {
		logger.Warn("geoip lookup failed, using configured location", zap.Error(err))
		return StaticLocator(fallback)
	}
	if loc.City == "" {
		loc.City = fallback.City
	}
	logger.Info("resolved node location", zap.String("city", loc.City))
	return StaticLocator(loc)
}
