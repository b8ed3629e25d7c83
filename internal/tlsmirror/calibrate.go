package tlsmirror

import (
	"context"
	"fmt"
	"net"
	"time"

	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"

	"github.com/veilmesh/htx-helper/internal/errs"
)

// Calibrator picks a fingerprint profile for a decoy origin and
// confirms the origin is reachable under it, caching the result so
// repeated dials to the same origin skip the network round trip.
type Calibrator struct {
	cache        *Cache
	log          *zap.Logger
	dialTimeout  time.Duration
	profileOf    func(origin string) Profile
}

// NewCalibrator constructs a Calibrator backed by cache. profileOf
// selects which known profile to mirror for a given origin; pass nil
// to always use DefaultProfile.
func NewCalibrator(cache *Cache, log *zap.Logger, dialTimeout time.Duration, profileOf func(origin string) Profile) *Calibrator {
	if profileOf == nil {
		profileOf = func(string) Profile { return DefaultProfile() }
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Calibrator{cache: cache, log: log, dialTimeout: dialTimeout, profileOf: profileOf}
}

// Calibrate returns the TemplateParams, TemplateID, and uTLS
// ClientHelloID to use for origin, consulting the cache first and
// probing the origin with a real handshake on a cache miss.
func (c *Calibrator) Calibrate(ctx context.Context, origin string) (TemplateParams, TemplateID, utls.ClientHelloID, error) {
	if rec, err := c.cache.Get(origin); err != nil {
		c.log.Warn("calibration cache read failed", zap.String("origin", origin), zap.Error(err))
	} else if rec != nil {
		profile, ok := ProfileByName(rec.ProfileName)
		if ok {
			return rec.Params, TemplateID(rec.TemplateID), profile.HelloID, nil
		}
	}

	profile := c.profileOf(origin)
	if err := c.probe(ctx, origin, profile.HelloID); err != nil {
		return TemplateParams{}, TemplateID{}, utls.ClientHelloID{}, errs.Wrap(errs.KindCalibration, "probe "+origin, err)
	}

	id, err := ComputeTemplateID(profile.Params)
	if err != nil {
		return TemplateParams{}, TemplateID{}, utls.ClientHelloID{}, errs.Wrap(errs.KindCalibration, "compute template id", err)
	}

	rec := CalibrationRecord{
		Origin:       origin,
		ProfileName:  profile.Name,
		Params:       profile.Params,
		TemplateID:   id,
		CalibratedAt: time.Now().UTC(),
	}
	if err := c.cache.Put(rec); err != nil {
		c.log.Warn("calibration cache write failed", zap.String("origin", origin), zap.Error(err))
	}

	return profile.Params, id, profile.HelloID, nil
}

// probe dials origin and completes a real outer TLS handshake under
// helloID to confirm the profile is viable against this origin.
func (c *Calibrator) probe(ctx context.Context, origin string, helloID utls.ClientHelloID) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	host, _, err := net.SplitHostPort(origin)
	if err != nil {
		host = origin
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", origin)
	if err != nil {
		return fmt.Errorf("dial %s: %w", origin, err)
	}
	defer conn.Close()

	uconn := utls.UClient(conn, &utls.Config{ServerName: host}, helloID)
	if err := uconn.HandshakeContext(dialCtx); err != nil {
		return fmt.Errorf("probe handshake with %s: %w", origin, err)
	}
	return nil
}
