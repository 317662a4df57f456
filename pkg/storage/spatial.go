package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/verisimdb/verisimdb/pkg/model"
	"go.etcd.io/bbolt"
)

// SpatialStore is the WGS-84 geometry modality store (§4.1 Spatial store).
// Point payloads support radius/bounds/nearest queries via great-circle
// distance; polygon payloads (represented with paulmach/orb's Ring/Point
// types) support point-in-polygon tests.
type SpatialStore struct {
	mu   sync.RWMutex
	db   *bbolt.DB
	data map[string]model.SpatialPayload
}

func NewSpatialStore(db *bbolt.DB) (*SpatialStore, error) {
	ss := &SpatialStore{db: db, data: make(map[string]model.SpatialPayload)}
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSpatial).ForEach(func(k, v []byte) error {
			var p model.SpatialPayload
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			ss.data[string(k)] = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ss, nil
}

func (ss *SpatialStore) Modality() model.Modality { return model.ModalitySpatial }

// Prepare validates WGS-84 bounds (§3: lat in [-90,90], lon in [-180,180])
// and that a polygon ring has at least 3 vertices.
func (ss *SpatialStore) Prepare(eid model.EID, payload any) (PrepareToken, error) {
	sp, ok := payload.(*model.SpatialPayload)
	if !ok {
		return PrepareToken{}, fmt.Errorf("spatial store: payload is not *model.SpatialPayload")
	}
	switch sp.Geometry {
	case model.GeometryPoint:
		if err := validateLatLon(sp.Point); err != nil {
			return PrepareToken{}, err
		}
	case model.GeometryPolygon:
		if len(sp.Ring) < 3 {
			return PrepareToken{}, &model.InvariantViolation{Modality: model.ModalitySpatial, Reason: "polygon ring must have at least 3 vertices"}
		}
		for _, p := range sp.Ring {
			if err := validateLatLon(p); err != nil {
				return PrepareToken{}, err
			}
		}
	default:
		return PrepareToken{}, &model.InvariantViolation{Modality: model.ModalitySpatial, Reason: "unknown geometry " + string(sp.Geometry)}
	}
	data, err := json.Marshal(sp)
	if err != nil {
		return PrepareToken{}, err
	}
	return PrepareToken{Modality: model.ModalitySpatial, EID: eid, encoded: data}, nil
}

func validateLatLon(p model.LatLon) error {
	if p.Lat < -90 || p.Lat > 90 {
		return &model.InvariantViolation{Modality: model.ModalitySpatial, Reason: "latitude out of range"}
	}
	if p.Lon < -180 || p.Lon > 180 {
		return &model.InvariantViolation{Modality: model.ModalitySpatial, Reason: "longitude out of range"}
	}
	return nil
}

func (ss *SpatialStore) PrepareDelete(eid model.EID) (PrepareToken, error) {
	return PrepareToken{Modality: model.ModalitySpatial, EID: eid, deletion: true}, nil
}

func (ss *SpatialStore) Commit(tok PrepareToken) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if tok.deletion {
		if err := ss.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketSpatial).Delete([]byte(tok.EID.String()))
		}); err != nil {
			return err
		}
		delete(ss.data, tok.EID.String())
		return nil
	}
	var payload model.SpatialPayload
	if err := json.Unmarshal(tok.encoded, &payload); err != nil {
		return err
	}
	if err := ss.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSpatial).Put([]byte(tok.EID.String()), tok.encoded)
	}); err != nil {
		return err
	}
	ss.data[tok.EID.String()] = payload
	return nil
}

func (ss *SpatialStore) Rollback(tok PrepareToken) error { return nil }

func (ss *SpatialStore) Delete(eid model.EID) error {
	tok, err := ss.PrepareDelete(eid)
	if err != nil {
		return err
	}
	return ss.Commit(tok)
}

func (ss *SpatialStore) Get(eid model.EID) (*model.SpatialPayload, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	p, ok := ss.data[eid.String()]
	if !ok {
		return nil, &model.NotFound{EID: eid, Modality: model.ModalitySpatial}
	}
	return &p, nil
}

func toOrbPoint(p model.LatLon) orb.Point { return orb.Point{p.Lon, p.Lat} }

// SpatialHit is one result of a radius or nearest query, with distance in
// meters.
type SpatialHit struct {
	EID      model.EID
	Distance float64
}

// QueryRadius returns every point-geometry EID within radiusMeters of
// center, ordered by distance.
func (ss *SpatialStore) QueryRadius(center model.LatLon, radiusMeters float64) ([]SpatialHit, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	var hits []SpatialHit
	for key, payload := range ss.data {
		if payload.Geometry != model.GeometryPoint {
			continue
		}
		d := haversineMeters(center, payload.Point)
		if d <= radiusMeters {
			eid, err := model.ParseEID(key)
			if err != nil {
				continue
			}
			hits = append(hits, SpatialHit{EID: eid, Distance: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].EID.String() < hits[j].EID.String()
	})
	return hits, nil
}

// QueryNearest returns the k closest point-geometry EIDs to center.
func (ss *SpatialStore) QueryNearest(center model.LatLon, k int) ([]SpatialHit, error) {
	hits, err := ss.QueryRadius(center, maxFloat64())
	if err != nil {
		return nil, err
	}
	if k > 0 && k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

func maxFloat64() float64 { return 4.0e7 } // exceeds the largest great-circle distance (half of Earth's circumference) in meters

const earthRadiusMeters = 6371008.8

// haversineMeters computes great-circle distance between two WGS-84
// coordinates, the metric radius/nearest queries are ranked by.
func haversineMeters(a, b model.LatLon) float64 {
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// QueryBounds returns every point-geometry EID within the rectangle
// spanned by sw (southwest) and ne (northeast) corners.
func (ss *SpatialStore) QueryBounds(sw, ne model.LatLon) ([]model.EID, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	var matches []model.EID
	for key, payload := range ss.data {
		if payload.Geometry != model.GeometryPoint {
			continue
		}
		p := payload.Point
		if p.Lat >= sw.Lat && p.Lat <= ne.Lat && p.Lon >= sw.Lon && p.Lon <= ne.Lon {
			eid, err := model.ParseEID(key)
			if err != nil {
				continue
			}
			matches = append(matches, eid)
		}
	}
	return matches, nil
}

// Contains reports whether point lies within eid's polygon geometry, using
// a standard ray-casting test over the ring's orb.Point vertices.
func (ss *SpatialStore) Contains(eid model.EID, point model.LatLon) (bool, error) {
	p, err := ss.Get(eid)
	if err != nil {
		return false, err
	}
	if p.Geometry != model.GeometryPolygon {
		return false, &model.InvariantViolation{Modality: model.ModalitySpatial, Reason: "contains requires polygon geometry"}
	}
	ring := make(orb.Ring, len(p.Ring))
	for i, v := range p.Ring {
		ring[i] = toOrbPoint(v)
	}
	return ringContains(ring, toOrbPoint(point)), nil
}

func ringContains(ring orb.Ring, pt orb.Point) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := ring[i], ring[j]
		if (pi[1] > pt[1]) != (pj[1] > pt[1]) &&
			pt[0] < (pj[0]-pi[0])*(pt[1]-pi[1])/(pj[1]-pi[1])+pi[0] {
			inside = !inside
		}
	}
	return inside
}
