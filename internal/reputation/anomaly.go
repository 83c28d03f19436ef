package reputation

import "time"

// Heuristic thresholds for proactive blacklisting. These are fail-safes, not
// hard security boundaries; false positives are recovered via Unblock.
const (
	floodLimit  = 100
	floodWindow = 5 * time.Minute

	geoLimit  = 3
	geoWindow = 10 * time.Minute
)

// WindowSnapshot is an immutable copy of one IP's recent request timestamps.
type WindowSnapshot struct {
	Now      time.Time
	Requests []time.Time
}

// CountrySighting records where a node identity was seen registering from.
type CountrySighting struct {
	At      time.Time
	Country string
}

// IdentitySnapshot is an immutable copy of one node identity's recent
// registration origins.
type IdentitySnapshot struct {
	Now       time.Time
	Sightings []CountrySighting
}

// Verdict is the outcome of a scoring function.
type Verdict struct {
	Reason    string
	Anomalous bool
}

// ScoreWindow flags request floods: more than floodLimit requests from a
// single IP inside floodWindow.
func ScoreWindow(s WindowSnapshot) Verdict {
	cutoff := s.Now.Add(-floodWindow)

	recent := 0
	for _, ts := range s.Requests {
		if ts.After(cutoff) {
			recent++
		}
	}

	if recent > floodLimit {
		return Verdict{
			Anomalous: true,
			Reason:    "request flood: over 100 requests in 5 minutes",
		}
	}

	return Verdict{}
}

// ScoreIdentity flags identity hopping: the same node identity registering
// from IPs resolving to more than geoLimit distinct countries inside
// geoWindow. Sightings with an unknown country are ignored.
func ScoreIdentity(s IdentitySnapshot) Verdict {
	cutoff := s.Now.Add(-geoWindow)

	countries := make(map[string]struct{})
	for _, sighting := range s.Sightings {
		if sighting.Country == "" || !sighting.At.After(cutoff) {
			continue
		}
		countries[sighting.Country] = struct{}{}
	}

	if len(countries) > geoLimit {
		return Verdict{
			Anomalous: true,
			Reason:    "geo hopping: identity registered from more than 3 countries in 10 minutes",
		}
	}

	return Verdict{}
}
