package index

import "strings"

// qualityRank orders quality tiers; anything unrecognized ranks lowest.
func qualityRank(q *string) int {
	if q == nil {
		return 0
	}
	switch strings.ToLower(*q) {
	case "uhd":
		return 3
	case "hd":
		return 2
	case "sd":
		return 1
	default:
		return 0
	}
}

func hasWatchLink(o OfferRecord) bool {
	return o.WatchLink != nil && *o.WatchLink != ""
}

// preferOffer reports whether cand should replace cur for the same key.
// The first rule that tells them apart decides: quality tier, then watch
// link presence, then the more recent AvailableSince. When nothing does,
// the later candidate wins.
func preferOffer(cand, cur OfferRecord) bool {
	if a, b := qualityRank(cand.Quality), qualityRank(cur.Quality); a != b {
		return a > b
	}
	if a, b := hasWatchLink(cand), hasWatchLink(cur); a != b {
		return a
	}
	if cand.AvailableSince != cur.AvailableSince {
		return cand.AvailableSince > cur.AvailableSince
	}
	return true
}

// DedupeOffers collapses offers sharing an upsert key to a single record.
// Keys keep the position of their first occurrence.
func DedupeOffers(records []OfferRecord) []OfferRecord {
	best := make(map[OfferKey]int, len(records))
	out := make([]OfferRecord, 0, len(records))

	for _, r := range records {
		key := r.Key()
		i, ok := best[key]
		if !ok {
			best[key] = len(out)
			out = append(out, r)
			continue
		}
		if preferOffer(r, out[i]) {
			out[i] = r
		}
	}

	return out
}

// dedupeLast keeps the last record per key, in first-occurrence order.
// Postgres refuses an ON CONFLICT DO UPDATE statement that touches the same
// row twice, so titles and assets are collapsed before they are sent.
func dedupeLast[T any, K comparable](records []T, key func(T) K) []T {
	pos := make(map[K]int, len(records))
	out := make([]T, 0, len(records))

	for _, r := range records {
		k := key(r)
		if i, ok := pos[k]; ok {
			out[i] = r
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}

	return out
}
