package sapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/livinlefevreloca/catalogindex/internal/index"
)

// ErrMalformedShow is wrapped by every extraction failure
var ErrMalformedShow = errors.New("sapi: malformed show")

type rawShow struct {
	ID               string                       `json:"id"`
	ImdbID           *string                      `json:"imdbId"`
	TmdbID           *string                      `json:"tmdbId"`
	Title            string                       `json:"title"`
	OriginalTitle    *string                      `json:"originalTitle"`
	ShowType         string                       `json:"showType"`
	ItemType         *string                      `json:"itemType"`
	ReleaseYear      *int                         `json:"releaseYear"`
	FirstAirYear     *int                         `json:"firstAirYear"`
	StreamingOptions map[string][]rawOffer        `json:"streamingOptions"`
	ImageSet         map[string]map[string]string `json:"imageSet"`
}

type rawOffer struct {
	Service struct {
		ID   string  `json:"id"`
		Name *string `json:"name"`
	} `json:"service"`
	Type           string         `json:"type"`
	Link           string         `json:"link"`
	VideoLink      *string        `json:"videoLink"`
	Quality        *string        `json:"quality"`
	Audios         []index.Locale `json:"audios"`
	Subtitles      []rawSubtitle  `json:"subtitles"`
	AvailableSince *int64         `json:"availableSince"`
	ExpiresSoon    *bool          `json:"expiresSoon"`
	ExpiresOn      *int64         `json:"expiresOn"`
}

type rawSubtitle struct {
	ClosedCaptions bool         `json:"closedCaptions"`
	Locale         index.Locale `json:"locale"`
}

// ExtractShow maps one provider show item to its index records. It has no
// side effects; a missing required field yields ErrMalformedShow.
func ExtractShow(raw json.RawMessage, fetchedAt time.Time, runID string) (index.TitleRecord, []index.OfferRecord, []index.AssetRecord, error) {
	var show rawShow
	if err := json.Unmarshal(raw, &show); err != nil {
		return index.TitleRecord{}, nil, nil, fmt.Errorf("%w: %v", ErrMalformedShow, err)
	}

	title, err := mapTitle(&show, fetchedAt, runID)
	if err != nil {
		return index.TitleRecord{}, nil, nil, err
	}

	offers, err := mapOffers(&show, fetchedAt, runID)
	if err != nil {
		return index.TitleRecord{}, nil, nil, err
	}

	return title, offers, mapAssets(&show, fetchedAt, runID), nil
}

func mapTitle(show *rawShow, fetchedAt time.Time, runID string) (index.TitleRecord, error) {
	if show.ID == "" {
		return index.TitleRecord{}, fmt.Errorf("%w: missing id", ErrMalformedShow)
	}
	if show.Title == "" {
		return index.TitleRecord{}, fmt.Errorf("%w: show %s missing title", ErrMalformedShow, show.ID)
	}
	if show.ShowType != index.ShowTypeMovie && show.ShowType != index.ShowTypeSeries {
		return index.TitleRecord{}, fmt.Errorf("%w: show %s has show type %q", ErrMalformedShow, show.ID, show.ShowType)
	}

	itemType := "show"
	if show.ItemType != nil && *show.ItemType != "" {
		itemType = *show.ItemType
	}

	// Movies carry releaseYear, series carry firstAirYear
	var year *string
	for _, y := range []*int{show.ReleaseYear, show.FirstAirYear} {
		if y != nil && *y != 0 {
			s := strconv.Itoa(*y)
			year = &s
			break
		}
	}

	return index.TitleRecord{
		SapiID:        show.ID,
		ImdbID:        show.ImdbID,
		TmdbID:        show.TmdbID,
		Title:         show.Title,
		OriginalTitle: show.OriginalTitle,
		ShowType:      show.ShowType,
		ItemType:      &itemType,
		ReleaseYear:   year,
		FetchedAt:     fetchedAt,
		LastSeenRunID: runID,
	}, nil
}

// mapOffers flattens streamingOptions, keyed by country code, into offers.
// Countries are visited in sorted order so output is deterministic.
func mapOffers(show *rawShow, fetchedAt time.Time, runID string) ([]index.OfferRecord, error) {
	countries := make([]string, 0, len(show.StreamingOptions))
	for c := range show.StreamingOptions {
		countries = append(countries, c)
	}
	sort.Strings(countries)

	offers := []index.OfferRecord{}
	for _, country := range countries {
		for i, o := range show.StreamingOptions[country] {
			switch {
			case o.Service.ID == "":
				return nil, fmt.Errorf("%w: show %s offer %s[%d] missing service id", ErrMalformedShow, show.ID, country, i)
			case o.Type == "":
				return nil, fmt.Errorf("%w: show %s offer %s[%d] missing type", ErrMalformedShow, show.ID, country, i)
			case o.Link == "":
				return nil, fmt.Errorf("%w: show %s offer %s[%d] missing link", ErrMalformedShow, show.ID, country, i)
			case o.AvailableSince == nil:
				return nil, fmt.Errorf("%w: show %s offer %s[%d] missing availableSince", ErrMalformedShow, show.ID, country, i)
			case o.ExpiresSoon == nil:
				return nil, fmt.Errorf("%w: show %s offer %s[%d] missing expiresSoon", ErrMalformedShow, show.ID, country, i)
			}

			audios := o.Audios
			if audios == nil {
				audios = []index.Locale{}
			}
			subtitles := make([]index.Subtitle, 0, len(o.Subtitles))
			for _, s := range o.Subtitles {
				subtitles = append(subtitles, index.Subtitle{ClosedCaptions: s.ClosedCaptions, Locale: s.Locale})
			}

			offers = append(offers, index.OfferRecord{
				SapiID:         show.ID,
				Country:        country,
				ServiceID:      o.Service.ID,
				OfferType:      o.Type,
				ServiceName:    o.Service.Name,
				TitlePageLink:  o.Link,
				WatchLink:      o.VideoLink,
				Quality:        o.Quality,
				Audios:         audios,
				Subtitles:      subtitles,
				AvailableSince: *o.AvailableSince,
				ExpiresSoon:    *o.ExpiresSoon,
				ExpiresOn:      o.ExpiresOn,
				FetchedAt:      fetchedAt,
				LastSeenRunID:  runID,
			})
		}
	}

	return offers, nil
}

func mapAssets(show *rawShow, fetchedAt time.Time, runID string) []index.AssetRecord {
	kinds := make([]string, 0, len(show.ImageSet))
	for k, urls := range show.ImageSet {
		if len(urls) == 0 {
			continue
		}
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	assets := make([]index.AssetRecord, 0, len(kinds))
	for _, kind := range kinds {
		assets = append(assets, index.AssetRecord{
			SapiID:        show.ID,
			AssetKind:     kind,
			ImageURLs:     show.ImageSet[kind],
			FetchedAt:     fetchedAt,
			LastSeenRunID: runID,
		})
	}
	return assets
}
