package index

import "time"

// Show types accepted by titles_index
const (
	ShowTypeMovie  = "movie"
	ShowTypeSeries = "series"
)

// Asset kinds as the provider names its image sets
const (
	AssetVerticalPoster     = "verticalPoster"
	AssetVerticalBackdrop   = "verticalBackdrop"
	AssetHorizontalPoster   = "horizontalPoster"
	AssetHorizontalBackdrop = "horizontalBackdrop"
)

// TitleRecord is one row per provider identity. Upsert key: SapiID.
type TitleRecord struct {
	SapiID        string    `json:"sapi_id"`
	ImdbID        *string   `json:"imdb_id,omitempty"`
	TmdbID        *string   `json:"tmdb_id,omitempty"`
	Title         string    `json:"title"`
	OriginalTitle *string   `json:"original_title,omitempty"`
	ShowType      string    `json:"show_type"`
	ItemType      *string   `json:"item_type,omitempty"`
	ReleaseYear   *string   `json:"release_year,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
	LastSeenRunID string    `json:"last_seen_run_id"`
}

// Locale is a language with an optional region
type Locale struct {
	Language string `json:"language"`
	Region   string `json:"region,omitempty"`
}

// Subtitle is a subtitle track
type Subtitle struct {
	ClosedCaptions bool   `json:"closed_captions"`
	Locale         Locale `json:"locale"`
}

// OfferRecord is one row per (title, country, service, offer kind).
// AvailableSince and ExpiresOn are epoch seconds.
type OfferRecord struct {
	SapiID         string     `json:"sapi_id"`
	Country        string     `json:"country"`
	ServiceID      string     `json:"service_id"`
	OfferType      string     `json:"offer_type"`
	ServiceName    *string    `json:"service_name,omitempty"`
	TitlePageLink  string     `json:"title_page_link"`
	WatchLink      *string    `json:"watch_link,omitempty"`
	Quality        *string    `json:"quality,omitempty"`
	Audios         []Locale   `json:"audios"`
	Subtitles      []Subtitle `json:"subtitles"`
	AvailableSince int64      `json:"available_since"`
	ExpiresSoon    bool       `json:"expires_soon"`
	ExpiresOn      *int64     `json:"expires_on,omitempty"`
	FetchedAt      time.Time  `json:"fetched_at"`
	LastSeenRunID  string     `json:"last_seen_run_id"`
}

// OfferKey is the upsert key of an offer
type OfferKey struct {
	SapiID    string
	Country   string
	ServiceID string
	OfferType string
}

// Key returns the offer's upsert key
func (o OfferRecord) Key() OfferKey {
	return OfferKey{
		SapiID:    o.SapiID,
		Country:   o.Country,
		ServiceID: o.ServiceID,
		OfferType: o.OfferType,
	}
}

// AssetRecord maps size or variant labels (w240, w720, ...) to URLs for one
// title and asset kind. Upsert key: (SapiID, AssetKind).
type AssetRecord struct {
	SapiID        string            `json:"sapi_id"`
	AssetKind     string            `json:"asset_kind"`
	ImageURLs     map[string]string `json:"image_urls"`
	FetchedAt     time.Time         `json:"fetched_at"`
	LastSeenRunID string            `json:"last_seen_run_id"`
}

// Counts are rows sent to storage per table, not rows the database reports
// as changed.
type Counts struct {
	Titles int `json:"titles"`
	Offers int `json:"offers"`
	Assets int `json:"assets"`
}
