package listing

import "time"

// Listing represents a single item scraped from an external source.
type Listing struct {
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Body         string    `json:"body,omitempty"`
	Price        float64   `json:"price,omitempty"`
	ImageURLs    []string  `json:"image_urls,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Latitude     float64   `json:"latitude,omitempty"`
	Longitude    float64   `json:"longitude,omitempty"`
	CreationTime time.Time `json:"creation_time"`
	UpdatedTime  time.Time `json:"updated_time"`
}

// SearchSpec is the durable identity and parameters of one recurring search.
// The ID is assigned once by the persistence layer before registration; two
// specs with the same source and params but different IDs are distinct
// searches as far as the monitor is concerned.
type SearchSpec struct {
	ID     int64             `json:"id"`
	Source string            `json:"source"`
	Params map[string]string `json:"params"`
}
