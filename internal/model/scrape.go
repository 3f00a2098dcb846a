package model

import "time"

// ScrapeMechanism selects how listing pages are fetched during link discovery.
type ScrapeMechanism int

const (
	Curl ScrapeMechanism = iota
	HeadlessBrowser
)

func (sm ScrapeMechanism) String() string {
	return [...]string{"curl", "headless browser"}[sm]
}

// Record is one directory entry extracted from an item page. SourceURL is the unique key.
type Record struct {
	Name      string    `json:"name"`
	Type      string    `json:"type,omitempty"`
	Address   string    `json:"address,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Website   string    `json:"website,omitempty"`
	SourceURL string    `json:"source_url"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// StoreStats summarises field coverage of the stored records.
type StoreStats struct {
	Total       int `json:"total"`
	WithEmail   int `json:"with_email"`
	WithWebsite int `json:"with_website"`
	WithPhone   int `json:"with_phone"`
	WithType    int `json:"with_type"`
}
