package model

import "time"

// Checkpoint is the persisted progress of link discovery for one base query.
type Checkpoint struct {
	BaseQuery  string    `json:"base_query"`
	LastPage   int       `json:"last_page"`
	TotalPages int       `json:"total_pages"`
	Items      []string  `json:"items"`
	ItemCount  int       `json:"item_count"`
	Completed  bool      `json:"completed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (c *Checkpoint) Status() string {
	if c.Completed {
		return "complete"
	}
	return "incomplete"
}
