package models

import "time"

// Context is a user-defined grouping for activities (work, family, ...).
type Context struct {
	ID    int64  `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Color string `json:"color,omitempty" yaml:"color,omitempty"`
}

// Activity is a single logged entry on a given day.
type Activity struct {
	ID        int64      `json:"id" yaml:"id"`
	Title     string     `json:"title" yaml:"title"`
	Notes     string     `json:"notes,omitempty" yaml:"notes,omitempty"`
	Date      string     `json:"date" yaml:"date"`
	ContextID *int64     `json:"context_id,omitempty" yaml:"context_id,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Day is everything logged on one calendar day.
type Day struct {
	Date       string     `json:"date" yaml:"date"`
	Activities []Activity `json:"activities" yaml:"activities"`
	Notes      string     `json:"notes,omitempty" yaml:"notes,omitempty"`
}
