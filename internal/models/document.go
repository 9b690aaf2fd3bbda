package models

import "time"

// Document is one research fact embedded into the vector index.
type Document struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Content   string    `json:"content"`
	Embedding []float64 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
