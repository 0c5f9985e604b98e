package domain

// Paste is the stored record. Text fields are raw bytes held in strings and
// are never re-encoded, so a decode of an encode yields the same bytes.
type Paste struct {
	ID     int64  `json:"-"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Notes  string `json:"notes"`
	Rental string `json:"rental"`
	Paste  string `json:"paste"`
	Format string `json:"format"`
}

type CreateParams struct {
	Title  string
	Author string
	Notes  string
	Rental string
	Paste  string
	Format string
}

// Detailed is the parsed view of a paste returned by the detailed endpoint.
type Detailed struct {
	Title  string    `json:"title"`
	Author string    `json:"author"`
	Notes  string    `json:"notes"`
	Rental string    `json:"rental"`
	Format string    `json:"format"`
	Sets   []Content `json:"sets"`
}
