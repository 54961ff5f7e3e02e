// Package filter holds the canonical description of which page of which
// filtered, sorted view of the question bank is requested, and its mapping
// to and from the address-bar query string.
package filter

import "strings"

type SortField string

const (
	SortID         SortField = "id"
	SortCreated    SortField = "created"
	SortUpdated    SortField = "updated"
	SortDifficulty SortField = "difficulty"
	SortTopic      SortField = "topic"
	SortStatus     SortField = "status"
)

type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

type Difficulty string

const (
	DifficultyAny    Difficulty = ""
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

type Status string

const (
	StatusAny       Status = ""
	StatusDraft     Status = "draft"
	StatusReview    Status = "review"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 50
	DefaultSort     = SortUpdated
	DefaultOrder    = OrderDesc
)

// PageSizes lists the allowed page sizes in ascending order.
var PageSizes = []int{10, 20, 50, 100}

// Spec is the filter/pagination model. It is comparable: two normalized
// specs describe the same view exactly when they are ==.
type Spec struct {
	Query      string
	TopicID    int64
	Topic      string
	Difficulty Difficulty
	Status     Status
	Page       int
	PageSize   int
	SortBy     SortField
	Order      Order
	Keyset     bool
}

// Default returns the spec an empty query string parses to.
func Default() Spec {
	return Spec{
		Page:     DefaultPage,
		PageSize: DefaultPageSize,
		SortBy:   DefaultSort,
		Order:    DefaultOrder,
	}
}

// WithFirstPage returns s reset to page 1, used whenever the filtered set changes.
func (s Spec) WithFirstPage() Spec {
	s.Page = DefaultPage
	return s
}

func normalizeSpec(s Spec) Spec {
	s.Query = strings.TrimSpace(s.Query)
	s.Topic = strings.TrimSpace(s.Topic)
	if s.TopicID < 0 {
		s.TopicID = 0
	}
	if s.TopicID > 0 {
		s.Topic = ""
	}
	if !validDifficulty(s.Difficulty) {
		s.Difficulty = DifficultyAny
	}
	if !validStatus(s.Status) {
		s.Status = StatusAny
	}
	if s.Page < 1 {
		s.Page = DefaultPage
	}
	if !validPageSize(s.PageSize) {
		s.PageSize = DefaultPageSize
	}
	if !validSortField(s.SortBy) {
		s.SortBy = DefaultSort
	}
	if s.Order != OrderAsc && s.Order != OrderDesc {
		s.Order = DefaultOrder
	}
	return s
}

func validDifficulty(d Difficulty) bool {
	switch d {
	case DifficultyAny, DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

func validStatus(s Status) bool {
	switch s {
	case StatusAny, StatusDraft, StatusReview, StatusPublished, StatusArchived:
		return true
	}
	return false
}

func validPageSize(n int) bool {
	for _, size := range PageSizes {
		if n == size {
			return true
		}
	}
	return false
}

func validSortField(f SortField) bool {
	switch f {
	case SortID, SortCreated, SortUpdated, SortDifficulty, SortTopic, SortStatus:
		return true
	}
	return false
}
