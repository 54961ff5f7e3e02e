package collection

import "time"

// Record is one question-bank item as returned by the collection service.
type Record struct {
	ID          int64     `json:"id"`
	Prompt      string    `json:"prompt"`
	Choices     []string  `json:"choices,omitempty"`
	Answer      string    `json:"answer,omitempty"`
	Explanation string    `json:"explanation,omitempty"`
	TopicID     int64     `json:"topic_id,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	Difficulty  string    `json:"difficulty"`
	Status      string    `json:"status"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RecordInput is the writable subset of a Record.
type RecordInput struct {
	Prompt      string   `json:"prompt"`
	Choices     []string `json:"choices,omitempty"`
	Answer      string   `json:"answer,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
	TopicID     int64    `json:"topic_id,omitempty"`
	Topic       string   `json:"topic,omitempty"`
	Difficulty  string   `json:"difficulty"`
	Status      string   `json:"status"`
	Tags        []string `json:"tags,omitempty"`
}

// Input returns the writable snapshot of r, as captured before a delete.
func (r Record) Input() RecordInput {
	return RecordInput{
		Prompt:      r.Prompt,
		Choices:     append([]string(nil), r.Choices...),
		Answer:      r.Answer,
		Explanation: r.Explanation,
		TopicID:     r.TopicID,
		Topic:       r.Topic,
		Difficulty:  r.Difficulty,
		Status:      r.Status,
		Tags:        append([]string(nil), r.Tags...),
	}
}

// PageResult is the answer to one list request. Total may be approximate
// for very large collections; NextCursor is empty when there is no next page.
type PageResult struct {
	Results    []Record `json:"results"`
	Total      int64    `json:"total"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type DeleteResult struct {
	Warning string `json:"warning,omitempty"`
}

// ChangeEvent is one message of the collection change feed.
type ChangeEvent struct {
	Type string    `json:"type"`
	ID   int64     `json:"id"`
	At   time.Time `json:"at"`
}

const (
	EventCreated  = "question.created"
	EventUpdated  = "question.updated"
	EventDeleted  = "question.deleted"
	EventRestored = "question.restored"
)
