package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// WordsPerMinute is the reading speed used for story reading-time estimates.
const WordsPerMinute = 200

// Story is a generated bedtime story.
type Story struct {
	ID                 uuid.UUID `json:"id"`
	PrincipalID        string    `json:"userId"`
	ChildName          string    `json:"childName"`
	FavoriteAnimal     string    `json:"favoriteAnimal"`
	MoralLesson        string    `json:"moralLesson"`
	Text               string    `json:"storyText"`
	ImageURL           string    `json:"imageUrl"`
	ReadingTimeMinutes int       `json:"readingTimeMinutes"`
	CreatedAt          time.Time `json:"createdAt"`
}

// StoryRequest holds the prompt parameters for generation.
type StoryRequest struct {
	ChildName      string `json:"childName" validate:"required,max=100"`
	FavoriteAnimal string `json:"favoriteAnimal" validate:"required,max=100"`
	MoralLesson    string `json:"moralLesson" validate:"required,max=100"`
}

// Trim normalizes whitespace in all fields.
func (r *StoryRequest) Trim() {
	r.ChildName = strings.TrimSpace(r.ChildName)
	r.FavoriteAnimal = strings.TrimSpace(r.FavoriteAnimal)
	r.MoralLesson = strings.TrimSpace(r.MoralLesson)
}

// ReadingTime estimates minutes to read text aloud, never less than one.
func ReadingTime(text string) int {
	words := len(strings.Fields(text))
	minutes := (words + WordsPerMinute - 1) / WordsPerMinute
	if minutes < 1 {
		return 1
	}
	return minutes
}
