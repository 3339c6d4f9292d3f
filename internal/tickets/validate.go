package tickets

import (
	"strings"
	"unicode/utf8"

	"github.com/and161185/fixdesk/internal/errs"
	"github.com/and161185/fixdesk/internal/model"
)

const (
	MaxTitleLen   = 200
	MaxPhotos     = 5
	MaxPhotoBytes = 10 << 20
)

// ValidateNewTicket checks the fields the server requires before anything is sent.
func ValidateNewTicket(t model.NewTicket) error {
	required := []struct{ field, value string }{
		{"title", t.Title},
		{"description", t.Description},
		{"department", t.Department},
		{"area", t.Area},
		{"typeOfDamage", t.TypeOfDamage},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &errs.ValidationError{Field: r.field, Reason: "is required"}
		}
	}
	if utf8.RuneCountInString(t.Title) > MaxTitleLen {
		return &errs.ValidationError{Field: "title", Reason: "is too long"}
	}
	return nil
}

// ValidatePhotos enforces the attachment limits.
func ValidatePhotos(photos []model.Photo) error {
	if len(photos) > MaxPhotos {
		return &errs.ValidationError{Field: "images", Reason: "too many photos"}
	}
	for _, p := range photos {
		if len(p.Data) == 0 {
			return &errs.ValidationError{Field: "images", Reason: p.Name + " is empty"}
		}
		if len(p.Data) > MaxPhotoBytes {
			return &errs.ValidationError{Field: "images", Reason: p.Name + " is larger than 10 MB"}
		}
	}
	return nil
}
