// Package model defines domain entities shared by the gateway, the controller and the list synchronizer.
package model

import (
	"time"
)

// Role is the closed set of user roles known to the ticket service.
type Role string

const (
	RoleUser          Role = "USER"
	RoleIT            Role = "IT"
	RoleEngineer      Role = "ENGINEER"
	RoleAdmin         Role = "ADMIN"
	RoleITAdmin       Role = "IT_ADMIN"
	RoleEngineerAdmin Role = "ENGINEER_ADMIN"
)

// IsAdmin reports whether the role carries administrative capability.
func (r Role) IsAdmin() bool {
	switch r {
	case RoleAdmin, RoleITAdmin, RoleEngineerAdmin:
		return true
	}
	return false
}

// User is the identity record returned by the auth endpoints.
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Role       Role   `json:"role"`
	Department string `json:"department,omitempty"`
	Email      string `json:"email,omitempty"`
}

// TicketKind selects one of the two ticket spaces. They are not filter-compatible.
type TicketKind string

const (
	KindIT       TicketKind = "it"
	KindEngineer TicketKind = "engineer"
)

// Path returns the collection path of the kind on the REST API.
func (k TicketKind) Path() string {
	if k == KindEngineer {
		return "/engineer-tickets"
	}
	return "/tickets"
}

// Valid reports whether k is a known kind.
func (k TicketKind) Valid() bool { return k == KindIT || k == KindEngineer }

// Ticket statuses the client knows about. The server may send others.
const (
	StatusNew        = "NEW"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
)

// Image is an attachment stored by the server.
type Image struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	IsAdmin bool   `json:"isAdmin"`
}

// Ticket is a ticket summary/detail as returned by the API.
type Ticket struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Department    string    `json:"department"`
	Area          string    `json:"area"`
	TypeOfDamage  string    `json:"typeOfDamage"`
	Status        string    `json:"status"`
	AdminNotes    string    `json:"adminNotes,omitempty"`
	AssignedTo    string    `json:"assignedTo,omitempty"`
	InformationBy string    `json:"informationBy,omitempty"`
	CreatedBy     *User     `json:"createdBy,omitempty"`
	Images        []Image   `json:"images,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewTicket is the create payload.
type NewTicket struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Department   string `json:"department"`
	Area         string `json:"area"`
	TypeOfDamage string `json:"typeOfDamage"`
}

// TicketPatch is a partial update; nil fields are not sent.
type TicketPatch struct {
	Status        *string `json:"status,omitempty"`
	AdminNotes    *string `json:"adminNotes,omitempty"`
	AssignTo      *string `json:"assignTo,omitempty"`
	InformationBy *string `json:"informationBy,omitempty"`
}

// Empty reports whether the patch carries no field.
func (p TicketPatch) Empty() bool {
	return p.Status == nil && p.AdminNotes == nil && p.AssignTo == nil && p.InformationBy == nil
}

// DateRange bounds ticket creation dates, both ends optional and inclusive.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Filters are independent, AND-combined predicates for one ticket kind.
type Filters struct {
	Search     string
	Status     string
	DamageType string
	DateRange  DateRange
	MineOnly   bool
}

// IsZero reports whether no predicate is set.
func (f Filters) IsZero() bool { return f == Filters{} }

// StatusCounts maps status to the number of matching tickets.
type StatusCounts map[string]int

// Page is one list response.
type Page struct {
	Tickets      []Ticket     `json:"tickets"`
	Count        int          `json:"count"`
	StatusCounts StatusCounts `json:"statusCounts"`
}

// Stats is the admin aggregate view.
type Stats struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"byStatus"`
	ByDepartment map[string]int `json:"byDepartment"`
	ByDamageType map[string]int `json:"byDamageType"`
}

// Photo is a local file to attach to a ticket.
type Photo struct {
	Name        string
	ContentType string
	Data        []byte
}
