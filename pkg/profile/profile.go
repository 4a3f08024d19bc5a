// Package profile fetches target profile snapshots from the profile-data service.
package profile

import (
	"context"
	"strings"
)

// Handle is an address the individual can be reached at.
type Handle struct {
	Value string `json:"value"`
}

// Individual is one person known to the profile-data service.
type Individual struct {
	ID          string   `json:"id,omitempty"`
	FirstName   *string  `json:"first_name,omitempty"`
	LastName    *string  `json:"last_name,omitempty"`
	Emails      []Handle `json:"emails"`
	RoleTitle   *string  `json:"role_title,omitempty"`
	Languages   []string `json:"languages,omitempty"`
	DateOfBirth *string  `json:"date_of_birth,omitempty"`
}

// Addresses returns the individual's email addresses in service order.
func (i *Individual) Addresses() []string {
	out := make([]string, 0, len(i.Emails))
	for _, e := range i.Emails {
		if v := strings.TrimSpace(e.Value); v != "" {
			out = append(out, strings.ToLower(v))
		}
	}
	return out
}

// Name returns first and last name, empty when unknown.
func (i *Individual) Name() (first, last string) {
	if i.FirstName != nil {
		first = *i.FirstName
	}
	if i.LastName != nil {
		last = *i.LastName
	}
	return first, last
}

// Organization is the target's employer.
type Organization struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name,omitempty"`
	Domains   []string `json:"domains,omitempty"`
	Languages []string `json:"languages,omitempty"`
	Industry  *string  `json:"industry,omitempty"`
	Timezone  *string  `json:"timezone,omitempty"`
}

// Snapshot is a point-in-time profile of a target.
type Snapshot struct {
	Individual
	Peers        []Individual `json:"peers"`
	Organization Organization `json:"organization"`
}

// Lookup fetches the profile of a target. A nil snapshot with a nil error
// means the service knows nothing about the address.
type Lookup interface {
	Get(ctx context.Context, orgID, address string) (*Snapshot, error)
}
