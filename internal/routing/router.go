// Package routing maps problem types to the responsible municipal department.
package routing

import (
	"errors"
	"sync/atomic"

	"civic-reports-go/internal/types"
)

// FallbackDepartment is used only when even the general entry has no name.
const FallbackDepartment = "Municipal General Services"

var ErrNoGeneralContact = errors.New("department mapping has no general contact")

type Department struct {
	Name       string            `json:"department"`
	Contact    types.ContactInfo `json:"contact"`
	Escalation []string          `json:"escalation,omitempty"`
}

// Mapping is one immutable version of the department configuration.
type Mapping struct {
	Version int                              `json:"version"`
	Entries map[types.ProblemType]Department `json:"entries"`
	General Department                       `json:"general"`
}

// Validate checks the general entry every fallback depends on.
func (m *Mapping) Validate() error {
	if m.General.Name == "" || m.General.Contact.Empty() {
		return ErrNoGeneralContact
	}
	return nil
}

// Router serves lookups against the current mapping. Swaps are atomic: a
// lookup sees either the old or the new mapping, never a mix.
type Router struct {
	current atomic.Pointer[Mapping]
}

func NewRouter(m *Mapping) (*Router, error) {
	r := &Router{}
	if err := r.Swap(m); err != nil {
		return nil, err
	}
	return r, nil
}

// Swap installs m. The version is bumped past the current one so callers
// reloading from the same source still see a new version.
func (r *Router) Swap(m *Mapping) error {
	if m == nil {
		return ErrNoGeneralContact
	}
	if err := m.Validate(); err != nil {
		return err
	}
	next := clone(m)
	if cur := r.current.Load(); cur != nil && next.Version <= cur.Version {
		next.Version = cur.Version + 1
	}
	r.current.Store(next)
	return nil
}

// Mapping returns the active mapping. Callers must not modify it.
func (r *Router) Mapping() *Mapping {
	return r.current.Load()
}

func (r *Router) Version() int {
	if m := r.current.Load(); m != nil {
		return m.Version
	}
	return 0
}

// Route returns the department for p, falling back to the general entry
// when p is unmapped or its entry lacks a name or contact.
func (r *Router) Route(p types.ProblemType) Department {
	m := r.current.Load()
	if m == nil {
		return Department{Name: FallbackDepartment}
	}
	if d, ok := m.Entries[p]; ok && d.Name != "" && !d.Contact.Empty() {
		return copyDepartment(d)
	}
	d := copyDepartment(m.General)
	if d.Name == "" {
		d.Name = FallbackDepartment
	}
	return d
}

func clone(m *Mapping) *Mapping {
	out := &Mapping{
		Version: m.Version,
		Entries: make(map[types.ProblemType]Department, len(m.Entries)),
		General: copyDepartment(m.General),
	}
	for k, v := range m.Entries {
		out.Entries[k] = copyDepartment(v)
	}
	return out
}

func copyDepartment(d Department) Department {
	if d.Escalation != nil {
		d.Escalation = append([]string(nil), d.Escalation...)
	}
	return d
}

// DefaultMapping covers every category with a generic municipal department.
func DefaultMapping(general Department) *Mapping {
	return &Mapping{
		Version: 1,
		General: general,
		Entries: map[types.ProblemType]Department{
			types.GarbageSanitation: {
				Name:       "Solid Waste Management",
				Contact:    types.ContactInfo{Email: "sanitation@municipality.example", Phone: "311-201"},
				Escalation: []string{"Ward Sanitation Inspector", "Chief Health Officer"},
			},
			types.RoadDamage: {
				Name:       "Public Works - Roads",
				Contact:    types.ContactInfo{Email: "roads@municipality.example", Phone: "311-202"},
				Escalation: []string{"Assistant Engineer", "Executive Engineer"},
			},
			types.StreetLights: {
				Name:       "Electrical - Street Lighting",
				Contact:    types.ContactInfo{Email: "lighting@municipality.example", Phone: "311-203"},
				Escalation: []string{"Lighting Supervisor", "Electrical Engineer"},
			},
			types.WaterSupply: {
				Name:       "Water Supply and Sewerage",
				Contact:    types.ContactInfo{Email: "water@municipality.example", Phone: "311-204"},
				Escalation: []string{"Section Engineer", "Superintending Engineer"},
			},
			types.TrafficSafety: {
				Name:       "Traffic Engineering",
				Contact:    types.ContactInfo{Email: "traffic@municipality.example", Phone: "311-205"},
				Escalation: []string{"Traffic Inspector", "Deputy Commissioner (Traffic)"},
			},
		},
	}
}
