package credits

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// CATALOG - Credit packages for sale
// =============================================================================

// Package is a bundle of credits sold at a fixed price.
type Package struct {
	ID       string
	Name     string
	Credits  int
	Scope    studio.ServiceScope
	Price    decimal.Decimal
	Currency string
}

// UnitPrice is the price of one credit, rounded to cents.
func (p Package) UnitPrice() decimal.Decimal {
	return p.Price.Div(decimal.NewFromInt(int64(p.Credits))).Round(2)
}

func (p Package) Validate() error {
	if p.ID == "" {
		return &studio.ValidationError{Field: "id", Reason: "required"}
	}
	if p.Credits <= 0 {
		return &studio.ValidationError{Field: "credits", Reason: "must be positive"}
	}
	if _, err := studio.ParseServiceScope(string(p.Scope)); err != nil {
		return err
	}
	if p.Price.IsNegative() {
		return &studio.ValidationError{Field: "price", Reason: "must not be negative"}
	}
	return nil
}

type Catalog struct {
	packages map[string]Package
}

func NewCatalog(pkgs ...Package) (*Catalog, error) {
	c := &Catalog{packages: make(map[string]Package, len(pkgs))}
	for _, p := range pkgs {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("package %q: %w", p.ID, err)
		}
		if _, dup := c.packages[p.ID]; dup {
			return nil, &studio.ValidationError{Field: "id", Reason: fmt.Sprintf("duplicate package %q", p.ID)}
		}
		c.packages[p.ID] = p
	}
	return c, nil
}

// DefaultCatalog is the studio's standard price list.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		Package{ID: "ep-4", Name: "Personal Training x4", Credits: 4, Scope: studio.ScopeFor(studio.ServicePersonalTraining), Price: decimal.RequireFromString("48000"), Currency: "ARS"},
		Package{ID: "ep-8", Name: "Personal Training x8", Credits: 8, Scope: studio.ScopeFor(studio.ServicePersonalTraining), Price: decimal.RequireFromString("88000"), Currency: "ARS"},
		Package{ID: "ep-12", Name: "Personal Training x12", Credits: 12, Scope: studio.ScopeFor(studio.ServicePersonalTraining), Price: decimal.RequireFromString("120000"), Currency: "ARS"},
		Package{ID: "ra-4", Name: "Active Rehab x4", Credits: 4, Scope: studio.ScopeFor(studio.ServiceActiveRehab), Price: decimal.RequireFromString("56000"), Currency: "ARS"},
		Package{ID: "rf-4", Name: "Functional Re-education x4", Credits: 4, Scope: studio.ScopeFor(studio.ServiceFunctionalReeducation), Price: decimal.RequireFromString("56000"), Currency: "ARS"},
		Package{ID: "nu-1", Name: "Nutrition consult", Credits: 1, Scope: studio.ScopeFor(studio.ServiceNutrition), Price: decimal.RequireFromString("18000"), Currency: "ARS"},
		Package{ID: "open-10", Name: "Open pass x10", Credits: 10, Scope: studio.ScopeAll, Price: decimal.RequireFromString("135000"), Currency: "ARS"},
	)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Get(id string) (Package, error) {
	p, ok := c.packages[id]
	if !ok {
		return Package{}, &studio.NotFoundError{Kind: "package", ID: id}
	}
	return p, nil
}

// List returns packages ordered by scope, then credits.
func (c *Catalog) List() []Package {
	out := make([]Package, 0, len(c.packages))
	for _, p := range c.packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		if out[i].Credits != out[j].Credits {
			return out[i].Credits < out[j].Credits
		}
		return out[i].ID < out[j].ID
	})
	return out
}
