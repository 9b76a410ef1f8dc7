package identity

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/pkg/companieshouse"
)

// RegistryCompaniesHouse names the Companies House registry in candidate
// refs and entity records.
const RegistryCompaniesHouse = "companies_house"

// CompaniesHouse adapts a Companies House client to Registry.
type CompaniesHouse struct {
	client companieshouse.Client
	limit  int
	active bool
}

// NewCompaniesHouse returns a Registry returning at most limit hits per
// search. When activeOnly is set dissolved companies are skipped.
func NewCompaniesHouse(client companieshouse.Client, limit int, activeOnly bool) *CompaniesHouse {
	if limit <= 0 {
		limit = 10
	}
	return &CompaniesHouse{client: client, limit: limit, active: activeOnly}
}

// Name implements Registry.
func (c *CompaniesHouse) Name() string { return RegistryCompaniesHouse }

// Search implements Registry.
func (c *CompaniesHouse) Search(ctx context.Context, name string) ([]RegistryHit, error) {
	companies, err := c.client.SearchCompanies(ctx, name, c.limit)
	if err != nil {
		return nil, eris.Wrap(err, "identity: companies house search")
	}
	hits := make([]RegistryHit, 0, len(companies))
	for _, co := range companies {
		if co.Number == "" || co.Title == "" {
			continue
		}
		if c.active && co.Status != "" && co.Status != "active" {
			continue
		}
		hits = append(hits, RegistryHit{
			ID:   co.Number,
			Name: co.Title,
			Address: model.Address{
				Line1:    strings.TrimSpace(co.Address.Premises + " " + co.Address.Line1),
				Line2:    co.Address.Line2,
				Town:     co.Address.Locality,
				County:   co.Address.Region,
				Postcode: co.Address.PostalCode,
				Country:  co.Address.Country,
			},
		})
	}
	return hits, nil
}
