package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/pkg/companieshouse"
)

type stubSearch struct {
	companies []companieshouse.Company
	err       error
	query     string
	limit     int
}

func (s *stubSearch) SearchCompanies(_ context.Context, q string, limit int) ([]companieshouse.Company, error) {
	s.query, s.limit = q, limit
	return s.companies, s.err
}

func TestCompaniesHouse_Search(t *testing.T) {
	stub := &stubSearch{companies: []companieshouse.Company{
		{Number: "01234567", Title: "OYSTER YACHTS LIMITED", Status: "active",
			Address: companieshouse.Address{Premises: "1", Line1: "Marina Way", Locality: "Ipswich", PostalCode: "IP2 8SA"}},
		{Number: "07654321", Title: "OYSTER YACHTS (OLD) LIMITED", Status: "dissolved"},
		{Number: "", Title: "NO NUMBER LTD"},
	}}
	reg := NewCompaniesHouse(stub, 0, true)

	hits, err := reg.Search(context.Background(), "Oyster Yachts Limited")
	require.NoError(t, err)
	assert.Equal(t, "Oyster Yachts Limited", stub.query)
	assert.Equal(t, 10, stub.limit)
	require.Len(t, hits, 1)
	assert.Equal(t, "01234567", hits[0].ID)
	assert.Equal(t, "1 Marina Way", hits[0].Address.Line1)
	assert.Equal(t, "IP2 8SA", hits[0].Address.Postcode)
	assert.Equal(t, RegistryCompaniesHouse, reg.Name())
}

func TestCompaniesHouse_ScenarioCandidates(t *testing.T) {
	stub := &stubSearch{companies: []companieshouse.Company{
		{Number: "01", Title: "OYSTER YACHTS SALES LIMITED"},
		{Number: "02", Title: "OYSTER YACHTS MARINE LIMITED"},
		{Number: "03", Title: "OYSTER YACHTS IPSWICH LIMITED"},
	}}
	r, err := New(DefaultConfig(), WithScorer(TokenScorer{}), WithRegistry(NewCompaniesHouse(stub, 5, false), nil))
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), "Oyster Yachts Limited", model.Address{}, NewSnapshot(nil))
	require.NoError(t, err)
	assert.Equal(t, model.TierMedium, res.Tier)
	require.Len(t, res.Candidates, 3)
	// Equal scores fall back to ref order.
	assert.Equal(t, "companies_house:01", res.Candidates[0].Ref())
	assert.InDelta(t, 0.8, res.Candidates[0].Score, 1e-9)
}

func TestCompaniesHouse_ErrorWrapped(t *testing.T) {
	stub := &stubSearch{err: &companieshouse.StatusError{StatusCode: 503}}
	_, err := NewCompaniesHouse(stub, 1, false).Search(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "companies house search")
}
