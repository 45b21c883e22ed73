package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPagination(t *testing.T) {
	cases := []struct {
		name            string
		page, per, tot  int
		wantPage, wantP int
		wantPages       int
	}{
		{name: "defaults", page: 0, per: 0, tot: 120, wantPage: 1, wantP: DefaultPerPage, wantPages: 3},
		{name: "clamped", page: 2, per: 10000, tot: 1200, wantPage: 2, wantP: MaxPerPage, wantPages: 3},
		{name: "empty", page: 1, per: 20, tot: 0, wantPage: 1, wantP: 20, wantPages: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPagination(tc.page, tc.per, tc.tot)
			require.Equal(t, tc.wantPage, p.Page)
			require.Equal(t, tc.wantP, p.PerPage)
			require.Equal(t, tc.wantPages, p.TotalPages)
		})
	}
	require.Equal(t, 100, Offset(3, 50))
	require.Equal(t, 0, Offset(-1, 0))
}

func TestAuditLogValidate(t *testing.T) {
	require.Error(t, AuditLog{Action: "invoice.cancel"}.Validate())
	require.NoError(t, AuditLog{Action: "invoice.cancel", Entity: "invoice", EntityID: "7"}.Validate())
}

func TestErrorTaxonomyWraps(t *testing.T) {
	err := fmt.Errorf("%w: location 3", ErrNotFound)
	require.True(t, errors.Is(err, ErrNotFound))
	require.False(t, errors.Is(err, ErrInvalidOperation))
}
