package checkers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/odvcencio/gdprscan/pkg/check"
)

func TestDefaultMatchesIDs(t *testing.T) {
	all := Default(table(t), &fakeFetcher{}, DefaultOptions())
	ids := make([]string, 0, len(all))
	for _, c := range all {
		ids = append(ids, c.ID())
		assert.NotEmpty(t, c.Name(), c.ID())
	}
	assert.Equal(t, IDs(), ids)
	assert.Contains(t, ids, DataCollectionFormsID)
	assert.Contains(t, ids, DataSubjectRightsID)
	assert.Contains(t, ids, ConsentManagementID)
	assert.Equal(t, check.SeverityHigh, check.SeverityOf(all[4]), "forms carry personal data")
}
