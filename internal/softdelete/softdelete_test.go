package softdelete

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveDefaultsToExclude(t *testing.T) {
	assert.Equal(t, ExcludeDeleted, Resolve())
	assert.Equal(t, ExcludeDeleted, Resolve(nil))
	assert.Equal(t, IncludeDeleted, Resolve(WithDeleted()))
}

func TestClause(t *testing.T) {
	assert.Equal(t, "deleted_at is null", ExcludeDeleted.Clause(""))
	assert.Equal(t, "r.deleted_at is null", ExcludeDeleted.Clause("r.deleted_at"))
	assert.Empty(t, IncludeDeleted.Clause("r.deleted_at"))
}

func TestAnd(t *testing.T) {
	assert.Equal(t, "organization_id = $1 and deleted_at is null", ExcludeDeleted.And("organization_id = $1", DefaultColumn))
	assert.Equal(t, "organization_id = $1", IncludeDeleted.And("organization_id = $1", DefaultColumn))
	assert.Equal(t, "deleted_at is null", ExcludeDeleted.And("", DefaultColumn))
}

func TestVisible(t *testing.T) {
	now := time.Now()
	assert.True(t, ExcludeDeleted.Visible(nil))
	assert.False(t, ExcludeDeleted.Visible(&now))
	assert.True(t, IncludeDeleted.Visible(&now))
}
