package option

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type row struct {
	ID        int64 `gorm:"primaryKey"`
	Name      string
	Score     int
	CheckedAt time.Time
}

func newOptionDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&row{}))

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create([]*row{
		{ID: 1, Name: "a", Score: 10, CheckedAt: base},
		{ID: 2, Name: "b", Score: 20, CheckedAt: base.Add(time.Hour)},
		{ID: 3, Name: "c", Score: 30, CheckedAt: base.Add(2 * time.Hour)},
	}).Error)
	return db
}

func names(rows []row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Name
	}
	return out
}

func TestApplyOperator(t *testing.T) {
	db := newOptionDB(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		cond Condition
		want []string
	}{
		{"eq", Condition{Field: "name", Operator: EQ, Value: "b"}, []string{"b"}},
		{"gte", Condition{Field: "checked_at", Operator: GTE, Value: base.Add(time.Hour)}, []string{"b", "c"}},
		{"lte", Condition{Field: "score", Operator: LTE, Value: 20}, []string{"a", "b"}},
		{"in", Condition{Field: "name", Operator: IN, Value: []string{"a", "c"}}, []string{"a", "c"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got []row
			stmt := ApplyOperator(tc.cond).Apply(db.Order("id"))
			require.NoError(t, stmt.Find(&got).Error)
			assert.Equal(t, tc.want, names(got))
		})
	}
}

func TestWithLimitAndOrder(t *testing.T) {
	db := newOptionDB(t)

	var got []row
	stmt := WithOrder("score DESC").Apply(db)
	stmt = WithLimit(2).Apply(stmt)
	require.NoError(t, stmt.Find(&got).Error)
	assert.Equal(t, []string{"c", "b"}, names(got))

	// Zero and empty are pass-throughs.
	got = nil
	stmt = WithLimit(0).Apply(WithOrder("").Apply(db.Order("id")))
	require.NoError(t, stmt.Find(&got).Error)
	assert.Len(t, got, 3)
}
