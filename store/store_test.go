package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixtureRecord struct {
	ID       uint `gorm:"primaryKey"`
	Name     string
	Data     JSONMap    `gorm:"type:text"`
	Items    JSONList   `gorm:"type:text"`
	Tags     StringList `gorm:"type:text"`
	Sequence int64      `gorm:"uniqueIndex"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite("")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(&fixtureRecord{}))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJSONColumnRoundTrip(t *testing.T) {
	s := newTestStore(t)

	in := fixtureRecord{
		Name:     "first",
		Data:     JSONMap{"score": 0.9, "reviewer": "agent-1"},
		Items:    JSONList{"a", "b"},
		Tags:     StringList{"analysis", "review"},
		Sequence: 1,
	}
	require.NoError(t, s.DB.Create(&in).Error)

	var out fixtureRecord
	require.NoError(t, s.DB.First(&out, "name = ?", "first").Error)
	assert.Equal(t, "agent-1", out.Data["reviewer"])
	assert.Equal(t, 0.9, out.Data["score"])
	assert.Equal(t, JSONList{"a", "b"}, out.Items)
	assert.Equal(t, StringList{"analysis", "review"}, out.Tags)
}

func TestJSONColumnNilDefaults(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.DB.Create(&fixtureRecord{Name: "empty", Sequence: 1}).Error)

	var out fixtureRecord
	require.NoError(t, s.DB.First(&out, "name = ?", "empty").Error)
	assert.Empty(t, out.Data)
	assert.Empty(t, out.Items)
	assert.Empty(t, out.Tags)
}

func TestTransactionRollback(t *testing.T) {
	s := newTestStore(t)

	err := s.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&fixtureRecord{Name: "a", Sequence: 1}).Error; err != nil {
			return err
		}
		// Duplicate sequence violates the unique index and rolls back both rows.
		return tx.Create(&fixtureRecord{Name: "b", Sequence: 1}).Error
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, s.DB.Model(&fixtureRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestIsNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.DB.First(&fixtureRecord{}, "name = ?", "missing").Error
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(ErrNotFound))
	assert.False(t, IsNotFound(nil))
}
