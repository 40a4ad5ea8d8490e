package catalog

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusinesses_PrimaryFirstWithAliases(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	clinicID := uuid.New()
	rows := sqlmock.NewRows([]string{"business_id", "clinic_id", "business_name", "is_primary", "aliases"}).
		AddRow("biz-1", clinicID.String(), "City Clinic", true, pq.StringArray{"main", "cbd"}).
		AddRow("biz-2", clinicID.String(), "Suburban Clinic", false, pq.StringArray{})

	mock.ExpectQuery("SELECT business_id, clinic_id, business_name").
		WithArgs(clinicID.String()).
		WillReturnRows(rows)

	repo := NewBusinessRepository(db)
	businesses, err := repo.Businesses(context.Background(), clinicID)
	require.NoError(t, err)
	require.Len(t, businesses, 2)
	assert.True(t, businesses[0].IsPrimary)
	assert.Equal(t, []string{"main", "cbd"}, businesses[0].Aliases)
	assert.Equal(t, BusinessID("biz-2"), businesses[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBusinessByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	clinicID := uuid.New()
	mock.ExpectQuery("SELECT business_id, clinic_id, business_name").
		WithArgs(clinicID.String(), "missing").
		WillReturnRows(sqlmock.NewRows([]string{"business_id", "clinic_id", "business_name", "is_primary", "aliases"}))

	repo := NewBusinessRepository(db)
	_, err = repo.BusinessByID(context.Background(), clinicID, "missing")
	assert.ErrorIs(t, err, ErrBusinessNotFound)
}

func TestAddAlias(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	clinicID := uuid.New()
	mock.ExpectExec("UPDATE businesses").
		WithArgs(clinicID.String(), "biz-1", "the city branch").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewBusinessRepository(db)
	require.NoError(t, repo.AddAlias(context.Background(), clinicID, "biz-1", "the city branch"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
