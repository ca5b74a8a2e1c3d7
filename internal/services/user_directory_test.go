package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestSQLUserDirectory(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("finds a user by email", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		directory := NewSQLUserDirectory(db)

		mock.ExpectQuery("FROM users WHERE email = \\$1").
			WithArgs("driver@example.cm").
			WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "email", "phone", "role", "created_at", "updated_at"}).
				AddRow("user-1", "Test Driver", "driver@example.cm", "+237650000001", "user", now, now))

		user, err := directory.FindUserByEmail(ctx, "driver@example.cm")
		assert.NoError(t, err)
		assert.Equal(t, "user-1", user.ID)
		assert.Equal(t, "+237650000001", user.Phone)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("finds a user by phone with a null phone column elsewhere", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		directory := NewSQLUserDirectory(db)

		mock.ExpectQuery("FROM users WHERE phone = \\$1").
			WithArgs("+237650000001").
			WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "email", "phone", "role", "created_at", "updated_at"}).
				AddRow("user-1", "Test Driver", "driver@example.cm", nil, "user", now, now))

		user, err := directory.FindUserByPhone(ctx, "+237650000001")
		assert.NoError(t, err)
		assert.Empty(t, user.Phone)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user maps to not found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		directory := NewSQLUserDirectory(db)

		mock.ExpectQuery("FROM users WHERE id = \\$1").
			WithArgs("user-missing").
			WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "email", "phone", "role", "created_at", "updated_at"}))

		_, err = directory.FindUserByID(ctx, "user-missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
