package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gochat/pkg/crypto"
	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/model"
)

// UserYAML represents a user in the users file. Password is only read on
// import; ID, Status and CreatedAt are only written on export.
type UserYAML struct {
	ID          string `yaml:"id,omitempty"`
	Username    string `yaml:"username" validate:"required"`
	DisplayName string `yaml:"display_name" validate:"required"`
	Password    string `yaml:"password,omitempty"`
	Status      string `yaml:"status,omitempty"`
	CreatedAt   string `yaml:"created_at,omitempty"`
}

// UsersFile is the top-level YAML for user import and export.
type UsersFile struct {
	Users []UserYAML `yaml:"users"`
}

// LoadUsersFromYAML reads a users YAML file and creates the listed users.
func LoadUsersFromYAML(ctx context.Context, path string, st datastore.DataProviderFactory) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from server config
	if err != nil {
		return 0, fmt.Errorf("read users file: %w", err)
	}
	return ImportUsersFromYAML(ctx, data, st)
}

// ImportUsersFromYAML creates every listed user whose username is not taken
// yet, in one transaction. It returns how many users were created.
func ImportUsersFromYAML(ctx context.Context, data []byte, st datastore.DataProviderFactory) (int, error) {
	var file UsersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse users file: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	for i, u := range file.Users {
		if err := validate.Struct(u); err != nil {
			return 0, fmt.Errorf("users[%d]: %w", i, err)
		}
		if u.Password == "" {
			return 0, fmt.Errorf("users[%d]: password is required", i)
		}
	}

	tx, err := st.Tx(ctx)
	if err != nil {
		return 0, fmt.Errorf("import users: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := 0
	for _, u := range file.Users {
		existing, err := tx.GetUserByUsername(ctx, u.Username)
		if err != nil {
			return 0, fmt.Errorf("import users: %w", err)
		}
		if existing != nil {
			slog.Debug("user already exists, skipping", "username", u.Username)
			continue
		}
		hash, err := crypto.HashPassword(u.Password)
		if err != nil {
			return 0, fmt.Errorf("import users: %w", err)
		}
		if _, err := tx.CreateUser(ctx, u.Username, u.DisplayName, hash); err != nil {
			return 0, fmt.Errorf("import users: %s: %w", u.Username, err)
		}
		created++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("import users: commit: %w", err)
	}
	slog.Info("imported users from YAML", "listed", len(file.Users), "created", created)
	return created, nil
}

// ExportUsersYAML exports all users as YAML. Password hashes are never
// written.
func ExportUsersYAML(ctx context.Context, st datastore.DataStore) ([]byte, error) {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	export := UsersFile{
		Users: lo.Map(users, func(u model.User, _ int) UserYAML {
			return UserYAML{
				ID:          u.ID,
				Username:    u.Username,
				DisplayName: u.DisplayName,
				Status:      u.Status.String(),
				CreatedAt:   u.CreatedAt.UTC().Format(time.RFC3339),
			}
		}),
	}
	return yaml.Marshal(&export)
}
