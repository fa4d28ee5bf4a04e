package docstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/audit"
)

// Role grants a built-in or custom role on a database.
type Role struct {
	Role string `bson:"role" json:"role" yaml:"role"`
	DB   string `bson:"db" json:"db" yaml:"db"`
}

// User is one entry of usersInfo.
type User struct {
	Name     string `bson:"user" json:"user" yaml:"user"`
	Database string `bson:"db" json:"db" yaml:"db"`
	Roles    []Role `bson:"roles" json:"roles" yaml:"roles"`
}

// commandRunner is satisfied by *mongo.Database.
type commandRunner interface {
	RunCommand(ctx context.Context, runCommand any, opts ...options.Lister[options.RunCmdOptions]) *mongo.SingleResult
}

// UserAdmin manages database users through admin commands.
type UserAdmin struct {
	db       commandRunner
	database string
	auditor  *audit.SecurityAuditor
	logger   *zap.Logger
}

// Users returns a UserAdmin for users defined on database. An empty database
// means the configured auth source.
func (m *Manager) Users(database string) *UserAdmin {
	if database == "" {
		database = m.cfg.AuthSource
	}
	if database == "" {
		database = "admin"
	}
	return &UserAdmin{
		db:       m.client.Database(database),
		database: database,
		auditor:  m.auditor,
		logger:   m.logger.Named("users"),
	}
}

var errEmptyUserName = errors.New("user name cannot be empty")

// CreateUser creates name with password and roles.
func (a *UserAdmin) CreateUser(ctx context.Context, name, password string, roles []Role) error {
	if name == "" {
		return errEmptyUserName
	}
	cmd := bson.D{
		{Key: "createUser", Value: name},
		{Key: "pwd", Value: password},
		{Key: "roles", Value: rolesOrEmpty(roles)},
	}
	if err := a.db.RunCommand(ctx, cmd).Err(); err != nil {
		return fmt.Errorf("create user %s: %w", name, err)
	}
	a.logger.Info("User created", zap.String("user", name), zap.Int("roles", len(roles)))
	a.auditor.LogUserChange(audit.EventUserCreated, a.database, name, roleNames(roles))
	return nil
}

// ListUsers returns every user defined on the database.
func (a *UserAdmin) ListUsers(ctx context.Context) ([]User, error) {
	var out struct {
		Users []User `bson:"users"`
	}
	if err := a.db.RunCommand(ctx, bson.D{{Key: "usersInfo", Value: 1}}).Decode(&out); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return out.Users, nil
}

// UpdateRole replaces the roles of name.
func (a *UserAdmin) UpdateRole(ctx context.Context, name string, roles []Role) error {
	if name == "" {
		return errEmptyUserName
	}
	cmd := bson.D{
		{Key: "updateUser", Value: name},
		{Key: "roles", Value: rolesOrEmpty(roles)},
	}
	if err := a.db.RunCommand(ctx, cmd).Err(); err != nil {
		return fmt.Errorf("update roles of %s: %w", name, err)
	}
	a.logger.Info("User roles updated", zap.String("user", name), zap.Int("roles", len(roles)))
	a.auditor.LogUserChange(audit.EventUserRolesChanged, a.database, name, roleNames(roles))
	return nil
}

// DeleteUser drops name.
func (a *UserAdmin) DeleteUser(ctx context.Context, name string) error {
	if name == "" {
		return errEmptyUserName
	}
	if err := a.db.RunCommand(ctx, bson.D{{Key: "dropUser", Value: name}}).Err(); err != nil {
		return fmt.Errorf("delete user %s: %w", name, err)
	}
	a.logger.Info("User deleted", zap.String("user", name))
	a.auditor.LogUserChange(audit.EventUserDeleted, a.database, name, nil)
	return nil
}

// the server rejects a null roles array
func rolesOrEmpty(roles []Role) []Role {
	if roles == nil {
		return []Role{}
	}
	return roles
}

func roleNames(roles []Role) []string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Role + "@" + r.DB
	}
	return names
}
