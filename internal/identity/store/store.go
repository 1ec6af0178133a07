// Package store is a sqlite-backed identity.Directory.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/luciancaetano/streamnet/internal/identity"
)

// Reserved group ids created by the migrations.
const (
	GroupGuests int32 = 1
	GroupUsers  int32 = 2
)

type Store struct {
	db *sql.DB
}

var _ identity.Directory = (*Store)(nil)

func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("unable to create database: %w", err)
	}
	// every pooled connection to :memory: would see its own empty database
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	return s, s.openDB()
}

// Open opens (creating when needed) the directory database under dir.
func Open(dir string) (*Store, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	mainfile := filepath.Join(dir, "identity.sqlite")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("unable to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", mainfile)
	if err != nil {
		return nil, fmt.Errorf("unable to create database file: %w", err)
	}
	s := &Store{db: db}
	return s, s.openDB()
}

func (s *Store) openDB() error {
	if err := initDB(s.db); err != nil {
		return fmt.Errorf("unable to initialize database: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AddGroup inserts g. A zero id lets the database pick one.
func (s *Store) AddGroup(ctx context.Context, g *identity.Group) (*identity.Group, error) {
	res, err := s.db.ExecContext(ctx, "insert into t_groups(id, name, default_level) values (?, ?, ?)",
		nullID(g.ID), g.Name, int32(g.Default))
	if err != nil {
		return nil, fmt.Errorf("unable to add group %q: %w", g.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &identity.Group{Name: g.Name, ID: int32(id), Default: g.Default}, nil
}

// AddUser inserts u with a bcrypt hash of password; an empty password disables
// password authentication for the user.
func (s *Store) AddUser(ctx context.Context, u *identity.User, password string) (*identity.User, error) {
	var hash []byte
	if password != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
	}
	var groupID any
	if u.Group != nil {
		groupID = u.Group.ID
	}
	res, err := s.db.ExecContext(ctx, "insert into t_users(id, name, level, group_id, password_hash) values (?, ?, ?, ?, ?)",
		nullID(u.ID), u.Name, int32(u.Level), groupID, hash)
	if err != nil {
		return nil, fmt.Errorf("unable to add user %q: %w", u.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &identity.User{Name: u.Name, ID: int32(id), Level: u.Level, Group: u.Group}, nil
}

func (s *Store) GroupByID(ctx context.Context, id int32) (*identity.Group, error) {
	g := &identity.Group{}
	var level int32
	err := s.db.QueryRowContext(ctx, "select id, name, default_level from t_groups where id = ?", id).Scan(&g.ID, &g.Name, &level)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", identity.ErrGroupNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	g.Default = identity.Level(level)
	return g, nil
}

func (s *Store) UserByName(ctx context.Context, name string) (*identity.User, error) {
	u, _, err := s.lookup(ctx, name)
	return u, err
}

// Authenticate checks password against the stored bcrypt hash.
func (s *Store) Authenticate(ctx context.Context, name, password string) (*identity.User, error) {
	u, hash, err := s.lookup(ctx, name)
	if errors.Is(err, identity.ErrUserNotFound) {
		return nil, identity.ErrBadPassword
	}
	if err != nil {
		return nil, err
	}
	if len(hash) == 0 {
		return nil, identity.ErrBadPassword
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return nil, identity.ErrBadPassword
	}
	return u, nil
}

func (s *Store) lookup(ctx context.Context, name string) (*identity.User, []byte, error) {
	var (
		u         identity.User
		level     int32
		groupID   sql.NullInt32
		groupName sql.NullString
		groupLvl  sql.NullInt32
		hash      []byte
	)
	err := s.db.QueryRowContext(ctx, `select u.id, u.name, u.level, u.password_hash, g.id, g.name, g.default_level
		from t_users u left join t_groups g on g.id = u.group_id
		where u.name = ?`, name).Scan(&u.ID, &u.Name, &level, &hash, &groupID, &groupName, &groupLvl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", identity.ErrUserNotFound, name)
	}
	if err != nil {
		return nil, nil, err
	}
	u.Level = identity.Level(level)
	if groupID.Valid {
		u.Group = &identity.Group{
			ID:      groupID.Int32,
			Name:    groupName.String,
			Default: identity.Level(groupLvl.Int32),
		}
	}
	return &u, hash, nil
}

func nullID(id int32) any {
	if id == 0 {
		return nil
	}
	return id
}
