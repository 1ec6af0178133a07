// Package identity holds the user and group records used for permission checks.
package identity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/luciancaetano/streamnet/internal/codec"
)

// Level ranks access to privileged operations; higher is more privileged.
type Level int32

const (
	LevelNone  Level = 0
	LevelGuest Level = 1
	LevelUser  Level = 2
	LevelMod   Level = 3
	LevelAdmin Level = 4
	LevelRoot  Level = math.MaxInt32
)

var levelNames = map[string]Level{
	"none":  LevelNone,
	"guest": LevelGuest,
	"user":  LevelUser,
	"mod":   LevelMod,
	"admin": LevelAdmin,
	"root":  LevelRoot,
}

func (l Level) String() string {
	for name, lvl := range levelNames {
		if lvl == l {
			return name
		}
	}
	return strconv.Itoa(int(l))
}

// ParseLevel accepts a level name such as "mod" or a plain number.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if lvl, ok := levelNames[s]; ok {
		return lvl, nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return LevelNone, fmt.Errorf("unknown level %q", s)
	}
	return Level(n), nil
}

// Group is a named bucket of users sharing a default level.
type Group struct {
	Name    string
	ID      int32
	Default Level
}

// User is a read-mostly identity record. Records are never mutated after construction.
type User struct {
	Name  string
	ID    int32
	Level Level
	Group *Group
}

// SystemGroup is reserved for built-in identities.
var SystemGroup = &Group{Name: "system", ID: 0, Default: LevelRoot}

// Main is the identity of the process's primary context.
var Main = &User{Name: "main", ID: 0, Level: LevelRoot, Group: SystemGroup}

// LevelOf returns u's level, treating a nil user as LevelNone.
func LevelOf(u *User) Level {
	if u == nil {
		return LevelNone
	}
	return u.Level
}

// NewUser builds a user whose level defaults to the group's level when level is LevelNone.
func NewUser(name string, id int32, level Level, group *Group) *User {
	if level == LevelNone && group != nil {
		level = group.Default
	}
	return &User{Name: name, ID: id, Level: level, Group: group}
}

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrGroupNotFound = errors.New("group not found")
	ErrBadPassword   = errors.New("invalid credentials")
)

// Directory is the user/group source supplied by the hosting process.
type Directory interface {
	GroupByID(ctx context.Context, id int32) (*Group, error)
	UserByName(ctx context.Context, name string) (*User, error)
	Authenticate(ctx context.Context, name, password string) (*User, error)
}

// WriteGroup encodes g as name, id, default level.
func WriteGroup(w *codec.Writer, g *Group) {
	w.String(g.Name)
	w.Int32(g.ID)
	w.Int32(int32(g.Default))
}

func ReadGroup(r *codec.Reader) *Group {
	g := &Group{}
	g.Name = r.String()
	g.ID = r.Int32()
	g.Default = Level(r.Int32())
	return g
}

// WriteUser encodes u as name, id, level, group presence flag and the optional group.
func WriteUser(w *codec.Writer, u *User) {
	w.String(u.Name)
	w.Int32(u.ID)
	w.Int32(int32(u.Level))
	w.Bool(u.Group != nil)
	if u.Group != nil {
		WriteGroup(w, u.Group)
	}
}

func ReadUser(r *codec.Reader) *User {
	u := &User{}
	u.Name = r.String()
	u.ID = r.Int32()
	u.Level = Level(r.Int32())
	if r.Bool() {
		u.Group = ReadGroup(r)
	}
	return u
}
