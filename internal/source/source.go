// Package source loads the definition inventory the engine reconciles against.
// The inventory is read-only input: the current task definitions in rotation
// order plus the known users and their external-account identifiers.
package source

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"rotaro/internal/domain"
)

type Inventory struct {
	Definitions []domain.TaskDefinition
	Users       []domain.User
}

type Source interface {
	Fetch(ctx context.Context) (Inventory, error)
}

// FileSource reads the inventory from a YAML file.
type FileSource struct {
	Path string
}

type fileDoc struct {
	Users []struct {
		Name  string `yaml:"name"`
		Email string `yaml:"email"`
	} `yaml:"users"`
	Tasks []struct {
		Name       string   `yaml:"name"`
		Category   string   `yaml:"category"`
		Repeat     string   `yaml:"repeat"`
		Grace      string   `yaml:"grace"`
		Actors     []string `yaml:"actors"`
		Behavior   string   `yaml:"behavior"`
		ActiveFrom string   `yaml:"active_from"`
	} `yaml:"tasks"`
}

func (s FileSource) Fetch(ctx context.Context) (Inventory, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Inventory{}, fmt.Errorf("read definitions: %w", err)
	}
	return Parse(data)
}

// Parse decodes an inventory document. Per-definition validation happens in
// the engine; parsing only fails on malformed YAML or unparseable fields.
func Parse(data []byte) (Inventory, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Inventory{}, fmt.Errorf("invalid definitions yaml: %w", err)
	}
	var inv Inventory
	for _, u := range doc.Users {
		inv.Users = append(inv.Users, domain.User{Name: u.Name, Email: u.Email})
	}
	for _, t := range doc.Tasks {
		def := domain.TaskDefinition{
			Name:     t.Name,
			Category: t.Category,
			Actors:   t.Actors,
			Behavior: domain.OverdueBehavior(t.Behavior),
		}
		if t.Repeat != "" {
			d, err := ParseDuration(t.Repeat)
			if err != nil {
				return Inventory{}, fmt.Errorf("task %s repeat: %w", t.Name, err)
			}
			def.RepeatPeriod = d
		}
		if t.Grace != "" {
			d, err := ParseDuration(t.Grace)
			if err != nil {
				return Inventory{}, fmt.Errorf("task %s grace: %w", t.Name, err)
			}
			def.GracePeriod = d
		}
		if t.ActiveFrom != "" {
			ts, err := time.Parse(time.RFC3339, t.ActiveFrom)
			if err != nil {
				return Inventory{}, fmt.Errorf("task %s active_from: %w", t.Name, err)
			}
			def.ActiveFrom = &ts
		}
		inv.Definitions = append(inv.Definitions, def)
	}
	return inv, nil
}

var dayWeekRe = regexp.MustCompile(`^(\d+)\s*([dw])$`)

// ParseDuration accepts time.ParseDuration syntax plus day ("3d") and week
// ("2w") suffixes, which rotation periods are usually written in.
func ParseDuration(s string) (time.Duration, error) {
	if m := dayWeekRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		switch m[2] {
		case "d":
			return time.Duration(n) * 24 * time.Hour, nil
		case "w":
			return time.Duration(n) * 7 * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(s)
}
