// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/showrunner/core/internal/coreerr"
)

// fileDoc is the on-disk shape of an entity YAML file (spec §6): the
// entity's attributes verbatim, plus reserved keys carrying everything the
// relational index needs that isn't itself a creative attribute.
type fileDoc struct {
	ID          string         `yaml:"id"`
	ContainerType string       `yaml:"container_type"`
	ParentID    string         `yaml:"parent_id,omitempty"`
	SortOrder   int            `yaml:"sort_order"`
	Tags        []string       `yaml:"tags,omitempty"`
	CreatedAt   time.Time      `yaml:"created_at"`
	UpdatedAt   time.Time      `yaml:"updated_at"`
	Attributes  map[string]any `yaml:",inline"`
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lower-cases name and collapses runs of non-alphanumeric
// characters into a single hyphen, trimming leading/trailing hyphens. Used
// to derive the YAML file name from an entity's display name.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugNonAlnum.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "entity"
	}
	return s
}

// EntityPath returns the on-disk path for an entity: <rootDir>/<entity_type>/<slug>.yaml.
func EntityPath(rootDir, entityType, name string) string {
	return filepath.Join(rootDir, entityType, Slugify(name)+".yaml")
}

// WriteEntityYAML writes path+".tmp", fsyncs it, and returns the temp path
// without renaming it into place. The caller (the Unit of Work) controls
// when the atomic rename happens so that all pending writes in a commit
// either all land or none do.
func WriteEntityYAML(path string, e *Entity) (tmpPath string, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", coreerr.NewStorageError("mkdir entity dir", err)
	}

	doc := fileDoc{
		ID:            e.ID,
		ContainerType: e.EntityType,
		SortOrder:     e.SortOrder,
		Tags:          e.Tags,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
		Attributes:    stripReservedKeys(e.Attributes),
	}
	if e.ParentID != nil {
		doc.ParentID = *e.ParentID
	}

	b, err := yaml.Marshal(doc)
	if err != nil {
		return "", coreerr.NewStorageError("marshal entity yaml", err)
	}

	tmpPath = path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return "", coreerr.NewStorageError("open entity tmp file", err)
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		return "", coreerr.NewStorageError("write entity tmp file", err)
	}
	if err := f.Sync(); err != nil {
		return "", coreerr.NewStorageError("fsync entity tmp file", err)
	}

	return tmpPath, nil
}

// ReadEntityYAML reads and parses an entity file from disk. The returned
// Entity's ContentHash is left empty; callers that need it should recompute
// it from Attributes.
func ReadEntityYAML(path string) (*Entity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerr.NewStorageError("read entity yaml", err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, coreerr.NewStorageError("unmarshal entity yaml", err)
	}

	e := &Entity{
		ID:         doc.ID,
		EntityType: doc.ContainerType,
		Attributes: stripReservedKeys(doc.Attributes),
		SortOrder:  doc.SortOrder,
		Tags:       doc.Tags,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
	if doc.ParentID != "" {
		e.ParentID = &doc.ParentID
	}
	if name, ok := doc.Attributes["name"].(string); ok {
		e.Name = name
	}
	return e, nil
}

// SoftDelete moves the file at path into a sibling .trash/ directory,
// preserving its base name. A best-effort recovery mechanism for accidental
// deletes; it does not attempt to deduplicate repeated deletes of the same
// name, so a later delete can overwrite an earlier trashed copy.
func SoftDelete(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	trashDir := filepath.Join(filepath.Dir(path), ".trash")
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return coreerr.NewStorageError("mkdir trash dir", err)
	}
	dest := filepath.Join(trashDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return coreerr.NewStorageError("move to trash", err)
	}
	return nil
}

// CommitRename performs the atomic tmp -> final rename step of a commit.
func CommitRename(tmpPath, finalPath string) error {
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return coreerr.NewStorageError("rename entity yaml", err)
	}
	return nil
}

// RemoveTemp best-effort deletes a leftover temp file during rollback.
func RemoveTemp(tmpPath string) {
	_ = os.Remove(tmpPath)
}

// RemoveFinal best-effort deletes a file already renamed into place,
// used to compensate a commit whose later step failed after this file's
// rename had already succeeded.
func RemoveFinal(path string) {
	_ = os.Remove(path)
}

// RestoreFromTrash best-effort undoes a prior SoftDelete of path by moving
// it back out of its sibling .trash/ directory. Used to compensate a commit
// whose atomic core failed after this entity had already been soft-deleted.
func RestoreFromTrash(path string) {
	trashDir := filepath.Join(filepath.Dir(path), ".trash")
	dest := filepath.Join(trashDir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		_ = os.Rename(dest, path)
	}
}
