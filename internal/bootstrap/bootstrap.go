// Package bootstrap imports pre-provisioned clients from a YAML file and
// optionally keeps importing as the file changes.
package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/tokengate/internal/auth"
	apperrors "github.com/alexjbarnes/tokengate/internal/errors"
	"github.com/alexjbarnes/tokengate/internal/models"
)

// Entry is one client in the file. Secrets are given only as bcrypt
// hashes, as printed by `tokengate hash-secret`.
type Entry struct {
	ClientID    string             `yaml:"client_id"`
	SecretHash  string             `yaml:"client_secret_hash"`
	Scope       ScopeList          `yaml:"scope"`
	Permissions models.Permissions `yaml:"permissions"`
}

// File is the document layout:
//
//	clients:
//	  - client_id: meter-reader
//	    client_secret_hash: $2a$10$...
//	    scope: read write
//	    permissions:
//	      /retrieve-readings: [POST]
type File struct {
	Clients []Entry `yaml:"clients"`
}

// ScopeList accepts either a YAML list or a space-delimited string.
type ScopeList []string

func (s *ScopeList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = strings.Fields(node.Value)
		return nil
	case yaml.SequenceNode:
		var labels []string
		if err := node.Decode(&labels); err != nil {
			return fmt.Errorf("decoding scope: %w", err)
		}

		*s = labels

		return nil
	default:
		return fmt.Errorf("scope must be a string or a list")
	}
}

// Importer adds a client whose secret is already hashed.
type Importer interface {
	Import(ctx context.Context, id, secretHash string, scope []string, perms models.Permissions) (models.Client, error)
}

// Result counts what an import pass did.
type Result struct {
	Imported int
	Skipped  int
}

// LoadFile reads and validates the clients file. Unknown keys are
// rejected so a typo does not silently drop a grant.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading clients file: %w", err)
	}

	return parse(data)
}

func parse(data []byte) (*File, error) {
	var f File

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing clients file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Clients))

	for i, e := range f.Clients {
		if strings.TrimSpace(e.ClientID) == "" {
			return nil, fmt.Errorf("clients[%d]: client_id is required", i)
		}

		if e.SecretHash == "" {
			return nil, fmt.Errorf("clients[%d] (%s): client_secret_hash is required", i, e.ClientID)
		}

		id := auth.NormalizeClientID(e.ClientID)
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("clients[%d]: duplicate client_id %q", i, id)
		}

		seen[id] = struct{}{}
	}

	return &f, nil
}

// Import registers every entry not already in the registry. Entries that
// exist are skipped and left untouched; the first other failure stops
// the pass.
func Import(ctx context.Context, reg Importer, f *File, logger *slog.Logger) (Result, error) {
	var res Result

	for _, e := range f.Clients {
		_, err := reg.Import(ctx, e.ClientID, e.SecretHash, e.Scope, e.Permissions)
		if errors.Is(err, apperrors.ErrDuplicateClient) {
			res.Skipped++
			continue
		}

		if err != nil {
			return res, fmt.Errorf("importing client %q: %w", e.ClientID, err)
		}

		logger.Info("client imported", slog.String("client_id", e.ClientID))
		res.Imported++
	}

	return res, nil
}

// ImportFile loads path and imports it.
func ImportFile(ctx context.Context, reg Importer, path string, logger *slog.Logger) (Result, error) {
	f, err := LoadFile(path)
	if err != nil {
		return Result{}, err
	}

	return Import(ctx, reg, f, logger)
}

// Watch re-imports path whenever it is written or replaced, until ctx is
// cancelled. The parent directory is watched so editors that save by
// renaming a temp file over the original are seen. Bad edits are logged
// and the previous clients stay registered.
func Watch(ctx context.Context, reg Importer, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != target || (!event.Has(fsnotify.Write) && !event.Has(fsnotify.Create)) {
				continue
			}

			res, err := ImportFile(ctx, reg, target, logger)
			if err != nil {
				logger.Warn("clients file reload failed",
					slog.String("path", target),
					slog.String("error", err.Error()),
				)

				continue
			}

			if res.Imported > 0 {
				logger.Info("clients file reloaded",
					slog.String("path", target),
					slog.Int("imported", res.Imported),
				)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			logger.Warn("clients file watcher error", slog.String("error", err.Error()))
		}
	}
}
