// Package file provides file-based persistence implementation for flows and templates.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/flowtree/pkg/flowpath"
	"github.com/dukex/flowtree/pkg/persistence"
)

const (
	flowsDir     = "flows"
	templatesDir = "templates"
)

// Persistence implements the persistence.Persistence interface using the file
// system. Every record is one JSON document under root. It has no rollback, so
// Atomic only serializes units of work within this process.
type Persistence struct {
	root         string
	store        *store
	atomicMu     *sync.Mutex
	inAtomic     bool
	flowRepo     *FlowRepository
	templateRepo *TemplateRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	s := &store{root: cleanRoot}

	return &Persistence{
		root:         cleanRoot,
		store:        s,
		atomicMu:     &sync.Mutex{},
		flowRepo:     &FlowRepository{store: s},
		templateRepo: &TemplateRepository{store: s},
	}
}

// FlowRepository returns the flow repository.
func (fp *Persistence) FlowRepository() persistence.FlowRepository {
	return fp.flowRepo
}

// TemplateRepository returns the template repository.
func (fp *Persistence) TemplateRepository() persistence.TemplateRepository {
	return fp.templateRepo
}

// Atomic runs fn while holding the store's unit-of-work lock. Writes made
// before a failure stay on disk.
func (fp *Persistence) Atomic(ctx context.Context, fn func(ctx context.Context, tx persistence.Persistence) error) error {
	if fp.inAtomic {
		return fn(ctx, fp)
	}

	fp.atomicMu.Lock()
	defer fp.atomicMu.Unlock()

	tx := *fp
	tx.inAtomic = true

	return fn(ctx, &tx)
}

// Transactional is always false for the file store.
func (fp *Persistence) Transactional() bool {
	return false
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists and is writable.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	err := os.MkdirAll(fp.root, 0750)
	if err != nil {
		return persistence.NewStoreError("health check", err)
	}

	probe, err := os.CreateTemp(fp.root, ".health-*")
	if err != nil {
		return persistence.NewStoreError("health check", err)
	}

	_ = probe.Close()
	_ = os.Remove(probe.Name())

	return nil
}

// store reads and writes JSON records. One RWMutex guards every directory so
// multi-file reads see a consistent snapshot.
type store struct {
	root string
	mu   sync.RWMutex
}

var errRecordNotFound = errors.New("record not found")

func (s *store) recordPath(dir, id string) (string, error) {
	if err := flowpath.ValidateID(id); err != nil {
		return "", err
	}

	return filepath.Join(s.root, dir, id+".json"), nil
}

func readRecord[T any](s *store, dir, id string) (*T, error) {
	filePath, err := s.recordPath(dir, id)
	if err != nil {
		return nil, errRecordNotFound
	}

	body, err := os.ReadFile(filepath.Clean(filePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errRecordNotFound
		}

		return nil, persistence.NewStoreError("read "+dir, err)
	}

	var record T

	err = json.Unmarshal(body, &record)
	if err != nil {
		return nil, persistence.NewStoreError("decode "+dir, fmt.Errorf("record %s: %w", id, err))
	}

	return &record, nil
}

func writeRecord(s *store, dir, id string, record any) error {
	filePath, err := s.recordPath(dir, id)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Join(s.root, dir), 0750)
	if err != nil {
		return persistence.NewStoreError("create "+dir+" directory", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s record %s: %w", dir, id, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), "."+id+"-*")
	if err != nil {
		return persistence.NewStoreError("write "+dir, err)
	}

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Chmod(tmp.Name(), 0600)
	}

	if err == nil {
		err = os.Rename(tmp.Name(), filePath)
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return persistence.NewStoreError("write "+dir, err)
	}

	return nil
}

func removeRecord(s *store, dir, id string) error {
	filePath, err := s.recordPath(dir, id)
	if err != nil {
		return errRecordNotFound
	}

	err = os.Remove(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return errRecordNotFound
		}

		return persistence.NewStoreError("delete "+dir, err)
	}

	return nil
}

func listRecords[T any](s *store, dir string) ([]*T, error) {
	jsonFiles, err := fs.Glob(os.DirFS(filepath.Join(s.root, dir)), "*.json")
	if err != nil {
		return nil, persistence.NewStoreError("list "+dir, err)
	}

	records := make([]*T, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		record, err := readRecord[T](s, dir, strings.TrimSuffix(file, ".json"))
		if errors.Is(err, errRecordNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, nil
}
