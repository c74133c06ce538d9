package dataset

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/domain/model"
)

// Registry tracks, per conversation, which remote datasets have been
// fetched and their derived schema. Datasets are mutated only by the
// load job that owns them (via MarkReady/MarkError) and by explicit
// removal; queries see them read-only.
type Registry struct {
	mu     sync.RWMutex
	byConv map[string]map[string]*model.Dataset // conversation -> dataset id -> dataset
	byURL  map[string]map[string]string         // conversation -> source URL -> dataset id
	jobs   map[string]string                    // conversation|dataset id -> in-flight load job id
}

func NewRegistry() *Registry {
	return &Registry{
		byConv: make(map[string]map[string]*model.Dataset),
		byURL:  make(map[string]map[string]string),
		jobs:   make(map[string]string),
	}
}

// Create registers a new loading dataset for the conversation. A URL
// already present (loading or ready) is a duplicate; a previously failed
// load of the same URL may be retried and replaces the errored entry.
func (r *Registry) Create(conversationID, sourceURL string) (*model.Dataset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byURL[conversationID][sourceURL]; ok {
		existing := r.byConv[conversationID][id]
		if existing.Status != model.DatasetStatusError {
			return nil, domain.NewValidationError(domain.CodeDuplicateDataset,
				"this URL is already loaded in the conversation")
		}
		delete(r.byConv[conversationID], id)
		delete(r.byURL[conversationID], sourceURL)
	}

	name := displayName(sourceURL)
	now := time.Now()
	ds := &model.Dataset{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SourceURL:      sourceURL,
		Name:           name,
		TableName:      r.uniqueTableName(conversationID, name),
		Status:         model.DatasetStatusLoading,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if r.byConv[conversationID] == nil {
		r.byConv[conversationID] = make(map[string]*model.Dataset)
		r.byURL[conversationID] = make(map[string]string)
	}
	r.byConv[conversationID][ds.ID] = ds
	r.byURL[conversationID][sourceURL] = ds.ID
	dup := *ds
	return &dup, nil
}

// InFlight returns the dataset and load-job id for an in-progress load
// of the URL, letting a duplicate request attach instead of starting a
// second download.
func (r *Registry) InFlight(conversationID, sourceURL string) (*model.Dataset, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byURL[conversationID][sourceURL]
	if !ok {
		return nil, "", false
	}
	ds := r.byConv[conversationID][id]
	if ds.Status != model.DatasetStatusLoading {
		return nil, "", false
	}
	dup := *ds
	return &dup, r.jobs[jobKey(conversationID, id)], true
}

// AttachJob records which load job owns the dataset.
func (r *Registry) AttachJob(conversationID, datasetID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobKey(conversationID, datasetID)] = jobID
}

func (r *Registry) Get(conversationID, datasetID string) (*model.Dataset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.byConv[conversationID][datasetID]
	if !ok {
		return nil, false
	}
	dup := *ds
	return &dup, true
}

// List returns the conversation's datasets in creation order.
func (r *Registry) List(conversationID string) []*model.Dataset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Dataset, 0, len(r.byConv[conversationID]))
	for _, ds := range r.byConv[conversationID] {
		dup := *ds
		out = append(out, &dup)
	}
	sortByCreatedAt(out)
	return out
}

// Tables returns the ready table name -> dataset id mapping queries may
// reference.
func (r *Registry) Tables(conversationID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string)
	for id, ds := range r.byConv[conversationID] {
		if ds.Status == model.DatasetStatusReady {
			out[strings.ToLower(ds.TableName)] = id
		}
	}
	return out
}

// Loading reports whether any table name in the conversation matching
// name is still loading.
func (r *Registry) Loading(conversationID, tableName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ds := range r.byConv[conversationID] {
		if strings.EqualFold(ds.TableName, tableName) && ds.Status == model.DatasetStatusLoading {
			return true
		}
	}
	return false
}

// MarkReady finalizes a successful load. Only the owning load job calls
// this; afterwards the dataset is immutable.
func (r *Registry) MarkReady(conversationID, datasetID string, schema []model.Column, rowCount, colCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.byConv[conversationID][datasetID]
	if !ok {
		return
	}
	ds.Schema = schema
	ds.RowCount = rowCount
	ds.ColumnCount = colCount
	ds.Status = model.DatasetStatusReady
	ds.UpdatedAt = time.Now()
	delete(r.jobs, jobKey(conversationID, datasetID))
}

// MarkError finalizes a failed load.
func (r *Registry) MarkError(conversationID, datasetID, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.byConv[conversationID][datasetID]
	if !ok {
		return
	}
	ds.Status = model.DatasetStatusError
	ds.LastError = msg
	ds.UpdatedAt = time.Now()
	delete(r.jobs, jobKey(conversationID, datasetID))
}

// Remove deletes the dataset from the registry and reports its table
// name so the caller can drop the materialized frame.
func (r *Registry) Remove(conversationID, datasetID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.byConv[conversationID][datasetID]
	if !ok {
		return "", false
	}
	delete(r.byConv[conversationID], datasetID)
	delete(r.byURL[conversationID], ds.SourceURL)
	delete(r.jobs, jobKey(conversationID, datasetID))
	return ds.TableName, true
}

func jobKey(conversationID, datasetID string) string {
	return conversationID + "|" + datasetID
}

// displayName derives a human name from the URL's file name.
func displayName(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "dataset"
	}
	base := path.Base(u.Path)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	if base == "" || base == "/" || base == "." {
		return "dataset"
	}
	return base
}

// uniqueTableName turns the display name into a safe SQL identifier,
// unique within the conversation. Callers must hold r.mu.
func (r *Registry) uniqueTableName(conversationID, name string) string {
	base := sanitizeIdent(name)
	candidate := base
	for n := 2; ; n++ {
		taken := false
		for _, ds := range r.byConv[conversationID] {
			if strings.EqualFold(ds.TableName, candidate) {
				taken = true
				break
			}
		}
		if !taken {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", base, n)
	}
}

func sanitizeIdent(name string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(c) || unicode.IsDigit(c):
			b.WriteRune(c)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "dataset"
	}
	if unicode.IsDigit(rune(out[0])) {
		out = "t_" + out
	}
	return out
}

func sortByCreatedAt(ds []*model.Dataset) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].CreatedAt.Before(ds[j].CreatedAt) })
}
