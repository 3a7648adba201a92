package statestore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process fake of Interface for tests, in the style of
// internal/persistence/databases/memory_search.go and memory_vector.go.
type MemoryStore struct {
	mu        sync.Mutex
	manifests map[string]Manifest
	states    map[string]IngestionState
	ledger    map[string]map[string]bool
	chunks    map[string]Chunk
	vectors   map[string]Vector
	dqReports []DQReport
	piiReports []PIIReport
	nodes     map[string]LineageNode
	edges     map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		manifests: map[string]Manifest{},
		states:    map[string]IngestionState{},
		ledger:    map[string]map[string]bool{},
		chunks:    map[string]Chunk{},
		vectors:   map[string]Vector{},
		nodes:     map[string]LineageNode{},
		edges:     map[string]bool{},
	}
}

func (m *MemoryStore) PutManifest(_ context.Context, man Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.manifests[man.IngestID]; exists {
		return nil
	}
	if man.Metadata == nil {
		man.Metadata = map[string]any{}
	}
	m.manifests[man.IngestID] = man
	return nil
}

func (m *MemoryStore) GetManifest(_ context.Context, ingestID string) (Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	man, ok := m.manifests[ingestID]
	if !ok {
		return Manifest{}, ErrNotFound
	}
	return man, nil
}

func (m *MemoryStore) MergeManifestMetadata(_ context.Context, ingestID string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	man, ok := m.manifests[ingestID]
	if !ok {
		return ErrNotFound
	}
	if man.Metadata == nil {
		man.Metadata = map[string]any{}
	}
	for k, v := range patch {
		man.Metadata[k] = v
	}
	m.manifests[ingestID] = man
	return nil
}

func (m *MemoryStore) ListIngestions(_ context.Context, tenantID string, limit int) ([]ManifestStateRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 200 {
		limit = 25
	}
	var rows []ManifestStateRow
	for id, man := range m.manifests {
		if man.TenantID != tenantID {
			continue
		}
		st := m.states[id]
		rows = append(rows, ManifestStateRow{Manifest: man, State: st})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Manifest.CreatedAt.After(rows[j].Manifest.CreatedAt) })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *MemoryStore) ListStaleProcessing(_ context.Context, olderThan time.Time, limit int) ([]ManifestStateRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var rows []ManifestStateRow
	for id, st := range m.states {
		if st.Status.IsTerminal() || !st.UpdatedAt.Before(olderThan) {
			continue
		}
		man, ok := m.manifests[id]
		if !ok {
			continue
		}
		rows = append(rows, ManifestStateRow{Manifest: man, State: st})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].State.UpdatedAt.Before(rows[j].State.UpdatedAt) })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *MemoryStore) UpsertIngestionState(_ context.Context, st IngestionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.IngestID] = st
	return nil
}

func (m *MemoryStore) GetIngestionState(_ context.Context, ingestID string) (IngestionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[ingestID]
	if !ok {
		return IngestionState{}, ErrNotFound
	}
	return st, nil
}

func (m *MemoryStore) StageComplete(_ context.Context, ingestID, stage string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger[ingestID][stage], nil
}

func (m *MemoryStore) MarkStageComplete(_ context.Context, ingestID, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledger[ingestID] == nil {
		m.ledger[ingestID] = map[string]bool{}
	}
	m.ledger[ingestID][stage] = true
	return nil
}

func (m *MemoryStore) UpsertChunks(_ context.Context, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		if _, exists := m.chunks[c.ChunkID]; exists {
			continue
		}
		m.chunks[c.ChunkID] = c
	}
	return nil
}

func (m *MemoryStore) ListChunksByDoc(_ context.Context, docID string) ([]Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Chunk
	for _, c := range m.chunks {
		if c.DocID == docID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *MemoryStore) UpsertVector(_ context.Context, v Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[v.ChunkID] = v
	return nil
}

func (m *MemoryStore) PutDQReport(_ context.Context, r DQReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dqReports = append(m.dqReports, r)
	return nil
}

func (m *MemoryStore) PutPIIReport(_ context.Context, r PIIReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.piiReports = append(m.piiReports, r)
	return nil
}

func (m *MemoryStore) AddLineage(_ context.Context, node LineageNode, parent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = node
	if parent != "" {
		m.edges[parent+"->"+node.ID] = true
	}
	return nil
}

func (m *MemoryStore) DeleteIngestCascade(_ context.Context, ingestID, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if man, ok := m.manifests[ingestID]; !ok || man.TenantID != tenantID {
		return nil
	}
	delete(m.manifests, ingestID)
	delete(m.states, ingestID)
	delete(m.ledger, ingestID)
	for id, c := range m.chunks {
		if c.DocID == ingestID {
			delete(m.chunks, id)
		}
	}
	for id, v := range m.vectors {
		if v.DocID == ingestID {
			delete(m.vectors, id)
		}
	}
	kept := m.dqReports[:0]
	for _, r := range m.dqReports {
		if r.IngestID != ingestID {
			kept = append(kept, r)
		}
	}
	m.dqReports = kept
	keptPII := m.piiReports[:0]
	for _, r := range m.piiReports {
		if r.IngestID != ingestID {
			keptPII = append(keptPII, r)
		}
	}
	m.piiReports = keptPII
	for id := range m.nodes {
		if id == ingestID || hasPrefix(id, ingestID+":") {
			delete(m.nodes, id)
		}
	}
	for edge := range m.edges {
		if hasPrefix(edge, ingestID) {
			delete(m.edges, edge)
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
