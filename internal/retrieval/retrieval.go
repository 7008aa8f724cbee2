// Package retrieval finds prior commits, log lines and chat messages relevant to an
// incident. Search is fail-soft: a broken backend yields no matches, never an error.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Namespaces the index is partitioned into.
const (
	NamespaceLogs    = "logs"
	NamespaceSlack   = "slack"
	NamespaceCommits = "commits"
)

// Source types carried in match metadata.
const (
	SourceCommit     = "commit"
	SourceCodeChange = "code_change"
	SourceLog        = "log"
	SourceChat       = "chat"
	SourceSlack      = "slack"
)

// Metadata keys returned with every match.
const (
	MetaType       = "type"
	MetaSourceType = "source_type"
	MetaSourceID   = "source_id"
	MetaNamespace  = "namespace"
	MetaRepoID     = "repo_id"
	MetaLevel      = "level"
	MetaSHA        = "sha"
	MetaAuthor     = "author"
	MetaTitle      = "title"
	MetaChannelID  = "channel_id"
	MetaUser       = "user"
	MetaFiles      = "files"
)

// Query describes one similarity search. Zero Start/End leave the window open.
type Query struct {
	Text      string
	TopK      int
	Namespace string
	RepoID    string
	Start     time.Time
	End       time.Time
}

// Match is one ranked passage.
type Match struct {
	ID        string            `json:"id"`
	Score     float64           `json:"score"`
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SourceType returns the match's "type", falling back to "source_type".
func (m Match) SourceType() string {
	if t := m.Metadata[MetaType]; t != "" {
		return t
	}
	return m.Metadata[MetaSourceType]
}

// Document is a passage to be written into the index.
type Document struct {
	ID         string            `json:"id"`
	Namespace  string            `json:"namespace"`
	RepoID     string            `json:"repo_id,omitempty"`
	SourceType string            `json:"source_type"`
	SourceID   string            `json:"source_id,omitempty"`
	Text       string            `json:"text"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is a vector store that can be searched and written to.
type Index interface {
	Search(ctx context.Context, vector []float32, q Query) ([]Match, error)
	Upsert(ctx context.Context, doc Document, vector []float32) error
}

// Retriever combines an embedder with an index.
type Retriever struct {
	embedder Embedder
	index    Index
	logger   *zap.Logger
}

// New returns a Retriever. Either collaborator may be nil, in which case Search
// always returns no matches.
func New(embedder Embedder, index Index, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{embedder: embedder, index: index, logger: logger.Named("retrieval")}
}

// Enabled reports whether a backend is configured.
func (r *Retriever) Enabled() bool {
	return r != nil && r.embedder != nil && r.index != nil
}

// Search returns matches ordered by descending score. Failures are logged and
// reported as an empty result.
func (r *Retriever) Search(ctx context.Context, q Query) []Match {
	if !r.Enabled() || strings.TrimSpace(q.Text) == "" {
		return nil
	}
	if q.TopK <= 0 {
		q.TopK = 10
	}
	vec, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		r.logger.Warn("embed query failed", zap.String("namespace", q.Namespace), zap.Error(err))
		return nil
	}
	matches, err := r.index.Search(ctx, vec, q)
	if err != nil {
		r.logger.Warn("index search failed", zap.String("namespace", q.Namespace), zap.Error(err))
		return nil
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > q.TopK {
		matches = matches[:q.TopK]
	}
	return matches
}

// Add embeds doc and writes it to the index. Unlike Search, errors are returned.
func (r *Retriever) Add(ctx context.Context, doc Document) error {
	if !r.Enabled() {
		return ErrDisabled
	}
	vec, err := r.embedder.Embed(ctx, doc.Text)
	if err != nil {
		return err
	}
	return r.index.Upsert(ctx, doc, vec)
}

// Buckets groups matches by source.
type Buckets struct {
	Commits []Match `json:"commits"`
	Logs    []Match `json:"logs"`
	Chat    []Match `json:"chat"`
	Other   []Match `json:"other,omitempty"`
}

// Partition splits matches by their type, keeping each bucket's relative order.
func Partition(matches []Match) Buckets {
	var b Buckets
	for _, m := range matches {
		switch m.SourceType() {
		case SourceCommit, SourceCodeChange:
			b.Commits = append(b.Commits, m)
		case SourceLog:
			b.Logs = append(b.Logs, m)
		case SourceChat, SourceSlack:
			b.Chat = append(b.Chat, m)
		default:
			b.Other = append(b.Other, m)
		}
	}
	return b
}
