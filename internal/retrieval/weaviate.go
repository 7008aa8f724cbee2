package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// DefaultClassName is the Weaviate class holding indexed passages.
const DefaultClassName = "SentinellDocument"

// Stored properties. Everything except timestamp_epoch is text.
var (
	textProperties = []string{
		"doc_id", MetaNamespace, MetaRepoID, MetaSourceType, MetaSourceID, "text", "timestamp",
		MetaLevel, MetaSHA, MetaAuthor, MetaTitle, MetaChannelID, MetaUser, MetaFiles,
	}
	// Properties copied into Match.Metadata.
	metadataProperties = []string{
		MetaNamespace, MetaRepoID, MetaSourceType, MetaSourceID,
		MetaLevel, MetaSHA, MetaAuthor, MetaTitle, MetaChannelID, MetaUser, MetaFiles,
	}
)

// WeaviateConfig locates the Weaviate instance.
type WeaviateConfig struct {
	Host   string
	Scheme string
	APIKey string
	Class  string
}

// WeaviateIndex stores and searches passages in one Weaviate class using
// externally computed vectors.
type WeaviateIndex struct {
	client *weaviate.Client
	class  string
}

// NewWeaviateIndex creates a client. No request is made until first use.
func NewWeaviateIndex(cfg WeaviateConfig) (*WeaviateIndex, error) {
	wc := weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme}
	if wc.Scheme == "" {
		wc.Scheme = "http"
	}
	if cfg.APIKey != "" {
		wc.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(wc)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	class := cfg.Class
	if class == "" {
		class = DefaultClassName
	}
	return &WeaviateIndex{client: client, class: class}, nil
}

// Class returns the Weaviate class name in use.
func (w *WeaviateIndex) Class() string { return w.class }

// ClassSchema returns the class definition created by EnsureSchema.
func (w *WeaviateIndex) ClassSchema() *models.Class {
	filterable := true
	props := make([]*models.Property, 0, len(textProperties)+1)
	for _, name := range textProperties {
		p := &models.Property{Name: name, DataType: []string{"text"}, IndexFilterable: &filterable}
		if name != "text" {
			p.Tokenization = "field"
		}
		props = append(props, p)
	}
	props = append(props, &models.Property{
		Name: "timestamp_epoch", DataType: []string{"number"}, IndexFilterable: &filterable,
	})
	return &models.Class{
		Class:       w.class,
		Description: "Commits, log lines and chat messages used as incident context",
		Vectorizer:  "none",
		Properties:  props,
	}
}

// EnsureSchema creates the class if it does not exist. created reports whether
// it had to be created.
func (w *WeaviateIndex) EnsureSchema(ctx context.Context) (created bool, err error) {
	if _, err := w.client.Schema().ClassGetter().WithClassName(w.class).Do(ctx); err == nil {
		return false, nil
	}
	if err := w.client.Schema().ClassCreator().WithClass(w.ClassSchema()).Do(ctx); err != nil {
		return false, fmt.Errorf("create class %s: %w", w.class, err)
	}
	return true, nil
}

// Search runs a nearVector query with the query's repo, namespace and time filters.
func (w *WeaviateIndex) Search(ctx context.Context, vector []float32, q Query) ([]Match, error) {
	fields := make([]graphql.Field, 0, len(textProperties)+1)
	for _, name := range textProperties {
		fields = append(fields, graphql.Field{Name: name})
	}
	fields = append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{
		{Name: "id"},
		{Name: "certainty"},
	}})

	get := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(fields...).
		WithNearVector(w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)).
		WithLimit(q.TopK)
	if where := buildWhere(q); where != nil {
		get = get.WithWhere(where)
	}

	result, err := get.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search: %s", result.Errors[0].Message)
	}
	return parseMatches(result, w.class), nil
}

func buildWhere(q Query) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if q.Namespace != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{MetaNamespace}).
			WithOperator(filters.Equal).
			WithValueString(q.Namespace))
	}
	if q.RepoID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{MetaRepoID}).
			WithOperator(filters.Equal).
			WithValueString(q.RepoID))
	}
	if !q.Start.IsZero() {
		operands = append(operands, filters.Where().
			WithPath([]string{"timestamp_epoch"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueNumber(float64(q.Start.Unix())))
	}
	if !q.End.IsZero() {
		operands = append(operands, filters.Where().
			WithPath([]string{"timestamp_epoch"}).
			WithOperator(filters.LessThanEqual).
			WithValueNumber(float64(q.End.Unix())))
	}
	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

func parseMatches(result *models.GraphQLResponse, class string) []Match {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[class].([]interface{})
	if !ok {
		return nil
	}

	matches := make([]Match, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		match := Match{
			ID:       getString(m, "doc_id"),
			Text:     getString(m, "text"),
			Metadata: make(map[string]string),
		}
		for _, key := range metadataProperties {
			if v := getString(m, key); v != "" {
				match.Metadata[key] = v
			}
		}
		if st := match.Metadata[MetaSourceType]; st != "" {
			match.Metadata[MetaType] = st
		}
		if ts := getString(m, "timestamp"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				match.Timestamp = t
			}
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				match.Score = certainty
			}
			if match.ID == "" {
				match.ID = getString(additional, "id")
			}
		}
		matches = append(matches, match)
	}
	return matches
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Upsert writes doc under a UUID derived from its ID, replacing any earlier copy.
func (w *WeaviateIndex) Upsert(ctx context.Context, doc Document, vector []float32) error {
	if doc.ID == "" {
		return fmt.Errorf("upsert: document has no id")
	}
	id := ObjectID(doc.ID)

	exists, err := w.client.Data().Checker().WithClassName(w.class).WithID(id).Do(ctx)
	if err != nil {
		return fmt.Errorf("check object %s: %w", doc.ID, err)
	}
	if exists {
		if err := w.client.Data().Deleter().WithClassName(w.class).WithID(id).Do(ctx); err != nil {
			return fmt.Errorf("replace object %s: %w", doc.ID, err)
		}
	}

	_, err = w.client.Data().Creator().
		WithClassName(w.class).
		WithID(id).
		WithProperties(documentProperties(doc)).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("create object %s: %w", doc.ID, err)
	}
	return nil
}

// ObjectID maps a document ID onto the stable UUID used as its Weaviate object ID.
func ObjectID(docID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("sentinell:"+docID)).String()
}

func documentProperties(doc Document) map[string]interface{} {
	props := map[string]interface{}{
		"doc_id":       doc.ID,
		MetaNamespace:  doc.Namespace,
		MetaRepoID:     doc.RepoID,
		MetaSourceType: doc.SourceType,
		MetaSourceID:   doc.SourceID,
		"text":         doc.Text,
	}
	if !doc.Timestamp.IsZero() {
		props["timestamp"] = doc.Timestamp.UTC().Format(time.RFC3339)
		props["timestamp_epoch"] = float64(doc.Timestamp.Unix())
	}
	for _, key := range []string{MetaLevel, MetaSHA, MetaAuthor, MetaTitle, MetaChannelID, MetaUser, MetaFiles} {
		if v := strings.TrimSpace(doc.Metadata[key]); v != "" {
			props[key] = v
		}
	}
	return props
}
