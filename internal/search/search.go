// Package search maintains a full-text index over completed
// interviews so a user can find the conversation where they gave a
// particular answer.
package search

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/bhzitouni/intake/internal/state"
	"github.com/bhzitouni/intake/internal/store"
)

// Hit is one search result.
type Hit struct {
	ConversationID string  `json:"conversation_id"`
	Score          float64 `json:"score"`
}

// Index wraps a bleve index of completed conversations.
type Index struct {
	index bleve.Index
	path  string
}

// Open opens or creates the search index at path. A corrupted index
// is deleted and recreated; it can always be rebuilt from the store.
func Open(path string) (*Index, error) {
	index, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create search index: %w", err)
		}
	} else if err != nil {
		log.Printf("WARNING: search index appears corrupted (error: %v), recreating", err)
		if index != nil {
			index.Close()
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("failed to remove corrupted search index: %w", err)
		}
		index, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to recreate search index: %w", err)
		}
	}

	return &Index{index: index, path: path}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()

	ownerField := bleve.NewTextFieldMapping()
	ownerField.Analyzer = keyword.Name
	ownerField.Store = true
	ownerField.Index = true
	docMapping.AddFieldMappingsAt("owner_id", ownerField)

	convField := bleve.NewTextFieldMapping()
	convField.Analyzer = keyword.Name
	convField.Store = true
	convField.Index = true
	docMapping.AddFieldMappingsAt("conversation_id", convField)

	answersField := bleve.NewTextFieldMapping()
	answersField.Analyzer = standard.Name
	answersField.Store = false
	answersField.Index = true
	docMapping.AddFieldMappingsAt("answers", answersField)

	transcriptField := bleve.NewTextFieldMapping()
	transcriptField.Analyzer = standard.Name
	transcriptField.Store = false
	transcriptField.Index = true
	docMapping.AddFieldMappingsAt("transcript", transcriptField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// IndexConversation adds or replaces a completed conversation in the
// index.
func (i *Index) IndexConversation(c *store.Conversation) error {
	st := state.Decode(c.Parts)

	doc := map[string]interface{}{
		"owner_id":        c.OwnerID,
		"conversation_id": c.ID,
		"answers":         flattenAnswers(st.Answers),
		"transcript":      flattenTranscript(st.Messages),
	}

	return i.index.Index(c.ID, doc)
}

// RemoveConversation drops a conversation from the index.
func (i *Index) RemoveConversation(conversationID string) error {
	return i.index.Delete(conversationID)
}

// Search returns up to k completed conversations of the given owner
// matching the query, best first.
func (i *Index) Search(ownerID, query string, k int) ([]Hit, error) {
	matchQuery := bleve.NewMatchQuery(query)

	ownerQuery := bleve.NewTermQuery(ownerID)
	ownerQuery.SetField("owner_id")

	combined := bleve.NewConjunctionQuery(matchQuery, ownerQuery)

	request := bleve.NewSearchRequest(combined)
	request.Size = k
	request.Fields = []string{"conversation_id"}

	result, err := i.index.Search(request)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		h := Hit{ConversationID: hit.ID, Score: hit.Score}
		if id, ok := hit.Fields["conversation_id"].(string); ok {
			h.ConversationID = id
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// Rebuild reindexes all completed conversations of an owner, e.g.
// after the index file was recreated.
func (i *Index) Rebuild(convs []store.Conversation) error {
	batch := i.index.NewBatch()
	for idx := range convs {
		c := &convs[idx]
		st := state.Decode(c.Parts)
		doc := map[string]interface{}{
			"owner_id":        c.OwnerID,
			"conversation_id": c.ID,
			"answers":         flattenAnswers(st.Answers),
			"transcript":      flattenTranscript(st.Messages),
		}
		if err := batch.Index(c.ID, doc); err != nil {
			return fmt.Errorf("failed to add conversation %s to batch: %w", c.ID, err)
		}
	}
	return i.index.Batch(batch)
}

// Close closes the underlying index.
func (i *Index) Close() error {
	return i.index.Close()
}

func flattenAnswers(answers map[string]string) string {
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(" ")
		b.WriteString(answers[k])
		b.WriteString("\n")
	}
	return b.String()
}

func flattenTranscript(msgs []state.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
