package docstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

var bucketUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// KVStore stores one JetStream key-value bucket per collection.
type KVStore struct {
	js     jetstream.JetStream
	prefix string

	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
}

type kvDocument struct {
	Fields
	CreatedAt time.Time `json:"created_at"`
}

func NewKVStore(js jetstream.JetStream, bucketPrefix string) *KVStore {
	return &KVStore{js: js, prefix: bucketPrefix, buckets: make(map[string]jetstream.KeyValue)}
}

func (s *KVStore) bucketName(collection string) string {
	return bucketUnsafe.ReplaceAllString(s.prefix+"_"+collection, "_")
}

// kvKey encodes ids so timestamps with ':' remain valid subject tokens.
func kvKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func (s *KVStore) bucket(ctx context.Context, collection string) (jetstream.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kv, ok := s.buckets[collection]; ok {
		return kv, nil
	}
	name := s.bucketName(collection)
	kv, err := s.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "dictated documents: " + collection,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	s.buckets[collection] = kv
	return kv, nil
}

// WriteDocument creates the key; an existing key yields ErrDocumentExists.
// ctx bounds both the bucket lookup and the write.
func (s *KVStore) WriteDocument(ctx context.Context, collection, id string, fields Fields) error {
	kv, err := s.bucket(ctx, collection)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(kvDocument{Fields: fields, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if _, err := kv.Create(ctx, kvKey(id), payload); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrDocumentExists
		}
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (s *KVStore) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	kv, err := s.bucket(ctx, collection)
	if err != nil {
		return Document{}, err
	}
	entry, err := kv.Get(ctx, kvKey(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	var stored kvDocument
	if err := json.Unmarshal(entry.Value(), &stored); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	return Document{Collection: collection, ID: id, Fields: stored.Fields, CreatedAt: stored.CreatedAt}, nil
}
