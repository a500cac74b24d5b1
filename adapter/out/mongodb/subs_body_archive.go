// Package mongodb archives raw message bodies out-of-band from the
// relational store.
package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"subs_server/core/port/out"
)

// =============================================================================
// Body Archive
// =============================================================================

const (
	collectionEmailBodies = "email_bodies"

	// Only compress bodies larger than this
	compressionThreshold = 1024

	defaultRetentionDays = 30
)

// BodyArchive implements out.EmailBodyStorePort.
type BodyArchive struct {
	collection    *mongo.Collection
	retentionDays int
}

func NewBodyArchive(db *mongo.Database) *BodyArchive {
	return &BodyArchive{
		collection:    db.Collection(collectionEmailBodies),
		retentionDays: defaultRetentionDays,
	}
}

var _ out.EmailBodyStorePort = (*BodyArchive)(nil)

// EnsureIndexes creates the lookup and TTL indexes.
func (a *BodyArchive) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "connection_id", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

type bodyDocument struct {
	MessageID    string    `bson:"message_id"`
	ConnectionID int64     `bson:"connection_id"`
	Body         []byte    `bson:"body"`
	IsCompressed bool      `bson:"is_compressed"`
	OriginalSize int64     `bson:"original_size"`
	ArchivedAt   time.Time `bson:"archived_at"`
	ExpiresAt    time.Time `bson:"expires_at"`
}

// Save upserts the body by message id.
func (a *BodyArchive) Save(ctx context.Context, connectionID int64, messageID, body string) error {
	data := []byte(body)
	compressed := false

	if len(data) > compressionThreshold {
		packed, err := gzipBytes(data)
		if err == nil && len(packed) < len(data) {
			data = packed
			compressed = true
		}
	}

	now := time.Now()
	doc := bodyDocument{
		MessageID:    messageID,
		ConnectionID: connectionID,
		Body:         data,
		IsCompressed: compressed,
		OriginalSize: int64(len(body)),
		ArchivedAt:   now,
		ExpiresAt:    now.AddDate(0, 0, a.retentionDays),
	}

	opts := options.Replace().SetUpsert(true)
	filter := bson.M{"message_id": messageID}

	if _, err := a.collection.ReplaceOne(ctx, filter, doc, opts); err != nil {
		return fmt.Errorf("archive body %s: %w", messageID, err)
	}
	return nil
}

func (a *BodyArchive) Get(ctx context.Context, messageID string) (string, error) {
	var doc bodyDocument
	err := a.collection.FindOne(ctx, bson.M{"message_id": messageID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", out.ErrNotFound
		}
		return "", err
	}

	if !doc.IsCompressed {
		return string(doc.Body), nil
	}

	data, err := gunzipBytes(doc.Body)
	if err != nil {
		return "", fmt.Errorf("decompress body %s: %w", messageID, err)
	}
	return string(data), nil
}

// DeleteByConnection removes all archived bodies for a connection.
func (a *BodyArchive) DeleteByConnection(ctx context.Context, connectionID int64) (int64, error) {
	result, err := a.collection.DeleteMany(ctx, bson.M{"connection_id": connectionID})
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
