package server

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
)

// MongoDirectory is the production DirectoryStore: one document per user
// in "users", keyed by user id, holding the published key entries and the
// opaque backup blob.
type MongoDirectory struct {
	collection *mongo.Collection
}

type userDoc struct {
	ID         string                 `bson:"_id"`
	PublicKeys []model.PublicKeyEntry `bson:"public_keys"`
	Backup     *model.KeyBackup       `bson:"backup,omitempty"`
}

func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{collection: db.Collection("users")}
}

func (d *MongoDirectory) UpsertKeys(ctx context.Context, userID string, keys []model.PublicKeyEntry) error {
	filter := bson.M{"_id": userID}
	update := bson.M{"$set": bson.M{"public_keys": keys}}
	opts := options.Update().SetUpsert(true)
	if _, err := d.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("upsert keys: %w", err)
	}
	return nil
}

func (d *MongoDirectory) GetUser(ctx context.Context, userID string) (*model.DirectoryUser, error) {
	doc, err := d.get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.DirectoryUser{
		ID:         doc.ID,
		PublicKeys: activeEntries(doc.PublicKeys),
		IsActive:   true,
	}, nil
}

func (d *MongoDirectory) PutBackup(ctx context.Context, userID, blob string) error {
	filter := bson.M{"_id": userID}
	update := bson.M{"$set": bson.M{"backup.backup": blob}, "$currentDate": bson.M{"backup.updated_at": true}}
	opts := options.Update().SetUpsert(true)
	if _, err := d.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("put backup: %w", err)
	}
	return nil
}

func (d *MongoDirectory) GetBackup(ctx context.Context, userID string) (model.KeyBackup, error) {
	doc, err := d.get(ctx, userID)
	if err != nil {
		return model.KeyBackup{}, err
	}
	if doc.Backup == nil {
		return model.KeyBackup{}, ErrUnknownUser
	}
	return *doc.Backup, nil
}

func (d *MongoDirectory) get(ctx context.Context, userID string) (*userDoc, error) {
	var doc userDoc
	err := d.collection.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
