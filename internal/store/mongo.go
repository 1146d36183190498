package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
)

// MongoStore is the production message store. One document per message in
// "messages" (_id = message id, so upserts are the dedup mechanism) and one
// per thread in "conversations".
type MongoStore struct {
	messages      *mongo.Collection
	conversations *mongo.Collection
}

func NewMongo(db *mongo.Database) *MongoStore {
	return &MongoStore{
		messages:      db.Collection("messages"),
		conversations: db.Collection("conversations"),
	}
}

// EnsureIndexes creates the sort and drain indexes. Call once at startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sent_at", Value: 1}}},
		{Keys: bson.D{{Key: "synced", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Save(ctx context.Context, msg *model.LocalMessage) error {
	filter := bson.M{"_id": msg.ID}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.messages.ReplaceOne(ctx, filter, msg, opts); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return s.touchConversation(ctx, msg)
}

func (s *MongoStore) Get(ctx context.Context, id string) (*model.LocalMessage, error) {
	var m model.LocalMessage
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID string) ([]model.LocalMessage, error) {
	filter := bson.M{"conversation_id": conversationID}
	opts := options.Find().SetSort(bson.D{{Key: "sent_at", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []model.LocalMessage
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) MarkSynced(ctx context.Context, id string) error {
	return s.update(ctx, id, bson.M{"$set": bson.M{"synced": true}})
}

func (s *MongoStore) MarkFailed(ctx context.Context, id string) error {
	return s.update(ctx, id, bson.M{"$set": bson.M{"failed": true}})
}

func (s *MongoStore) ClearFailed(ctx context.Context, id string) error {
	return s.update(ctx, id, bson.M{"$unset": bson.M{"failed": ""}})
}

func (s *MongoStore) MarkUndecryptable(ctx context.Context, id string, envelope string) error {
	return s.update(ctx, id, bson.M{"$set": bson.M{
		"undecryptable": true,
		"envelope":      envelope,
		"body":          "",
	}})
}

func (s *MongoStore) GetUnsynced(ctx context.Context) ([]model.LocalMessage, error) {
	filter := bson.M{
		"synced": false,
		"failed": bson.M{"$ne": true},
	}
	opts := options.Find().SetSort(bson.D{{Key: "sent_at", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []model.LocalMessage
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) Conversations(ctx context.Context) ([]model.ConversationMeta, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}})
	cur, err := s.conversations.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	var out []model.ConversationMeta
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) GetConversationMeta(ctx context.Context, id string) (*model.ConversationMeta, error) {
	var c model.ConversationMeta
	err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MongoStore) PutConversationKeys(ctx context.Context, conversationID string, keys []model.CachedKey) error {
	filter := bson.M{"_id": conversationID}
	update := bson.M{"$set": bson.M{"recipient_keys": keys}}
	opts := options.Update().SetUpsert(true)
	if _, err := s.conversations.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("put conversation keys: %w", err)
	}
	return nil
}

func (s *MongoStore) update(ctx context.Context, id string, update bson.M) error {
	res, err := s.messages.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// touchConversation upserts the thread metadata: participant union and the
// latest embedded timestamp.
func (s *MongoStore) touchConversation(ctx context.Context, msg *model.LocalMessage) error {
	participants := []string{}
	if msg.SenderID != "" {
		participants = append(participants, msg.SenderID)
	}
	if msg.RecipientID != "" {
		participants = append(participants, msg.RecipientID)
	}
	participants = append(participants, msg.GroupMembers...)

	filter := bson.M{"_id": msg.ConversationID}
	update := bson.M{
		"$addToSet": bson.M{"participants": bson.M{"$each": participants}},
		"$max":      bson.M{"last_message_at": msg.SentAt},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := s.conversations.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}
