// Package mongostore keeps each chat as one MongoDB document with its
// messages embedded in append order.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/customgpt/internal/config"
	"github.com/zulandar/customgpt/internal/logging"
	"github.com/zulandar/customgpt/internal/models"
	"github.com/zulandar/customgpt/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const defaultHealthTimeout = 5 * time.Second

// Store implements store.Store over a MongoDB collection.
type Store struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
	clock   *store.Clock
	log     *logrus.Entry

	mu      sync.Mutex
	indexed bool
}

var _ store.Store = (*Store)(nil)

// Open builds a client for cfg. The driver connects lazily, so Open
// succeeds while the server is down; operations then fail their health check.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	opts := options.Client().ApplyURI(cfg.Mongo.URI)
	if cfg.Mongo.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.Mongo.ConnectTimeout).
			SetServerSelectionTimeout(cfg.Mongo.ConnectTimeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	return New(client, cfg.Mongo.Database, cfg.Mongo.Collection, cfg.HealthTimeout), nil
}

// New wraps an existing client.
func New(client *mongo.Client, database, collection string, healthTimeout time.Duration) *Store {
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	return &Store{
		client:  client,
		coll:    client.Database(database).Collection(collection),
		timeout: healthTimeout,
		clock:   store.NewClock(),
		log:     logging.For("mongostore"),
	}
}

// healthCheck pings the primary and, on the first success, ensures indexes.
func (s *Store) healthCheck(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(pctx, readpref.Primary()); err != nil {
		s.log.WithError(err).Warn("health check failed")
		return store.Unavailable(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexed {
		return nil
	}
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "chat_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "last_updated_at", Value: -1}, {Key: "chat_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: create indexes: %w", err)
	}
	s.indexed = true
	return nil
}

// Ping reports whether the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.healthCheck(ctx)
}

// CreateChat inserts a chat document holding only the root message.
func (s *Store) CreateChat(ctx context.Context, name, configName string) (*models.Chat, error) {
	if err := s.healthCheck(ctx); err != nil {
		return nil, err
	}

	name, configName = store.ChatDefaults(name, configName)
	now := s.clock.Now()
	chat := models.Chat{
		ChatID:        uuid.NewString(),
		ChatName:      name,
		ConfigName:    configName,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Messages:      []models.Message{models.NewRootMessage(now)},
	}
	if _, err := s.coll.InsertOne(ctx, chat); err != nil {
		return nil, fmt.Errorf("mongostore: create chat: %w", err)
	}
	s.log.WithField("chat_id", chat.ChatID).Debug("chat created")
	return &chat, nil
}

// ListChats returns one page of summaries, most recently updated first.
func (s *Store) ListChats(ctx context.Context, limit, skip int) (*store.ListResult, error) {
	if err := s.healthCheck(ctx); err != nil {
		return nil, err
	}

	res := &store.ListResult{
		Chats: []models.ChatSummary{},
		Limit: store.ClampLimit(limit),
		Skip:  store.ClampSkip(skip),
	}
	total, err := s.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("mongostore: count chats: %w", err)
	}
	res.Total = total

	opts := options.Find().
		SetProjection(bson.D{
			{Key: "_id", Value: 0},
			{Key: "chat_id", Value: 1},
			{Key: "chat_name", Value: 1},
			{Key: "created_at", Value: 1},
			{Key: "last_updated_at", Value: 1},
		}).
		SetSort(bson.D{{Key: "last_updated_at", Value: -1}, {Key: "chat_id", Value: 1}}).
		SetSkip(int64(res.Skip)).
		SetLimit(int64(res.Limit))
	cur, err := s.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list chats: %w", err)
	}
	if err := cur.All(ctx, &res.Chats); err != nil {
		return nil, fmt.Errorf("mongostore: list chats: %w", err)
	}
	if res.Chats == nil {
		res.Chats = []models.ChatSummary{}
	}
	return res, nil
}

// GetChat returns the full chat document.
func (s *Store) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	if err := s.healthCheck(ctx); err != nil {
		return nil, err
	}
	var chat models.Chat
	err := s.coll.FindOne(ctx, bson.D{{Key: "chat_id", Value: id}}).Decode(&chat)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get chat: %w", err)
	}
	return &chat, nil
}

// AppendMessage pushes msg onto the chat and bumps last_updated_at in a
// single document update.
func (s *Store) AppendMessage(ctx context.Context, id string, msg store.NewMessage) (string, *models.Chat, error) {
	if err := msg.Normalize(); err != nil {
		return "", nil, err
	}
	if err := s.healthCheck(ctx); err != nil {
		return "", nil, err
	}

	now, err := s.next(ctx, id)
	if err != nil {
		return "", nil, err
	}
	messageID := uuid.NewString()
	update := bson.D{
		{Key: "$push", Value: bson.D{{Key: "messages", Value: msg.Message(messageID, now)}}},
		{Key: "$set", Value: bson.D{{Key: "last_updated_at", Value: now}}},
	}
	chat, err := s.findAndUpdate(ctx, id, update)
	if err != nil {
		return "", nil, err
	}
	s.log.WithFields(logrus.Fields{"chat_id": id, "message_id": messageID, "role": msg.Role}).Debug("message appended")
	return messageID, chat, nil
}

// UpdateChatMetadata applies patch and always bumps last_updated_at.
func (s *Store) UpdateChatMetadata(ctx context.Context, id string, patch store.MetadataPatch) (*models.Chat, error) {
	if err := s.healthCheck(ctx); err != nil {
		return nil, err
	}

	now, err := s.next(ctx, id)
	if err != nil {
		return nil, err
	}
	set := bson.D{{Key: "last_updated_at", Value: now}}
	if patch.ChatName != nil {
		set = append(set, bson.E{Key: "chat_name", Value: *patch.ChatName})
	}
	if patch.ConfigName != nil {
		set = append(set, bson.E{Key: "config_name", Value: *patch.ConfigName})
	}
	return s.findAndUpdate(ctx, id, bson.D{{Key: "$set", Value: set}})
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("mongostore: disconnect: %w", err)
	}
	return nil
}

// next returns a timestamp later than the chat's stored last_updated_at.
func (s *Store) next(ctx context.Context, id string) (time.Time, error) {
	var current models.ChatSummary
	err := s.coll.FindOne(ctx,
		bson.D{{Key: "chat_id", Value: id}},
		options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 0}, {Key: "last_updated_at", Value: 1}}),
	).Decode(&current)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, store.ErrChatNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("mongostore: load chat: %w", err)
	}
	return s.clock.After(current.LastUpdatedAt), nil
}

func (s *Store) findAndUpdate(ctx context.Context, id string, update bson.D) (*models.Chat, error) {
	var chat models.Chat
	err := s.coll.FindOneAndUpdate(ctx,
		bson.D{{Key: "chat_id", Value: id}},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&chat)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: update chat: %w", err)
	}
	return &chat, nil
}
